package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"charlora/core/executor"
	"charlora/core/models"
	"charlora/core/monitoring"
	"charlora/core/repository"
	"charlora/core/spec"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Preparer runs the prepare stage
type Preparer interface {
	Prepare(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult
}

// Trainer runs the train stage
type Trainer interface {
	Train(ctx context.Context, js models.JobSpec, datasetDir string, log executor.LogFunc) models.StageResult
}

// Deployer runs the deploy stage
type Deployer interface {
	Deploy(ctx context.Context, js models.JobSpec, trainingDir string, log executor.LogFunc) models.StageResult
}

// Probe reports whether the environment can train on a base model
type Probe interface {
	CheckFor(ctx context.Context, baseModel string) models.EnvironmentStatus
}

// CostEstimator prices a training run
type CostEstimator interface {
	TrainingCost(ctx context.Context, d time.Duration) (float64, bool)
}

// CheckpointObserver inspects training output for checkpoint announcements
type CheckpointObserver interface {
	ObserveLine(ctx context.Context, jobID, line string) (bool, error)
}

// EventSink receives every stage transition
type EventSink func(ctx context.Context, event models.JobEvent) error

var (
	// ErrCancelled is the cancellation cause of a user-cancelled job
	ErrCancelled = errors.New("cancelled by user")
	// ErrShutdown is the cancellation cause when the manager stops
	ErrShutdown = errors.New("server shutting down")

	errStageTimeout = errors.New("stage timeout")
)

// Options configures a Manager. Preparer, Trainer, Deployer and JobsRoot
// are required.
type Options struct {
	Preparer Preparer
	Trainer  Trainer
	Deployer Deployer

	Probe        Probe // checked on submit when RequireReady is set
	RequireReady bool

	JobsRoot              string
	MaxConcurrentPrepares int
	PrepareTimeout        time.Duration
	TrainTimeout          time.Duration
	DeployTimeout         time.Duration
	Retention             time.Duration

	Archive     repository.JobArchive
	EventSinks  []EventSink
	Metrics     Metrics
	Checkpoints CheckpointObserver
	Cost        CostEstimator
	Logger      *slog.Logger

	Now   func() time.Time
	NewID func() string
}

// Manager owns every in-flight job and drives it through
// queued → prepping → training → copying → done, or error.
type Manager struct {
	opts      Options
	logger    *slog.Logger
	metrics   Metrics
	prepSlots *semaphore.Weighted
	claims    *ClaimQueue

	baseCtx context.Context
	stopAll context.CancelCauseFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*managedJob
	order   []string
	stopped bool
}

// managedJob is a job plus the pipeline state around it. Only the pipeline
// goroutine writes job; readers take mu.RLock and copy.
type managedJob struct {
	mu        sync.RWMutex
	job       *models.Job
	progress  monitoring.ProgressState
	ticket    *Ticket
	cancel    context.CancelCauseFunc
	done      chan struct{}
	stageFrom time.Time
}

// NewManager creates a job manager
func NewManager(opts Options) *Manager {
	if opts.MaxConcurrentPrepares < 1 {
		opts.MaxConcurrentPrepares = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		metrics:   metrics,
		prepSlots: semaphore.NewWeighted(int64(opts.MaxConcurrentPrepares)),
		claims:    NewClaimQueue(),
		baseCtx:   ctx,
		stopAll:   cancel,
		jobs:      make(map[string]*managedJob),
	}
}

// Stop cancels every running pipeline and waits for them to record their
// final state, or for ctx to end.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.stopAll(ErrShutdown)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates req, stores its images under <jobs_root>/<id>/raw and
// starts the pipeline. Validation and readiness failures return before any
// job or directory exists.
func (m *Manager) Submit(ctx context.Context, req models.SubmitRequest) (models.JobSnapshot, error) {
	if err := spec.ValidateConfig(req.Config); err != nil {
		return models.JobSnapshot{}, err
	}
	if err := spec.ValidateImages(req.Images); err != nil {
		return models.JobSnapshot{}, err
	}
	if m.opts.RequireReady && m.opts.Probe != nil {
		if st := m.opts.Probe.CheckFor(ctx, req.BaseModel); !st.OK {
			return models.JobSnapshot{}, &models.EnvironmentNotReadyError{Status: st}
		}
	}
	if m.isStopped() {
		return models.JobSnapshot{}, ErrShutdown
	}

	id := m.opts.NewID()
	workDir := filepath.Join(m.opts.JobsRoot, id)
	if err := writeUploads(filepath.Join(workDir, executor.RawDir), req.Images); err != nil {
		os.RemoveAll(workDir)
		return models.JobSnapshot{}, fmt.Errorf("store uploads: %w", err)
	}

	now := m.opts.Now()
	job := &models.Job{
		ID:            id,
		CharacterName: req.CharacterName,
		TriggerToken:  req.TriggerToken,
		BaseModel:     req.BaseModel,
		Config:        req.Config,
		WorkDir:       workDir,
		ImageCount:    len(req.Images),
		Stage:         models.StageQueued,
		Logs: []string{
			"Starting pipeline",
			"Base model: " + req.BaseModel,
			fmt.Sprintf("Frames: %d", len(req.Images)),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	jctx, cancel := context.WithCancelCause(m.baseCtx)
	mj := &managedJob{
		job:       job,
		cancel:    cancel,
		done:      make(chan struct{}),
		stageFrom: now,
	}

	// wg.Add happens under mu so Stop never starts waiting before it
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel(ErrShutdown)
		os.RemoveAll(workDir)
		return models.JobSnapshot{}, ErrShutdown
	}
	mj.ticket = m.claims.Reserve(id)
	m.jobs[id] = mj
	m.order = append(m.order, id)
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.JobSubmitted()
	m.metrics.SetQueueDepth(m.claims.Len())
	m.emit(models.JobEvent{JobID: id, At: now, ToStage: models.StageQueued, Reason: "job_created",
		MetaJSON: map[string]interface{}{"name": job.CharacterName, "base_model": job.BaseModel, "images": job.ImageCount}})
	m.logger.Info("job submitted", "job_id", id, "name", job.CharacterName, "images", job.ImageCount)

	snap := m.snapshot(mj)

	go m.run(jctx, mj)
	return snap, nil
}

func (m *Manager) isStopped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopped
}

func writeUploads(dir string, images []models.ImageUpload) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, im := range images {
		name := fmt.Sprintf("%03d%s", i+1, strings.ToLower(filepath.Ext(im.Filename)))
		if err := os.WriteFile(filepath.Join(dir, name), im.Data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a snapshot of a job, falling back to the archive for retired
// jobs. It never waits on stage execution.
func (m *Manager) Get(ctx context.Context, id string) (models.JobSnapshot, error) {
	m.mu.RLock()
	mj, ok := m.jobs[id]
	m.mu.RUnlock()
	if ok {
		return m.snapshot(mj), nil
	}
	if m.opts.Archive != nil {
		snap, err := m.opts.Archive.GetArchivedJob(ctx, id)
		if err != nil {
			return models.JobSnapshot{}, err
		}
		return *snap, nil
	}
	return models.JobSnapshot{}, models.ErrJobNotFound
}

// List returns snapshots of in-memory jobs in submission order
func (m *Manager) List() []models.JobSnapshot {
	m.mu.RLock()
	jobs := make([]*managedJob, 0, len(m.order))
	for _, id := range m.order {
		jobs = append(jobs, m.jobs[id])
	}
	m.mu.RUnlock()

	out := make([]models.JobSnapshot, len(jobs))
	for i, mj := range jobs {
		out[i] = m.snapshot(mj)
	}
	return out
}

func (m *Manager) snapshot(mj *managedJob) models.JobSnapshot {
	mj.mu.RLock()
	snap := mj.job.Snapshot()
	mj.mu.RUnlock()
	if snap.Stage == models.StageQueued || snap.Stage == models.StagePrepping || snap.Stage == models.StageTraining {
		if pos := m.claims.Position(mj.ticket); pos > 0 {
			snap.QueuePosition = pos
		}
	}
	return snap
}

// Cancel stops a queued or running job and waits until it reached error,
// or until ctx ends.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.RLock()
	mj, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return models.ErrJobNotFound
	}

	mj.mu.RLock()
	terminal := mj.job.Stage.Terminal()
	mj.mu.RUnlock()
	if terminal {
		return models.ErrJobFinished
	}

	mj.cancel(ErrCancelled)
	select {
	case <-mj.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetireExpired archives and forgets terminal jobs that finished more than
// the retention window before now. It returns how many were retired.
func (m *Manager) RetireExpired(ctx context.Context, now time.Time) int {
	if m.opts.Retention <= 0 {
		return 0
	}

	m.mu.RLock()
	var expired []*managedJob
	for _, id := range m.order {
		mj := m.jobs[id]
		mj.mu.RLock()
		fin := mj.job.FinishedAt
		terminal := mj.job.Stage.Terminal()
		mj.mu.RUnlock()
		if terminal && fin != nil && now.Sub(*fin) > m.opts.Retention {
			expired = append(expired, mj)
		}
	}
	m.mu.RUnlock()

	retired := 0
	for _, mj := range expired {
		snap := m.snapshot(mj)
		if m.opts.Archive != nil {
			if err := m.opts.Archive.ArchiveJob(ctx, snap); err != nil {
				m.logger.Warn("archive job failed, keeping it in memory", "job_id", snap.ID, "error", err)
				continue
			}
		}
		m.mu.Lock()
		delete(m.jobs, snap.ID)
		for i, id := range m.order {
			if id == snap.ID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		retired++
		m.logger.Info("job retired", "job_id", snap.ID, "stage", snap.Stage)
	}
	return retired
}

// run is the pipeline goroutine of one job. It never returns an error; every
// failure ends up on the job record.
func (m *Manager) run(ctx context.Context, mj *managedJob) {
	defer m.wg.Done()
	defer close(mj.done)
	defer mj.cancel(nil)
	defer m.claims.Release(mj.ticket)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("pipeline panic", "job_id", mj.job.ID, "panic", r)
			m.fail(mj, models.NewStageError(models.KindStageFailed, m.currentStage(mj), "internal error", fmt.Errorf("%v", r)))
		}
	}()

	js := mj.job.Spec()

	if err := m.prepSlots.Acquire(ctx, 1); err != nil {
		m.fail(mj, interrupted(ctx, models.StageQueued))
		return
	}
	if !m.transition(mj, models.StagePrepping, "prepare_started") {
		m.prepSlots.Release(1)
		return
	}
	res := m.runStage(ctx, models.StagePrepping, m.opts.PrepareTimeout, func(sctx context.Context) models.StageResult {
		return m.opts.Preparer.Prepare(sctx, js, m.logFunc(mj))
	})
	m.prepSlots.Release(1)
	if !res.OK() {
		m.fail(mj, res.Err)
		return
	}
	datasetDir := res.Output

	// a prepared job waiting for the slot is already reported as training
	if !m.transition(mj, models.StageTraining, "prepare_finished") {
		return
	}
	if pos := m.claims.Position(mj.ticket); pos > 0 {
		m.appendLog(mj, fmt.Sprintf("Waiting for the training slot (%d ahead)", pos))
	}
	m.metrics.SetQueueDepth(m.claims.Len())
	if err := m.claims.Acquire(ctx, mj.ticket); err != nil {
		m.fail(mj, interrupted(ctx, models.StageTraining))
		return
	}
	m.metrics.SetQueueDepth(m.claims.Len())
	m.metrics.SetTrainingActive(true)

	started := m.opts.Now()
	mj.mu.Lock()
	mj.job.StartedAt = &started
	mj.job.UpdatedAt = started
	mj.mu.Unlock()
	m.appendLog(mj, "Launching training")

	res = m.runStage(ctx, models.StageTraining, m.opts.TrainTimeout, func(sctx context.Context) models.StageResult {
		return m.opts.Trainer.Train(sctx, js, datasetDir, m.trainLogFunc(sctx, mj))
	})
	m.claims.Release(mj.ticket)
	m.metrics.SetTrainingActive(false)
	m.recordCost(ctx, mj, m.opts.Now().Sub(started))
	if !res.OK() {
		m.fail(mj, res.Err)
		return
	}
	trainingDir := res.Output

	if !m.transition(mj, models.StageCopying, "training_finished") {
		return
	}
	res = m.runStage(ctx, models.StageCopying, m.opts.DeployTimeout, func(sctx context.Context) models.StageResult {
		return m.opts.Deployer.Deploy(sctx, js, trainingDir, m.logFunc(mj))
	})
	if !res.OK() {
		m.fail(mj, res.Err)
		return
	}
	m.finish(mj, res.Output)
}

// runStage runs fn under the stage timeout. Panics become stage_failed, and
// failures caused by a timeout or cancellation are reported as such.
func (m *Manager) runStage(ctx context.Context, stage models.Stage, timeout time.Duration, fn func(context.Context) models.StageResult) (res models.StageResult) {
	sctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		sctx, cancel = context.WithTimeoutCause(ctx, timeout, errStageTimeout)
	}
	defer cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("stage panic", "stage", stage, "panic", r)
				res = models.Failed(stage, models.KindStageFailed, "internal error", fmt.Errorf("%v", r))
			}
		}()
		res = fn(sctx)
	}()

	if res.OK() || sctx.Err() == nil {
		return res
	}
	if errors.Is(context.Cause(sctx), errStageTimeout) {
		return models.Failed(stage, models.KindStageTimeout, fmt.Sprintf("%s exceeded %s", stage, timeout), nil)
	}
	return models.StageResult{Stage: stage, Err: interrupted(ctx, stage)}
}

// interrupted describes why ctx ended
func interrupted(ctx context.Context, stage models.Stage) *models.StageFailure {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return models.NewStageError(models.KindCancelled, stage, cause.Error(), nil)
}

func (m *Manager) currentStage(mj *managedJob) models.Stage {
	mj.mu.RLock()
	defer mj.mu.RUnlock()
	return mj.job.Stage
}

// transition moves the job one step along the pipeline graph
func (m *Manager) transition(mj *managedJob, to models.Stage, reason string) bool {
	now := m.opts.Now()
	mj.mu.Lock()
	from := mj.job.Stage
	if !models.CanTransition(from, to) {
		mj.mu.Unlock()
		m.logger.Error("illegal stage transition", "job_id", mj.job.ID, "from", from, "to", to)
		return false
	}
	mj.job.Stage = to
	mj.job.UpdatedAt = now
	elapsed := now.Sub(mj.stageFrom)
	mj.stageFrom = now
	mj.mu.Unlock()

	m.metrics.StageEntered(to)
	m.metrics.StageFinished(from, elapsed)
	m.emit(models.JobEvent{JobID: mj.job.ID, At: now, FromStage: &from, ToStage: to, Reason: reason})
	m.logger.Info("job stage", "job_id", mj.job.ID, "from", from, "to", to)
	return true
}

// fail records serr and moves the job to error. Partial output stays on disk.
func (m *Manager) fail(mj *managedJob, serr *models.StageFailure) {
	now := m.opts.Now()
	mj.mu.Lock()
	from := mj.job.Stage
	if from.Terminal() {
		mj.mu.Unlock()
		return
	}
	mj.job.Stage = models.StageError
	mj.job.Error = serr
	mj.job.FinishedAt = &now
	mj.job.UpdatedAt = now
	mj.job.Logs = append(mj.job.Logs, "Error: "+serr.Message())
	mj.mu.Unlock()

	m.metrics.JobFinished(models.StageError, serr.Kind)
	m.emit(models.JobEvent{JobID: mj.job.ID, At: now, FromStage: &from, ToStage: models.StageError, Reason: string(serr.Kind),
		MetaJSON: map[string]interface{}{"stage": string(serr.Stage), "message": serr.Message()}})
	m.logger.Warn("job failed", "job_id", mj.job.ID, "stage", serr.Stage, "kind", serr.Kind, "error", serr.Message())
}

// finish records the deployed artifact; this is the only place it is set.
func (m *Manager) finish(mj *managedJob, artifact string) {
	now := m.opts.Now()
	mj.mu.Lock()
	from := mj.job.Stage
	if !models.CanTransition(from, models.StageDone) {
		mj.mu.Unlock()
		m.logger.Error("illegal stage transition", "job_id", mj.job.ID, "from", from, "to", models.StageDone)
		return
	}
	mj.job.Stage = models.StageDone
	mj.job.ArtifactPath = artifact
	mj.job.FinishedAt = &now
	mj.job.UpdatedAt = now
	elapsed := now.Sub(mj.stageFrom)
	mj.mu.Unlock()

	m.metrics.StageFinished(from, elapsed)
	m.metrics.JobFinished(models.StageDone, "")
	m.emit(models.JobEvent{JobID: mj.job.ID, At: now, FromStage: &from, ToStage: models.StageDone, Reason: "artifact_deployed",
		MetaJSON: map[string]interface{}{"artifact": artifact}})
	m.logger.Info("job done", "job_id", mj.job.ID, "artifact", artifact)
}

func (m *Manager) appendLog(mj *managedJob, line string) {
	mj.mu.Lock()
	mj.job.Logs = append(mj.job.Logs, line)
	mj.job.UpdatedAt = m.opts.Now()
	mj.mu.Unlock()
}

func (m *Manager) logFunc(mj *managedJob) executor.LogFunc {
	return func(line string) { m.appendLog(mj, line) }
}

// trainLogFunc appends a training line and folds it into the progress
// estimate under the same lock, so readers never see one without the other.
func (m *Manager) trainLogFunc(ctx context.Context, mj *managedJob) executor.LogFunc {
	return func(line string) {
		mj.mu.Lock()
		mj.job.Logs = append(mj.job.Logs, line)
		mj.progress, mj.job.Progress = monitoring.UpdateProgress(mj.progress, []string{line})
		mj.job.UpdatedAt = m.opts.Now()
		mj.mu.Unlock()

		if m.opts.Checkpoints != nil {
			if _, err := m.opts.Checkpoints.ObserveLine(ctx, mj.job.ID, line); err != nil {
				m.logger.Warn("checkpoint not recorded", "job_id", mj.job.ID, "error", err)
			}
		}
	}
}

func (m *Manager) recordCost(ctx context.Context, mj *managedJob, d time.Duration) {
	if m.opts.Cost == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	cost, ok := m.opts.Cost.TrainingCost(cctx, d)
	if !ok {
		return
	}
	mj.mu.Lock()
	mj.job.CostUSD = &cost
	mj.mu.Unlock()
	m.appendLog(mj, fmt.Sprintf("Training time %s, cost $%.4f", d.Round(time.Second), cost))
}

// emit sends an event to every sink. Sink failures are logged only.
func (m *Manager) emit(event models.JobEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sink := range m.opts.EventSinks {
		if err := sink(ctx, event); err != nil {
			m.logger.Warn("event not recorded", "job_id", event.JobID, "to", event.ToStage, "error", err)
		}
	}
}
