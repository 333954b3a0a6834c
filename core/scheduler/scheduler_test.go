package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"charlora/core/executor"
	"charlora/core/models"
	"charlora/core/repository"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func request(t *testing.T, name string, n int) models.SubmitRequest {
	data := pngBytes(t)
	images := make([]models.ImageUpload, n)
	for i := range images {
		images[i] = models.ImageUpload{Filename: fmt.Sprintf("ref%d.png", i), Data: data}
	}
	return models.SubmitRequest{
		CharacterName: name,
		TriggerToken:  "svtchar",
		BaseModel:     "ds8",
		Config:        models.TrainingConfig{Resolution: 512, NetworkDim: 32, Steps: 100},
		Images:        images,
	}
}

// stages plays each pipeline stage with an overridable function.
type stages struct {
	prepare func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult
	train   func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult
	deploy  func(ctx context.Context, js models.JobSpec) models.StageResult
}

func (s *stages) Prepare(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
	if s.prepare != nil {
		return s.prepare(ctx, js, log)
	}
	log("prepared")
	return models.Succeeded(models.StagePrepping, filepath.Join(js.WorkDir, "dataset"))
}

func (s *stages) Train(ctx context.Context, js models.JobSpec, datasetDir string, log executor.LogFunc) models.StageResult {
	if s.train != nil {
		return s.train(ctx, js, log)
	}
	log("total epochs: 2")
	log("epoch is incremented")
	log("epoch is incremented")
	return models.Succeeded(models.StageTraining, filepath.Join(js.WorkDir, "output"))
}

func (s *stages) Deploy(ctx context.Context, js models.JobSpec, trainingDir string, log executor.LogFunc) models.StageResult {
	if s.deploy != nil {
		return s.deploy(ctx, js)
	}
	return models.Succeeded(models.StageCopying, "/loras/"+js.CharacterName+"_lora.safetensors")
}

type eventLog struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (l *eventLog) sink(_ context.Context, ev models.JobEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) stages(jobID string) []models.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Stage
	for _, ev := range l.events {
		if ev.JobID == jobID {
			out = append(out, ev.ToStage)
		}
	}
	return out
}

// fixedProbe answers every check with status and records the base models asked about.
type fixedProbe struct {
	status models.EnvironmentStatus

	mu    sync.Mutex
	bases []string
}

func (p *fixedProbe) CheckFor(_ context.Context, baseModel string) models.EnvironmentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bases = append(p.bases, baseModel)
	return p.status
}

func newTestManager(t *testing.T, s *stages, tweak func(*Options)) (*Manager, *eventLog) {
	t.Helper()
	var n atomic.Int64
	events := &eventLog{}
	opts := Options{
		Preparer:              s,
		Trainer:               s,
		Deployer:              s,
		JobsRoot:              t.TempDir(),
		MaxConcurrentPrepares: 2,
		EventSinks:            []EventSink{events.sink},
		Logger:                slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewID:                 func() string { return fmt.Sprintf("job-%d", n.Add(1)) },
	}
	if tweak != nil {
		tweak(&opts)
	}
	m := NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m, events
}

func waitFor(t *testing.T, m *Manager, id string, cond func(models.JobSnapshot) bool) models.JobSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := m.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting on %s, last stage %s", id, snap.Stage)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func terminal(s models.JobSnapshot) bool { return s.Stage.Terminal() }

func TestPipelineHappyPath(t *testing.T) {
	m, events := newTestManager(t, &stages{}, nil)

	snap, err := m.Submit(context.Background(), request(t, "alice", 8))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if snap.Stage != models.StageQueued {
		t.Fatalf("expected queued on submit, got %s", snap.Stage)
	}

	final := waitFor(t, m, snap.ID, terminal)
	if final.Stage != models.StageDone {
		t.Fatalf("expected done, got %s (%v)", final.Stage, final.Error)
	}
	if final.Progress != 1 {
		t.Errorf("expected progress 1, got %v", final.Progress)
	}
	if final.ArtifactPath == nil || *final.ArtifactPath != "/loras/alice_lora.safetensors" {
		t.Errorf("unexpected artifact path %v", final.ArtifactPath)
	}
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Error("expected start and finish times")
	}

	want := []models.Stage{models.StageQueued, models.StagePrepping, models.StageTraining, models.StageCopying, models.StageDone}
	got := events.stages(snap.ID)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("stage events = %v, want %v", got, want)
	}

	raw, err := os.ReadDir(filepath.Join(m.opts.JobsRoot, snap.ID, executor.RawDir))
	if err != nil {
		t.Fatalf("read raw dir: %v", err)
	}
	if len(raw) != 8 || raw[0].Name() != "001.png" {
		t.Errorf("unexpected raw files: %d, first %s", len(raw), raw[0].Name())
	}
}

func TestSubmitValidationCreatesNothing(t *testing.T) {
	m, _ := newTestManager(t, &stages{}, nil)

	_, err := m.Submit(context.Background(), request(t, "alice", 7))
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	bad := request(t, "alice", 8)
	bad.Config.Resolution = 500
	if _, err := m.Submit(context.Background(), bad); !errors.As(err, &verr) || verr.Field != "resolution" {
		t.Fatalf("expected resolution error, got %v", err)
	}

	entries, _ := os.ReadDir(m.opts.JobsRoot)
	if len(entries) != 0 {
		t.Fatalf("expected empty jobs root, found %d entries", len(entries))
	}
	if len(m.List()) != 0 {
		t.Fatal("expected no jobs")
	}
}

func TestSubmitRequiresReadyEnvironment(t *testing.T) {
	probe := &fixedProbe{status: models.EnvironmentStatus{OK: false, FailedCheck: "base_model", Message: "base model /models/sdxl.safetensors: not found"}}
	m, _ := newTestManager(t, &stages{}, func(o *Options) {
		o.RequireReady = true
		o.Probe = probe
	})

	req := request(t, "alice", 8)
	req.BaseModel = "sdxl"
	_, err := m.Submit(context.Background(), req)
	var nerr *models.EnvironmentNotReadyError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected environment error, got %v", err)
	}
	if nerr.Status.FailedCheck != "base_model" {
		t.Errorf("unexpected failed check %q", nerr.Status.FailedCheck)
	}
	if fmt.Sprint(probe.bases) != "[sdxl]" {
		t.Errorf("probe checked base models %v, want the submitted one", probe.bases)
	}
	entries, _ := os.ReadDir(m.opts.JobsRoot)
	if len(entries) != 0 {
		t.Fatal("expected no job directory")
	}
}

func TestTrainingFollowsSubmissionOrder(t *testing.T) {
	releaseFirst := make(chan struct{})
	var mu sync.Mutex
	var order []string

	s := &stages{}
	s.prepare = func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
		if js.ID == "job-1" {
			<-releaseFirst
		}
		return models.Succeeded(models.StagePrepping, js.WorkDir)
	}
	s.train = func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
		mu.Lock()
		order = append(order, js.ID)
		mu.Unlock()
		return models.Succeeded(models.StageTraining, js.WorkDir)
	}
	m, _ := newTestManager(t, s, nil)

	first, err := m.Submit(context.Background(), request(t, "alice", 8))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := m.Submit(context.Background(), request(t, "bob", 8))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// the second job prepares first but must wait for the first to train
	waiting := waitFor(t, m, second.ID, func(s models.JobSnapshot) bool { return s.Stage == models.StageTraining })
	if waiting.QueuePosition != 1 {
		t.Errorf("expected queue position 1, got %d", waiting.QueuePosition)
	}
	mu.Lock()
	if len(order) != 0 {
		t.Fatalf("training started out of order: %v", order)
	}
	mu.Unlock()

	close(releaseFirst)
	waitFor(t, m, first.ID, terminal)
	waitFor(t, m, second.ID, terminal)

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[job-1 job-2]" {
		t.Fatalf("unexpected training order %v", order)
	}
}

func TestTrainingFailureReleasesSlot(t *testing.T) {
	s := &stages{}
	s.train = func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
		if js.ID == "job-1" {
			return models.Failed(models.StageTraining, models.KindTrainingFailed, "kohya_ss exited with code 1", nil)
		}
		return models.Succeeded(models.StageTraining, js.WorkDir)
	}
	m, events := newTestManager(t, s, nil)

	first, _ := m.Submit(context.Background(), request(t, "alice", 8))
	second, _ := m.Submit(context.Background(), request(t, "bob", 8))

	failed := waitFor(t, m, first.ID, terminal)
	if failed.Stage != models.StageError || failed.ErrorKind != models.KindTrainingFailed {
		t.Fatalf("expected training_failed, got %s/%s", failed.Stage, failed.ErrorKind)
	}
	if failed.ErrorStage != models.StageTraining {
		t.Errorf("expected error stage training, got %s", failed.ErrorStage)
	}
	if failed.ArtifactPath != nil {
		t.Error("failed job must not have an artifact")
	}
	if last := failed.Logs[len(failed.Logs)-1]; last != "Error: kohya_ss exited with code 1" {
		t.Errorf("unexpected last log line %q", last)
	}
	if got := events.stages(first.ID); got[len(got)-1] != models.StageError {
		t.Errorf("expected error event, got %v", got)
	}

	if done := waitFor(t, m, second.ID, terminal); done.Stage != models.StageDone {
		t.Fatalf("second job: %s", done.Stage)
	}
}

func TestCancelQueuedAndRunning(t *testing.T) {
	s := &stages{}
	s.prepare = func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
		<-ctx.Done()
		return models.Failed(models.StagePrepping, models.KindStageFailed, "interrupted", ctx.Err())
	}
	m, _ := newTestManager(t, s, func(o *Options) { o.MaxConcurrentPrepares = 1 })

	running, _ := m.Submit(context.Background(), request(t, "alice", 8))
	queued, _ := m.Submit(context.Background(), request(t, "bob", 8))
	waitFor(t, m, running.ID, func(s models.JobSnapshot) bool { return s.Stage == models.StagePrepping })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Cancel(ctx, queued.ID); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	snap, _ := m.Get(ctx, queued.ID)
	if snap.Stage != models.StageError || snap.ErrorKind != models.KindCancelled || snap.ErrorStage != models.StageQueued {
		t.Fatalf("queued job: %s/%s/%s", snap.Stage, snap.ErrorKind, snap.ErrorStage)
	}

	if err := m.Cancel(ctx, running.ID); err != nil {
		t.Fatalf("Cancel running: %v", err)
	}
	snap, _ = m.Get(ctx, running.ID)
	if snap.ErrorKind != models.KindCancelled || snap.ErrorStage != models.StagePrepping {
		t.Fatalf("running job: %s/%s", snap.ErrorKind, snap.ErrorStage)
	}
	if snap.Error == nil || *snap.Error != ErrCancelled.Error() {
		t.Errorf("unexpected message %v", snap.Error)
	}

	if err := m.Cancel(ctx, running.ID); !errors.Is(err, models.ErrJobFinished) {
		t.Errorf("expected ErrJobFinished, got %v", err)
	}
	if err := m.Cancel(ctx, "nope"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStageTimeout(t *testing.T) {
	s := &stages{}
	s.prepare = func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
		<-ctx.Done()
		return models.Failed(models.StagePrepping, models.KindStageFailed, "interrupted", ctx.Err())
	}
	m, _ := newTestManager(t, s, func(o *Options) { o.PrepareTimeout = 20 * time.Millisecond })

	snap, _ := m.Submit(context.Background(), request(t, "alice", 8))
	final := waitFor(t, m, snap.ID, terminal)
	if final.ErrorKind != models.KindStageTimeout || final.ErrorStage != models.StagePrepping {
		t.Fatalf("expected prepping timeout, got %s/%s", final.ErrorKind, final.ErrorStage)
	}
}

func TestTrainingInterruptedReleasesClaim(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		cancel  bool
		kind    models.ErrorKind
	}{
		{"timeout", 50 * time.Millisecond, false, models.KindStageTimeout},
		{"cancel", 0, true, models.KindCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			started := make(chan struct{})
			stopped := make(chan struct{})
			s := &stages{}
			s.train = func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
				if js.ID == "job-1" {
					close(started)
					<-ctx.Done()
					close(stopped)
					return models.Failed(models.StageTraining, models.KindTrainingFailed, "process was killed", ctx.Err())
				}
				return models.Succeeded(models.StageTraining, js.WorkDir)
			}
			m, _ := newTestManager(t, s, func(o *Options) { o.TrainTimeout = tt.timeout })

			first, _ := m.Submit(context.Background(), request(t, "alice", 8))
			second, _ := m.Submit(context.Background(), request(t, "bob", 8))

			select {
			case <-started:
			case <-time.After(5 * time.Second):
				t.Fatal("first job never started training")
			}
			if tt.cancel {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := m.Cancel(ctx, first.ID); err != nil {
					t.Fatalf("Cancel: %v", err)
				}
			}

			final := waitFor(t, m, first.ID, terminal)
			select {
			case <-stopped:
			default:
				t.Fatal("training context did not end")
			}
			if final.Stage != models.StageError || final.ErrorKind != tt.kind || final.ErrorStage != models.StageTraining {
				t.Fatalf("expected %s in training, got %s/%s/%s", tt.kind, final.Stage, final.ErrorKind, final.ErrorStage)
			}
			if done := waitFor(t, m, second.ID, terminal); done.Stage != models.StageDone {
				t.Fatalf("next job did not get the training claim: %s (%v)", done.Stage, done.Error)
			}
		})
	}
}

func TestPollingDuringTraining(t *testing.T) {
	const epochs = 20
	var active, maxActive atomic.Int32

	s := &stages{}
	s.train = func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			prev := maxActive.Load()
			if n <= prev || maxActive.CompareAndSwap(prev, n) {
				break
			}
		}
		log(fmt.Sprintf("total epochs: %d", epochs))
		for i := 0; i < epochs; i++ {
			time.Sleep(time.Millisecond)
			log(fmt.Sprintf("steps: %d", i))
			log("epoch is incremented")
		}
		return models.Succeeded(models.StageTraining, js.WorkDir)
	}
	m, _ := newTestManager(t, s, func(o *Options) { o.MaxConcurrentPrepares = 3 })

	var ids []string
	for _, name := range []string{"alice", "bob", "carol"} {
		snap, err := m.Submit(context.Background(), request(t, name, 8))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, snap.ID)
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := make(map[string]models.JobSnapshot)
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				finished := 0
				for _, id := range ids {
					snap, err := m.Get(context.Background(), id)
					if err != nil {
						t.Errorf("Get(%s): %v", id, err)
						return
					}
					if last, ok := prev[id]; ok {
						if len(snap.Logs) < len(last.Logs) {
							t.Errorf("%s: logs shrank from %d to %d", id, len(last.Logs), len(snap.Logs))
							return
						}
						for i := range last.Logs {
							if snap.Logs[i] != last.Logs[i] {
								t.Errorf("%s: log line %d changed from %q to %q", id, i, last.Logs[i], snap.Logs[i])
								return
							}
						}
						if snap.Progress < last.Progress {
							t.Errorf("%s: progress went back from %v to %v", id, last.Progress, snap.Progress)
							return
						}
					}
					prev[id] = snap
					if snap.Stage.Terminal() {
						finished++
					}
				}
				if finished == len(ids) {
					return
				}
			}
			t.Errorf("jobs did not finish while polling")
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if snap := waitFor(t, m, id, terminal); snap.Stage != models.StageDone || snap.Progress != 1 {
			t.Errorf("%s: %s progress %v", id, snap.Stage, snap.Progress)
		}
	}
	if n := maxActive.Load(); n != 1 {
		t.Fatalf("expected one training at a time, saw %d", n)
	}
}

func TestSubmitAfterStopRegistersNothing(t *testing.T) {
	m, _ := newTestManager(t, &stages{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := m.Submit(context.Background(), request(t, "alice", 8)); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if len(m.List()) != 0 || m.claims.Len() != 0 {
		t.Fatal("a job was registered after Stop")
	}
	entries, _ := os.ReadDir(m.opts.JobsRoot)
	if len(entries) != 0 {
		t.Fatalf("expected empty jobs root, found %d entries", len(entries))
	}
}

func TestStagePanicBecomesFailure(t *testing.T) {
	s := &stages{}
	s.train = func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
		if js.ID == "job-1" {
			panic("boom")
		}
		return models.Succeeded(models.StageTraining, js.WorkDir)
	}
	m, _ := newTestManager(t, s, nil)

	first, _ := m.Submit(context.Background(), request(t, "alice", 8))
	second, _ := m.Submit(context.Background(), request(t, "bob", 8))

	final := waitFor(t, m, first.ID, terminal)
	if final.ErrorKind != models.KindStageFailed || final.ErrorStage != models.StageTraining {
		t.Fatalf("expected training stage_failed, got %s/%s", final.ErrorKind, final.ErrorStage)
	}
	if done := waitFor(t, m, second.ID, terminal); done.Stage != models.StageDone {
		t.Fatalf("slot not released after panic: %s", done.Stage)
	}
}

func TestRetireExpiredArchivesJobs(t *testing.T) {
	store := repository.NewMemoryStore()
	m, _ := newTestManager(t, &stages{}, func(o *Options) {
		o.Retention = time.Hour
		o.Archive = store
	})

	snap, _ := m.Submit(context.Background(), request(t, "alice", 8))
	waitFor(t, m, snap.ID, terminal)

	if n := m.RetireExpired(context.Background(), time.Now()); n != 0 {
		t.Fatalf("retired %d jobs inside the retention window", n)
	}
	if n := m.RetireExpired(context.Background(), time.Now().Add(2*time.Hour)); n != 1 {
		t.Fatalf("expected 1 retired job, got %d", n)
	}
	if len(m.List()) != 0 {
		t.Fatal("retired job still listed")
	}
	archived, err := m.Get(context.Background(), snap.ID)
	if err != nil || archived.Stage != models.StageDone {
		t.Fatalf("archived lookup: %v %s", err, archived.Stage)
	}
	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStopCancelsRunningJobs(t *testing.T) {
	s := &stages{}
	s.prepare = func(ctx context.Context, js models.JobSpec, log executor.LogFunc) models.StageResult {
		<-ctx.Done()
		return models.Failed(models.StagePrepping, models.KindStageFailed, "interrupted", ctx.Err())
	}
	m, _ := newTestManager(t, s, nil)

	snap, _ := m.Submit(context.Background(), request(t, "alice", 8))
	waitFor(t, m, snap.ID, func(s models.JobSnapshot) bool { return s.Stage == models.StagePrepping })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	final, _ := m.Get(ctx, snap.ID)
	if final.ErrorKind != models.KindCancelled || *final.Error != ErrShutdown.Error() {
		t.Fatalf("unexpected final state %s %v", final.ErrorKind, final.Error)
	}
	if _, err := m.Submit(ctx, request(t, "bob", 8)); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after Stop, got %v", err)
	}
}
