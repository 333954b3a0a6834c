package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"charlora/core/models"
	"charlora/core/repository"
	"charlora/core/scheduler"
	"charlora/core/spec"

	"github.com/gorilla/mux"
)

// JobService is the job manager as seen by the API
type JobService interface {
	Submit(ctx context.Context, req models.SubmitRequest) (models.JobSnapshot, error)
	Get(ctx context.Context, id string) (models.JobSnapshot, error)
	List() []models.JobSnapshot
	Cancel(ctx context.Context, id string) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	jobs      JobService
	events    repository.EventStore
	artifacts repository.ArtifactStore
	archive   repository.JobArchive
	defaults  spec.Defaults
	maxUpload int64
	logger    *slog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(
	jobs JobService,
	store repository.Store,
	defaults spec.Defaults,
	maxUpload int64,
	logger *slog.Logger,
) *JobHandler {
	if maxUpload <= 0 {
		maxUpload = 512 << 20
	}
	return &JobHandler{
		jobs:      jobs,
		events:    store,
		artifacts: store,
		archive:   store,
		defaults:  defaults,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// SubmitJobResponse represents the response after submitting a job
type SubmitJobResponse struct {
	ID        string       `json:"job_id"`
	Stage     models.Stage `json:"stage"`
	CreatedAt time.Time    `json:"created_at"`
}

// jobStatus is a snapshot plus the legacy "state" field
type jobStatus struct {
	models.JobSnapshot
	State models.Stage `json:"state"`
}

// SubmitJob handles POST /v1/jobs (multipart form)
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(models.KindValidation), fmt.Sprintf("upload exceeds %d bytes", h.maxUpload))
			return
		}
		writeError(w, http.StatusBadRequest, string(models.KindValidation), "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	images, err := readUploads(r.MultipartForm.File["files"])
	if err != nil {
		writeError(w, http.StatusBadRequest, string(models.KindValidation), err.Error())
		return
	}

	fields := spec.SubmissionFields{
		Name:       r.FormValue("name"),
		Trigger:    r.FormValue("trigger"),
		BaseModel:  r.FormValue("base_model"),
		Resolution: r.FormValue("resolution"),
		NetworkDim: r.FormValue("network_dim"),
		Steps:      r.FormValue("steps"),
		UnetOnly:   r.FormValue("unet_only"),
		ConfigYAML: r.FormValue("config_yaml"),
	}
	req, err := spec.ParseSubmission(fields, images, h.defaults)
	if err != nil {
		h.submitError(w, err)
		return
	}

	snap, err := h.jobs.Submit(r.Context(), *req)
	if err != nil {
		h.submitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		ID:        snap.ID,
		Stage:     snap.Stage,
		CreatedAt: snap.CreatedAt,
	})
}

func (h *JobHandler) submitError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	var nerr *models.EnvironmentNotReadyError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, string(models.KindValidation), verr.Error())
	case errors.As(err, &nerr):
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"kind":        models.KindEnvironmentNotReady,
			"message":     nerr.Error(),
			"environment": nerr.Status,
		})
	case errors.Is(err, scheduler.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		h.logger.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create job")
	}
}

func readUploads(files []*multipart.FileHeader) ([]models.ImageUpload, error) {
	images := make([]models.ImageUpload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		images = append(images, models.ImageUpload{Filename: fh.Filename, Data: data})
	}
	return images, nil
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobStatus{JobSnapshot: snap, State: snap.Stage})
}

// lookup resolves {id} or writes the error response
func (h *JobHandler) lookup(w http.ResponseWriter, r *http.Request) (models.JobSnapshot, bool) {
	jobID := mux.Vars(r)["id"]
	snap, err := h.jobs.Get(r.Context(), jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return snap, false
	}
	if err != nil {
		h.logger.Error("job lookup failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load job")
		return snap, false
	}
	return snap, true
}

// ListJobs handles GET /v1/jobs. archived=true lists retired jobs instead.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []models.JobSnapshot
	if archived, _ := strconv.ParseBool(r.URL.Query().Get("archived")); archived {
		limit := 50
		if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
			limit = n
		}
		var err error
		if jobs, err = h.archive.ListArchivedJobs(r.Context(), limit); err != nil {
			h.logger.Error("list archived jobs failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to list jobs")
			return
		}
	} else {
		jobs = h.jobs.List()
	}

	items := make([]map[string]interface{}, len(jobs))
	for i, job := range jobs {
		items[i] = map[string]interface{}{
			"job_id":     job.ID,
			"name":       job.CharacterName,
			"stage":      job.Stage,
			"progress":   job.Progress,
			"created_at": job.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	err := h.jobs.Cancel(ctx, jobID)
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	case errors.Is(err, models.ErrJobFinished):
		writeError(w, http.StatusConflict, "conflict", "job already finished")
		return
	case err != nil:
		// the cancellation is in flight; report the current state
		h.logger.Warn("cancel did not settle", "job_id", jobID, "error", err)
	}

	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobStatus{JobSnapshot: snap, State: snap.Stage})
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}

	events, err := h.events.GetJobEvents(r.Context(), snap.ID, 100)
	if err != nil {
		h.logger.Error("fetch events failed", "job_id", snap.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to fetch events")
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":       event.At,
			"to_stage": event.ToStage,
			"reason":   event.Reason,
		}
		if event.FromStage != nil {
			item["from_stage"] = *event.FromStage
		}
		if len(event.MetaJSON) > 0 {
			item["meta"] = event.MetaJSON
		}
		items[i] = item
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetJobArtifacts handles GET /v1/jobs/{id}/artifacts
func (h *JobHandler) GetJobArtifacts(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var artifactType *models.ArtifactType
	if typeParam := r.URL.Query().Get("type"); typeParam != "" {
		t := models.ArtifactType(typeParam)
		artifactType = &t
	}

	artifacts, err := h.artifacts.GetJobArtifacts(r.Context(), snap.ID, artifactType)
	if err != nil {
		h.logger.Error("fetch artifacts failed", "job_id", snap.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to fetch artifacts")
		return
	}

	items := make([]map[string]interface{}, len(artifacts))
	for i, artifact := range artifacts {
		items[i] = map[string]interface{}{
			"type":       artifact.Type,
			"uri":        artifact.URI,
			"created_at": artifact.CreatedAt,
			"meta":       artifact.MetaJSON,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}
