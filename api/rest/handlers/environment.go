package handlers

import (
	"context"
	"net/http"

	"charlora/core/models"
	"charlora/core/monitoring"
)

// Prober runs the readiness checks
type Prober interface {
	Check(ctx context.Context) models.EnvironmentStatus
}

// Diagnoser collects the GPU report
type Diagnoser interface {
	Diagnose(ctx context.Context) monitoring.GPUReport
}

// EnvironmentHandler serves readiness and GPU diagnostics
type EnvironmentHandler struct {
	probe Prober
	gpu   Diagnoser
}

// NewEnvironmentHandler creates a new environment handler
func NewEnvironmentHandler(probe Prober, gpu Diagnoser) *EnvironmentHandler {
	return &EnvironmentHandler{probe: probe, gpu: gpu}
}

// CheckEnvironment handles GET|POST /v1/environment. A failed check is
// reported in the body with status 200.
func (h *EnvironmentHandler) CheckEnvironment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.probe.Check(r.Context()))
}

// GPUDiagnostics handles GET /v1/gpu/diagnostics
func (h *EnvironmentHandler) GPUDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gpu.Diagnose(r.Context()))
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
