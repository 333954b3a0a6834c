package routes

import (
	"net/http"

	"charlora/api/rest/handlers"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, jobs *handlers.JobHandler, env *handlers.EnvironmentHandler, metrics http.Handler) {
	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", jobs.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs/{id}", jobs.GetJob).Methods("GET")
	api.HandleFunc("/jobs", jobs.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", jobs.CancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/events", jobs.GetJobEvents).Methods("GET")
	api.HandleFunc("/jobs/{id}/artifacts", jobs.GetJobArtifacts).Methods("GET")

	// Environment endpoints
	api.HandleFunc("/environment", env.CheckEnvironment).Methods("GET", "POST")
	api.HandleFunc("/gpu/diagnostics", env.GPUDiagnostics).Methods("GET")

	// Unversioned paths used by the original web client
	r.HandleFunc("/train", jobs.SubmitJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/status", jobs.GetJob).Methods("GET")
	r.HandleFunc("/config/test", env.CheckEnvironment).Methods("POST")

	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}
	r.HandleFunc("/health", handlers.Health).Methods("GET")
}
