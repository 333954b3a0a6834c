package handlers

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes v as the response body with status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends {"kind": ..., "message": ...}
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]interface{}{
		"kind":    kind,
		"message": message,
	})
}
