package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthCheck responds with service and database health info.
func (h *WebHandlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Deps.Logger != nil {
		h.Deps.Logger.Printf("GET %s", r.URL.Path)
	}

	dbStatus := "not_configured"
	if h.Deps.DB != nil {
		if err := h.Deps.DB.Ping(); err != nil {
			dbStatus = "unhealthy"
		} else {
			dbStatus = "healthy"
		}
	}

	response := map[string]interface{}{
		"status":    "healthy",
		"version":   "v1.0.0",
		"service":   "agencykit-integrations",
		"timestamp": time.Now().UTC(),
		"checks": map[string]string{
			"database": dbStatus,
			"server":   "healthy",
		},
	}

	if dbStatus == "unhealthy" {
		renderJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	renderJSON(w, http.StatusOK, response)
}

func renderJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
