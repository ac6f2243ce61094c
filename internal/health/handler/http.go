package handler

import (
	"encoding/json"
	"net/http"

	"iot-platform/monitoring-service/internal/health"
)

// HTTP serves GET /healthz: 200 with the report when healthy, 503 otherwise.
func HTTP(checker *health.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := checker.Run(r.Context())
		status := http.StatusOK
		if !rep.Healthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(rep)
	}
}
