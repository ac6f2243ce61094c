package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"iot-platform/monitoring-service/internal/identity"
)

// Authenticate resolves the bearer token of every request and stores the Identity in its context.
// A missing or rejected token yields 401; an unreachable access control service yields 503.
func Authenticate(resolver identity.Resolver, log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := identity.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Not authenticated")
				return
			}
			id, err := resolver.Resolve(r.Context(), token)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
			case errors.Is(err, identity.ErrUnavailable):
				log.Warn().Err(err).Msg("access control service unavailable")
				writeError(w, http.StatusServiceUnavailable, "Auth Service Error")
			default:
				writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			}
		})
	}
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Root handles GET / with the service banner.
func Root(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service":  service,
			"status":   "active",
			"realtime": "websocket mounted at /monitoring/ws",
		})
	}
}
