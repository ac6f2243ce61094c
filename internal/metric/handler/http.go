// Package handler exposes the metric query API over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"iot-platform/monitoring-service/internal/identity"
	"iot-platform/monitoring-service/internal/metric/domain"
	"iot-platform/monitoring-service/internal/metric/service"
)

// Default page sizes when the limit query parameter is absent.
const (
	DefaultHistoryLimit = 50
	DefaultFilterLimit  = 500
	DefaultOwnerLimit   = 50
)

// Querier is the read side used by the handlers.
type Querier interface {
	History(ctx context.Context, id identity.Identity, deviceID int64, limit int) ([]domain.Metric, error)
	Range(ctx context.Context, id identity.Identity, deviceID int64, start, end time.Time, limit int) ([]domain.Metric, error)
	ByOwner(ctx context.Context, id identity.Identity, limit int) ([]domain.Metric, error)
	LatestSnapshot(ctx context.Context) (*domain.Snapshot, error)
}

// Server serves the /monitoring query endpoints.
type Server struct {
	svc Querier
	log zerolog.Logger
}

// NewServer returns a Server backed by svc.
func NewServer(svc Querier, log zerolog.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// Register mounts the query routes on r. Callers wrap r with Authenticate.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/history/{device_id}", s.History).Methods(http.MethodGet)
	r.HandleFunc("/filter/{device_id}", s.Filter).Methods(http.MethodGet)
	r.HandleFunc("/user/metrics", s.UserMetrics).Methods(http.MethodGet)
	r.HandleFunc("/weather/current", s.CurrentWeather).Methods(http.MethodGet)
}

type metricResponse struct {
	DeviceID  int64          `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	OwnerID   int64          `json:"owner_id"`
	Data      map[string]any `json:"data"`
}

type historyResponse struct {
	DeviceID int64            `json:"device_id"`
	Count    int              `json:"count"`
	History  []metricResponse `json:"history"`
}

func toResponse(ms []domain.Metric) []metricResponse {
	out := make([]metricResponse, 0, len(ms))
	for _, m := range ms {
		data := m.Data
		if data == nil {
			data = map[string]any{}
		}
		out = append(out, metricResponse{DeviceID: m.DeviceID, Timestamp: m.Timestamp.UTC(), OwnerID: m.OwnerID, Data: data})
	}
	return out
}

// History handles GET /monitoring/history/{device_id}?limit=50.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	id, deviceID, limit, ok := s.common(w, r, DefaultHistoryLimit)
	if !ok {
		return
	}
	ms, err := s.svc.History(r.Context(), id, deviceID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	history := toResponse(ms)
	writeJSON(w, http.StatusOK, historyResponse{DeviceID: deviceID, Count: len(history), History: history})
}

// Filter handles GET /monitoring/filter/{device_id}?start=..&end=..&limit=500.
func (s *Server) Filter(w http.ResponseWriter, r *http.Request) {
	id, deviceID, limit, ok := s.common(w, r, DefaultFilterLimit)
	if !ok {
		return
	}
	q := r.URL.Query()
	start, err := domain.ParseTime(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (ISO required)")
		return
	}
	end, err := domain.ParseTime(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (ISO required)")
		return
	}
	ms, err := s.svc.Range(r.Context(), id, deviceID, start, end, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(ms))
}

// UserMetrics handles GET /monitoring/user/metrics?limit=50.
func (s *Server) UserMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit, err := limitParam(r, DefaultOwnerLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ms, err := s.svc.ByOwner(r.Context(), id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(ms))
}

// CurrentWeather handles GET /monitoring/weather/current.
func (s *Server) CurrentWeather(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.LatestSnapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending", "message": "Weather data sync in progress"})
		return
	}
	body := domain.CloneData(snap.Data)
	body["city"] = snap.Key
	body["timestamp"] = snap.LoggedAt.UTC()
	writeJSON(w, http.StatusOK, body)
}

// common extracts the caller, the device_id path variable and the limit query parameter.
func (s *Server) common(w http.ResponseWriter, r *http.Request, defaultLimit int) (identity.Identity, int64, int, bool) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return identity.Identity{}, 0, 0, false
	}
	deviceID, err := strconv.ParseInt(mux.Vars(r)["device_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid device ID")
		return identity.Identity{}, 0, 0, false
	}
	limit, err := limitParam(r, defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return identity.Identity{}, 0, 0, false
	}
	return id, deviceID, limit, true
}

var errBadLimit = errors.New("limit must be a positive integer")

func limitParam(r *http.Request, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errBadLimit
	}
	return n, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
