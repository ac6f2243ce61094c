package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"iot-platform/monitoring-service/internal/health"
	healthhandler "iot-platform/monitoring-service/internal/health/handler"
	"iot-platform/monitoring-service/internal/identity"
	metrichandler "iot-platform/monitoring-service/internal/metric/handler"
	"iot-platform/monitoring-service/internal/metrics"
)

// ServiceName is reported by GET /.
const ServiceName = "monitoring-service"

// Deps holds what the HTTP routes need.
type Deps struct {
	// Query serves the /monitoring read endpoints.
	Query metrichandler.Querier
	// Resolver authenticates the /monitoring endpoints.
	Resolver identity.Resolver
	// Live is the websocket endpoint. If nil, /monitoring/ws is not mounted.
	Live http.Handler
	// Health backs /healthz. If nil, /healthz always reports ok.
	Health *health.Checker
}

// NewRouter builds the HTTP routes:
//
//	GET /                       service banner
//	GET /healthz                readiness report
//	GET /metrics                Prometheus exposition
//	GET /monitoring/ws          live stream (authenticates during the handshake)
//	GET /monitoring/...         query API (bearer auth)
func NewRouter(deps Deps, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)

	r.HandleFunc("/", metrichandler.Root(ServiceName)).Methods(http.MethodGet)
	checker := deps.Health
	if checker == nil {
		checker = health.NewChecker(0)
	}
	r.Handle("/healthz", healthhandler.HTTP(checker)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	if deps.Live != nil {
		r.Handle("/monitoring/ws", deps.Live).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/monitoring").Subrouter()
	api.Use(metrichandler.Authenticate(deps.Resolver, log))
	metrichandler.NewServer(deps.Query, log).Register(api)
	return r
}

// NewHTTPServer wraps handler with the service's timeouts. WriteTimeout stays zero so
// websocket streams are not cut; the write pump enforces its own deadlines.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
