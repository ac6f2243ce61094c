package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"iot-platform/monitoring-service/internal/health"
	healthhandler "iot-platform/monitoring-service/internal/health/handler"
	"iot-platform/monitoring-service/internal/identity"
	"iot-platform/monitoring-service/internal/metric/repository"
	"iot-platform/monitoring-service/internal/metric/service"
)

type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, token string) (identity.Identity, error) {
	if token == "ok" {
		return identity.Identity{SubjectID: 42}, nil
	}
	return identity.Identity{}, identity.ErrUnauthorized
}

func testRouter(live http.Handler, checker *health.Checker) http.Handler {
	store := repository.NewMemoryStore()
	return NewRouter(Deps{
		Query:    service.NewQueryService(store, store, 0),
		Resolver: staticResolver{},
		Live:     live,
		Health:   checker,
	}, zerolog.Nop())
}

func TestNewRouter_Routes(t *testing.T) {
	live := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r := testRouter(live, nil)

	testCases := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"root is public", "/", "", http.StatusOK},
		{"healthz is public", "/healthz", "", http.StatusOK},
		{"metrics is public", "/metrics", "", http.StatusOK},
		{"ws skips bearer middleware", "/monitoring/ws", "", http.StatusTeapot},
		{"api requires auth", "/monitoring/user/metrics", "", http.StatusUnauthorized},
		{"api with auth", "/monitoring/user/metrics", "ok", http.StatusOK},
		{"unknown path", "/nope", "", http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("GET %s = %d, want %d", tc.path, rec.Code, tc.want)
			}
		})
	}
}

func TestNewRouter_NoLiveHandler(t *testing.T) {
	r := testRouter(nil, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitoring/ws", nil))
	if rec.Code == http.StatusOK {
		t.Errorf("ws without a hub = %d", rec.Code)
	}
}

func TestNewRouter_HealthzUnhealthy(t *testing.T) {
	checker := health.NewChecker(0)
	checker.Add("store", func(context.Context) error { return errors.New("down") })
	r := testRouter(nil, checker)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
	var rep health.Report
	_ = json.Unmarshal(rec.Body.Bytes(), &rep)
	if !strings.HasPrefix(rep.Checks["store"], health.StatusFail) {
		t.Errorf("report = %+v", rep)
	}
}

func TestNewGRPCServer_ServesHealth(t *testing.T) {
	hs := healthhandler.NewServer(health.NewChecker(0), zerolog.Nop())
	hs.Refresh(context.Background())
	s := NewGRPCServer(hs, zerolog.Nop())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: healthhandler.ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}
}

func TestNewGRPCServer_NilHealth(t *testing.T) {
	s := NewGRPCServer(nil, zerolog.Nop())
	if _, ok := s.GetServiceInfo()["grpc.health.v1.Health"]; ok {
		t.Error("health service registered without a health server")
	}
}
