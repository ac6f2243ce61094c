package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"iot-platform/monitoring-service/internal/identity"
	"iot-platform/monitoring-service/internal/metric/domain"
)

// fakeResolver maps tokens to identities.
type fakeResolver struct {
	ids map[string]identity.Identity
	err error
}

func (f *fakeResolver) Resolve(_ context.Context, token string) (identity.Identity, error) {
	if f.err != nil {
		return identity.Identity{}, f.err
	}
	id, ok := f.ids[token]
	if !ok {
		return identity.Identity{}, identity.ErrUnauthorized
	}
	return id, nil
}

func newTestHub(t *testing.T, res identity.Resolver) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(res, zerolog.Nop(), HubOptions{ClientBuffer: 8})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial(%s): %v (status %d)", token, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev envelope
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	return ev
}

func TestHub_NewMetricRespectsVisibility(t *testing.T) {
	res := &fakeResolver{ids: map[string]identity.Identity{
		"owner": {SubjectID: 42},
		"other": {SubjectID: 99},
		"admin": {SubjectID: 1, IsAdmin: true},
	}}
	hub, srv := newTestHub(t, res)
	owner := dial(t, srv, "owner")
	other := dial(t, srv, "other")
	admin := dial(t, srv, "admin")
	waitClients(t, hub, 3)

	m := domain.Metric{DeviceID: 7, OwnerID: 42, Topic: "device/iot/temp", Data: map[string]any{"value": 21.5}, Timestamp: time.Now().UTC()}
	if err := hub.Publish(context.Background(), NewMetricEvent(m)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	snap := domain.Snapshot{Key: "Fès", Data: map[string]any{"temperature": 18.0}, LoggedAt: time.Now().UTC()}
	if err := hub.Publish(context.Background(), SnapshotEvent(snap)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"owner": owner, "admin": admin} {
		ev := readEvent(t, conn)
		if ev.Event != EventNewMetric {
			t.Fatalf("%s first event = %q, want new_metric", name, ev.Event)
		}
		var got domain.Metric
		if err := json.Unmarshal(ev.Data, &got); err != nil {
			t.Fatalf("decode metric: %v", err)
		}
		if got.DeviceID != 7 || got.OwnerID != 42 {
			t.Errorf("%s got metric %+v", name, got)
		}
		if ev := readEvent(t, conn); ev.Event != EventSnapshotUpdate {
			t.Errorf("%s second event = %q, want snapshot_update", name, ev.Event)
		}
	}

	// other never sees owner 42's metric; its first event is the snapshot.
	if ev := readEvent(t, other); ev.Event != EventSnapshotUpdate {
		t.Errorf("other first event = %q, want snapshot_update", ev.Event)
	}
}

func TestHub_HandshakeErrors(t *testing.T) {
	tests := []struct {
		name   string
		res    *fakeResolver
		token  string
		status int
	}{
		{"unknown token", &fakeResolver{ids: map[string]identity.Identity{}}, "nope", http.StatusUnauthorized},
		{"missing token", &fakeResolver{ids: map[string]identity.Identity{}}, "", http.StatusUnauthorized},
		{"provider down", &fakeResolver{err: identity.ErrUnavailable}, "tok", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newTestHub(t, tt.res)
			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + tt.token
			_, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				t.Fatal("Dial succeeded, want handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("resp = %v, want status %d", resp, tt.status)
			}
		})
	}
}

func TestHub_AuthorizationHeader(t *testing.T) {
	res := &fakeResolver{ids: map[string]identity.Identity{"tok": {SubjectID: 3}}}
	hub, srv := newTestHub(t, res)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer tok"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitClients(t, hub, 1)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	res := &fakeResolver{ids: map[string]identity.Identity{"tok": {SubjectID: 3}}}
	hub, srv := newTestHub(t, res)
	conn := dial(t, srv, "tok")
	waitClients(t, hub, 1)
	_ = conn.Close()
	waitClients(t, hub, 0)
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(&fakeResolver{}, zerolog.Nop(), HubOptions{ClientBuffer: 2})
	c := &client{id: "slow", who: identity.Identity{IsAdmin: true}, send: make(chan []byte, 2), done: make(chan struct{})}
	if !hub.register(c) {
		t.Fatal("register failed")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = hub.Publish(context.Background(), SnapshotEvent(domain.Snapshot{Key: "k"}))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full client buffer")
	}
	if len(c.send) != 2 {
		t.Errorf("buffered = %d, want 2", len(c.send))
	}
}

func TestHub_NewMetricWithoutMetricPayload(t *testing.T) {
	hub := NewHub(&fakeResolver{}, zerolog.Nop(), HubOptions{})
	err := hub.Publish(context.Background(), Event{Name: EventNewMetric, Data: "nope"})
	if err == nil {
		t.Error("want error for malformed new_metric event")
	}
}

func TestHub_RejectsAfterClose(t *testing.T) {
	hub := NewHub(&fakeResolver{}, zerolog.Nop(), HubOptions{})
	hub.Close()
	if hub.register(&client{done: make(chan struct{})}) {
		t.Error("register after Close must fail")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000/", "http://127.0.0.1:5500"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://LOCALHOST:3000", true},
		{"http://127.0.0.1:5500", true},
		{"http://evil.example", false},
		{"", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q = %v, want %v", tt.origin, got, tt.want)
		}
	}
	if originChecker(nil) != nil {
		t.Error("empty allow-list should keep the gorilla default")
	}
	anyOrigin := originChecker([]string{"*"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "http://anything")
	if !anyOrigin(r) {
		t.Error("* should accept any origin")
	}
}
