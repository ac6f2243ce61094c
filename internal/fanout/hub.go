package fanout

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"iot-platform/monitoring-service/internal/identity"
	"iot-platform/monitoring-service/internal/logging"
	"iot-platform/monitoring-service/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 4096

	// DefaultClientBuffer is the per-client send buffer used when HubOptions.ClientBuffer is zero.
	DefaultClientBuffer = 64
)

// HubOptions configures a Hub.
type HubOptions struct {
	// AllowedOrigins lists accepted Origin headers. Empty accepts same-host origins only; "*" accepts any.
	AllowedOrigins []string
	ClientBuffer   int
}

// Hub is the websocket endpoint of the live stream. It implements Publisher.
// Clients authenticate during the handshake; new_metric events reach only clients allowed to see the metric.
type Hub struct {
	resolver identity.Resolver
	upgrader websocket.Upgrader
	buffer   int
	log      zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	id   string
	who  identity.Identity
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewHub returns a hub resolving handshake credentials with resolver.
func NewHub(resolver identity.Resolver, log zerolog.Logger, opts HubOptions) *Hub {
	buf := opts.ClientBuffer
	if buf <= 0 {
		buf = DefaultClientBuffer
	}
	h := &Hub{
		resolver: resolver,
		buffer:   buf,
		log:      log,
		clients:  make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla default: same host only
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// ServeHTTP authenticates the handshake (Authorization bearer or ?token=) and upgrades the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := identity.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	who, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		status, detail := http.StatusUnauthorized, "Unauthorized"
		if errors.Is(err, identity.ErrUnavailable) {
			status, detail = http.StatusServiceUnavailable, "Auth Service Error"
			h.log.Error().Err(err).Msg("websocket handshake: identity provider unavailable")
		}
		http.Error(w, detail, status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		id:   uuid.NewString(),
		who:  who,
		conn: conn,
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.log.Info().Str("client", c.id).Int64("subject_id", who.SubjectID).Bool("is_admin", who.IsAdmin).Msg("client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.WebsocketClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.WebsocketClients.Set(float64(len(h.clients)))
	}
	h.mu.Unlock()
	c.stop()
}

// readPump discards client frames; it exists to process control frames and detect disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		h.log.Info().Str("client", c.id).Msg("client disconnected")
	}()
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Publish queues ev on every eligible client without blocking. A client whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	var (
		owner  int64
		scoped = ev.Name == EventNewMetric
	)
	if scoped {
		m, ok := MetricOf(ev)
		if !ok {
			return errors.New("fanout: new_metric event without a metric payload")
		}
		owner = m.OwnerID
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if scoped && !c.who.CanSee(owner) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			metrics.FanoutDropped.Inc()
			h.log.Debug().Str("client", c.id).Str(logging.EVENT, ev.Name).Msg("client buffer full, event dropped")
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new handshakes.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}
