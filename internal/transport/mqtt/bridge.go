// Package mqtt bridges the MQTT broker into the ingest hand-off queue.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iot-platform/monitoring-service/internal/ingest"
	"iot-platform/monitoring-service/internal/logging"
)

const (
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 10 * time.Second
	// disconnectQuiesce is how long Close lets in-flight work finish, in milliseconds.
	disconnectQuiesce = 250
)

// Config holds broker connection settings.
type Config struct {
	BrokerURL string
	// ClientID is a prefix; Start appends a random suffix.
	ClientID   string
	Username   string
	Password   string
	Topic      string
	QoS        byte
	RetryDelay time.Duration
}

// Offerer accepts raw messages without blocking.
type Offerer interface {
	Offer(msg ingest.RawMessage) bool
}

// Bridge subscribes to device topics and hands every message to the queue.
type Bridge struct {
	cfg       Config
	queue     Offerer
	log       zerolog.Logger
	newClient func(*paho.ClientOptions) paho.Client
	now       func() time.Time

	mu     sync.Mutex
	client paho.Client
	closed atomic.Bool
}

// NewBridge returns a bridge that offers messages to q.
func NewBridge(cfg Config, q Offerer, log zerolog.Logger) *Bridge {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Bridge{
		cfg:       cfg,
		queue:     q,
		log:       log,
		newClient: paho.NewClient,
		now:       time.Now,
	}
}

func (b *Bridge) options() *paho.ClientOptions {
	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "monitoring-service"
	}
	clientID += "-" + uuid.NewString()[:8]

	opts := paho.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(clientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(b.cfg.RetryDelay).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			b.log.Warn().Err(err).Msg("broker connection lost, reconnecting")
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			b.log.Info().Msg("reconnecting to broker")
		})
	return opts
}

// Start connects to the broker, retrying with a fixed delay until it succeeds or ctx is done.
// Subscriptions are (re)established by the on-connect handler on every connect.
func (b *Bridge) Start(ctx context.Context) error {
	client := b.newClient(b.options())
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	attempt := 0
	connect := func() (struct{}, error) {
		attempt++
		tok := client.Connect()
		if !tok.WaitTimeout(connectTimeout) {
			return struct{}{}, fmt.Errorf("connect to %s: timed out after %s", b.cfg.BrokerURL, connectTimeout)
		}
		if err := tok.Error(); err != nil {
			return struct{}{}, fmt.Errorf("connect to %s: %w", b.cfg.BrokerURL, err)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(backoff.NewConstantBackOff(b.cfg.RetryDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("broker not ready")
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	b.log.Info().Str("broker", b.cfg.BrokerURL).Int("attempts", attempt).Msg("connected to broker")
	return nil
}

func (b *Bridge) onConnect(c paho.Client) {
	tok := c.Subscribe(b.cfg.Topic, b.cfg.QoS, b.handleMessage)
	if !tok.WaitTimeout(subscribeTimeout) {
		b.log.Error().Str(logging.TOPIC, b.cfg.Topic).Msg("subscribe timed out")
		return
	}
	if err := tok.Error(); err != nil {
		b.log.Error().Err(err).Str(logging.TOPIC, b.cfg.Topic).Msg("subscribe failed")
		return
	}
	b.log.Info().Str(logging.TOPIC, b.cfg.Topic).Uint8("qos", b.cfg.QoS).Msg("subscribed")
}

// handleMessage runs on the client's callback goroutine and must not block.
func (b *Bridge) handleMessage(_ paho.Client, msg paho.Message) {
	if b.closed.Load() {
		return
	}
	payload := append([]byte(nil), msg.Payload()...)
	b.queue.Offer(ingest.RawMessage{
		Topic:      msg.Topic(),
		Payload:    payload,
		ReceivedAt: b.now().UTC(),
	})
}

// Connected reports whether the broker connection is currently up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	return c != nil && c.IsConnectionOpen()
}

// Check implements a health check.
func (b *Bridge) Check(context.Context) error {
	if !b.Connected() {
		return errors.New("mqtt: not connected")
	}
	return nil
}

// Close disconnects from the broker. No messages are offered after Close returns.
func (b *Bridge) Close() {
	b.closed.Store(true)
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	if c != nil && c.IsConnected() {
		c.Disconnect(disconnectQuiesce)
	}
	b.log.Info().Msg("broker bridge closed")
}
