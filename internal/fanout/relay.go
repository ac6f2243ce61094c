package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"iot-platform/monitoring-service/internal/logging"
	"iot-platform/monitoring-service/internal/metric/domain"
)

// messageReader is the subset of *kafka.Reader used by Relay.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Relay reads events mirrored to Kafka by KafkaPublisher and re-publishes them to a sink,
// so a slow sink can live in its own process.
type Relay struct {
	reader      messageReader
	sink        Sink
	log         zerolog.Logger
	pushTimeout time.Duration
}

// NewKafkaRelay consumes topic as part of consumer group groupID.
func NewKafkaRelay(brokers []string, topic, groupID string, sink Sink, log zerolog.Logger) (*Relay, error) {
	if len(brokers) == 0 || topic == "" || groupID == "" {
		return nil, fmt.Errorf("fanout: kafka brokers, topic and group are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	return &Relay{reader: reader, sink: sink, log: log, pushTimeout: 10 * time.Second}, nil
}

// Run relays until ctx is done. Undecodable messages and sink failures are logged and skipped.
func (r *Relay) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn().Err(err).Msg("kafka read failed")
			continue
		}
		ev, err := DecodeEvent(msg.Value)
		if err != nil {
			r.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping undecodable event")
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, r.pushTimeout)
		if err := r.sink.Publish(pctx, ev); err != nil {
			r.log.Warn().Err(err).Str(logging.EVENT, ev.Name).Str(logging.SINK, r.sink.Name()).Msg("relay publish failed")
		}
		cancel()
	}
}

// Close closes the reader and the sink.
func (r *Relay) Close() error {
	rerr := r.reader.Close()
	if err := r.sink.Close(); err != nil {
		return err
	}
	return rerr
}

// DecodeEvent parses the JSON produced by Encode. new_metric payloads come back as domain.Metric
// and snapshot_update payloads as domain.Snapshot; other events keep their raw JSON object.
func DecodeEvent(b []byte) (Event, error) {
	var env struct {
		Name string          `json:"event"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if env.Name == "" {
		return Event{}, fmt.Errorf("decode event: missing event name")
	}
	var (
		data any
		err  error
	)
	switch env.Name {
	case EventNewMetric:
		var m domain.Metric
		err = json.Unmarshal(env.Data, &m)
		data = m
	case EventSnapshotUpdate:
		var s domain.Snapshot
		err = json.Unmarshal(env.Data, &s)
		data = s
	default:
		var v map[string]any
		err = json.Unmarshal(env.Data, &v)
		data = v
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", env.Name, err)
	}
	return Event{Name: env.Name, Data: data}, nil
}
