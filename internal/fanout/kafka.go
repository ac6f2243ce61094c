package fanout

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic using segmentio/kafka-go.
// new_metric messages are keyed by device id so one device's events stay on one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher writing to topic. brokers and topic must be non-empty. Call Close when shutting down.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("fanout: kafka brokers and topic are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: writer, topic: topic}, nil
}

// Publish serializes ev as JSON and writes it to the topic.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Value:   payload,
		Headers: []kafka.Header{{Key: "event", Value: []byte(ev.Name)}},
	}
	if ev.Name == EventNewMetric {
		if m, ok := MetricOf(ev); ok {
			msg.Key = []byte(strconv.FormatInt(m.DeviceID, 10))
		}
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Name implements Sink.
func (p *KafkaPublisher) Name() string { return "kafka" }

// Close closes the Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
