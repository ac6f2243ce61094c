package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"iot-platform/monitoring-service/internal/fanout"
)

const loggerName = "iot-platform/monitoring-service/fanout"

// recordEmitter is the part of otellog.Logger used by LogSink.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// LogSink mirrors fan-out events as OTel log records.
type LogSink struct {
	logger recordEmitter
	now    func() time.Time
}

// NewLogSink returns a sink emitting through provider.
func NewLogSink(provider *sdklog.LoggerProvider) *LogSink {
	return NewLogSinkWithLogger(provider.Logger(loggerName))
}

// NewLogSinkWithLogger returns a sink emitting through logger.
func NewLogSinkWithLogger(logger recordEmitter) *LogSink {
	return &LogSink{logger: logger, now: time.Now}
}

// Name implements fanout.Sink.
func (s *LogSink) Name() string { return "otlp" }

// Publish converts ev to a log record: the JSON envelope as body, the event name and,
// for metrics, the device, owner and topic as attributes.
func (s *LogSink) Publish(ctx context.Context, ev fanout.Event) error {
	body, err := fanout.Encode(ev)
	if err != nil {
		return err
	}
	rec := otellog.Record{}
	rec.SetBody(otellog.BytesValue(body))
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetEventName(ev.Name)
	rec.AddAttributes(otellog.String("event", ev.Name))

	ts := s.now().UTC()
	if m, ok := fanout.MetricOf(ev); ok {
		rec.AddAttributes(
			otellog.Int64("device_id", m.DeviceID),
			otellog.Int64("owner_id", m.OwnerID),
			otellog.String("topic", m.Topic),
		)
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp
		}
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(s.now().UTC())
	s.logger.Emit(ctx, rec)
	return nil
}

// Close is a no-op; the provider is shut down with the other OTel providers.
func (s *LogSink) Close() error { return nil }
