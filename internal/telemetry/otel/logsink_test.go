package otel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"iot-platform/monitoring-service/internal/fanout"
	"iot-platform/monitoring-service/internal/metric/domain"
)

// recordCapture stores the last Record passed to Emit.
type recordCapture struct {
	rec   otellog.Record
	count int
}

func (r *recordCapture) Emit(_ context.Context, rec otellog.Record) {
	r.rec = rec
	r.count++
}

func attributes(rec otellog.Record) map[string]otellog.Value {
	attrs := make(map[string]otellog.Value)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value
		return true
	})
	return attrs
}

func TestLogSink_MetricEvent(t *testing.T) {
	capture := &recordCapture{}
	sink := NewLogSinkWithLogger(capture)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := domain.Metric{DeviceID: 7, OwnerID: 42, Topic: "device/iot/temp", Data: map[string]any{"v": 1.5}, Timestamp: ts}

	if err := sink.Publish(context.Background(), fanout.NewMetricEvent(m)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rec := capture.rec
	if !rec.Timestamp().Equal(ts) {
		t.Errorf("timestamp = %v, want metric time %v", rec.Timestamp(), ts)
	}
	attrs := attributes(rec)
	if attrs["device_id"].AsInt64() != 7 || attrs["owner_id"].AsInt64() != 42 {
		t.Errorf("id attributes = %v", attrs)
	}
	if attrs["topic"].AsString() != "device/iot/temp" || attrs["event"].AsString() != fanout.EventNewMetric {
		t.Errorf("attributes = %v", attrs)
	}

	var envelope struct {
		Event string       `json:"event"`
		Data  domain.Metric `json:"data"`
	}
	if err := json.Unmarshal(rec.Body().AsBytes(), &envelope); err != nil {
		t.Fatalf("body is not the JSON envelope: %v", err)
	}
	if envelope.Event != fanout.EventNewMetric || envelope.Data.DeviceID != 7 {
		t.Errorf("body = %+v", envelope)
	}
}

func TestLogSink_SnapshotEvent(t *testing.T) {
	capture := &recordCapture{}
	sink := NewLogSinkWithLogger(capture)
	now := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return now }

	ev := fanout.SnapshotEvent(domain.Snapshot{Key: "Fès", Data: map[string]any{"temperature": 20.0}})
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	attrs := attributes(capture.rec)
	if attrs["event"].AsString() != fanout.EventSnapshotUpdate {
		t.Errorf("event attribute = %v", attrs["event"])
	}
	if _, ok := attrs["device_id"]; ok {
		t.Error("snapshot record should not carry device_id")
	}
	if !capture.rec.Timestamp().Equal(now) {
		t.Errorf("timestamp = %v, want %v", capture.rec.Timestamp(), now)
	}
}

func TestLogSink_UnencodableEvent(t *testing.T) {
	capture := &recordCapture{}
	sink := NewLogSinkWithLogger(capture)
	if err := sink.Publish(context.Background(), fanout.Event{Name: "x", Data: make(chan int)}); err == nil {
		t.Fatal("Publish should fail for data that cannot be encoded")
	}
	if capture.count != 0 {
		t.Error("nothing should be emitted on encode failure")
	}
}

func TestNewLogSink_WithProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	sink := NewLogSink(provider)
	if sink.Name() != "otlp" {
		t.Errorf("Name = %q", sink.Name())
	}
	if err := sink.Publish(context.Background(), fanout.Event{Name: fanout.EventNewMetric, Data: domain.Metric{DeviceID: 1}}); err != nil {
		t.Errorf("Publish: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
