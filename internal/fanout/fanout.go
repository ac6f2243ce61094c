// Package fanout pushes live events to websocket clients and optional external sinks.
package fanout

import (
	"context"
	"encoding/json"

	"iot-platform/monitoring-service/internal/metric/domain"
)

// Event names.
const (
	EventNewMetric      = "new_metric"
	EventSnapshotUpdate = "snapshot_update"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Publisher delivers events. Delivery is best-effort; callers log and ignore errors.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Sink is an external Publisher owned by the Dispatcher.
type Sink interface {
	Publisher
	Name() string
	Close() error
}

// NewMetricEvent wraps a stored or just-normalized metric.
func NewMetricEvent(m domain.Metric) Event {
	return Event{Name: EventNewMetric, Data: m}
}

// SnapshotEvent wraps a snapshot.
func SnapshotEvent(s domain.Snapshot) Event {
	return Event{Name: EventSnapshotUpdate, Data: s}
}

// Encode returns the JSON form of ev sent on every transport.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// MetricOf returns the metric carried by a new_metric event.
func MetricOf(ev Event) (domain.Metric, bool) {
	switch d := ev.Data.(type) {
	case domain.Metric:
		return d, true
	case *domain.Metric:
		if d == nil {
			return domain.Metric{}, false
		}
		return *d, true
	}
	return domain.Metric{}, false
}
