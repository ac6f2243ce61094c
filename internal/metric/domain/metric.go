package domain

import "time"

// Metric is a single timestamped telemetry observation tied to a device and its owner.
// Built once at ingestion and never mutated afterwards; Data must not be modified by readers.
type Metric struct {
	DeviceID  int64          `json:"device_id"`
	OwnerID   int64          `json:"owner_id"`
	Topic     string         `json:"topic"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Snapshot is a record produced by the periodic snapshot producer (e.g. current weather for a city).
type Snapshot struct {
	Key      string         `json:"key"`
	Data     map[string]any `json:"data"`
	LoggedAt time.Time      `json:"logged_at"`
}

// CloneData returns a shallow copy of d, or an empty map when d is nil.
func CloneData(d map[string]any) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
