package main

import (
	"encoding/json"
	"testing"
	"time"

	"iot-platform/monitoring-service/internal/ingest"
)

func TestReadings_NormalizeCleanly(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	got := readings(3, 2, 4, now, time.Minute)
	if len(got) != 12 {
		t.Fatalf("len = %d, want 12", len(got))
	}
	owners := map[int64]int64{}
	var last time.Time
	for _, r := range got {
		payload, err := json.Marshal(r.payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		m, err := ingest.Normalize(r.topic, payload, time.Time{})
		if err != nil {
			t.Fatalf("Normalize(%s): %v", payload, err)
		}
		owners[m.DeviceID] = m.OwnerID
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
		if _, ok := m.Data["temperature"]; !ok {
			t.Errorf("reading without temperature: %v", m.Data)
		}
	}
	want := map[int64]int64{1: 1, 2: 2, 3: 1}
	for d, o := range want {
		if owners[d] != o {
			t.Errorf("device %d owner = %d, want %d", d, owners[d], o)
		}
	}
	if !last.Equal(now) {
		t.Errorf("newest reading at %v, want %v", last, now)
	}
}

func TestReadings_ZeroOwners(t *testing.T) {
	for _, r := range readings(2, 0, 1, time.Now(), time.Second) {
		if r.payload["owner_id"] != 1 {
			t.Errorf("owner = %v, want 1", r.payload["owner_id"])
		}
	}
}
