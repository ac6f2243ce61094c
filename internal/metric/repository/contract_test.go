package repository

import (
	"context"
	"testing"
	"time"

	"iot-platform/monitoring-service/internal/metric/domain"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func metricAt(deviceID, ownerID int64, offset time.Duration, value float64) domain.Metric {
	return domain.Metric{
		DeviceID:  deviceID,
		OwnerID:   ownerID,
		Topic:     "device/iot/temperature",
		Data:      map[string]any{"value": value},
		Timestamp: base.Add(offset),
	}
}

func mustInsert(t *testing.T, s Store, ms ...domain.Metric) {
	t.Helper()
	for _, m := range ms {
		if err := s.Insert(context.Background(), m); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
}

func assertNewestFirst(t *testing.T, got []domain.Metric) {
	t.Helper()
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("result not timestamp-descending at %d: %v after %v", i, got[i].Timestamp, got[i-1].Timestamp)
		}
	}
}

// runStoreContract exercises the behavior every Store implementation must share.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("history returns most recent first bounded by limit", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 8; i++ {
			mustInsert(t, s, metricAt(7, 42, time.Duration(i)*time.Second, float64(i)))
		}
		got, err := s.HistoryByDevice(ctx, 7, 3)
		if err != nil {
			t.Fatalf("HistoryByDevice: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		assertNewestFirst(t, got)
		for i, want := range []time.Duration{7 * time.Second, 6 * time.Second, 5 * time.Second} {
			if !got[i].Timestamp.Equal(base.Add(want)) {
				t.Errorf("got[%d].Timestamp = %v, want %v", i, got[i].Timestamp, base.Add(want))
			}
		}
	})

	t.Run("history ignores other devices", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, metricAt(1, 42, 0, 1), metricAt(2, 42, time.Second, 2))
		got, err := s.HistoryByDevice(ctx, 1, 10)
		if err != nil {
			t.Fatalf("HistoryByDevice: %v", err)
		}
		if len(got) != 1 || got[0].DeviceID != 1 {
			t.Fatalf("got %+v, want only device 1", got)
		}
	})

	t.Run("scenario A: latest only", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, metricAt(7, 42, 0, 21.5), metricAt(7, 42, time.Minute, 22.0))
		got, err := s.HistoryByDevice(ctx, 7, 1)
		if err != nil {
			t.Fatalf("HistoryByDevice: %v", err)
		}
		if len(got) != 1 || !got[0].Timestamp.Equal(base.Add(time.Minute)) {
			t.Fatalf("got %+v, want the T2 record", got)
		}
		if got[0].OwnerID != 42 || got[0].Topic != "device/iot/temperature" {
			t.Errorf("record fields not preserved: %+v", got[0])
		}
	})

	t.Run("out of order inserts are returned time ordered", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s,
			metricAt(3, 1, 5*time.Second, 5),
			metricAt(3, 1, 1*time.Second, 1),
			metricAt(3, 1, 9*time.Second, 9),
		)
		got, err := s.HistoryByDevice(ctx, 3, 10)
		if err != nil {
			t.Fatalf("HistoryByDevice: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		assertNewestFirst(t, got)
	})

	t.Run("date range is inclusive of both boundaries", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			mustInsert(t, s, metricAt(9, 1, time.Duration(i)*time.Minute, float64(i)))
		}
		start, end := base.Add(time.Minute), base.Add(3*time.Minute)
		got, err := s.ByDateRange(ctx, 9, start, end, 100)
		if err != nil {
			t.Fatalf("ByDateRange: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3 (boundaries included)", len(got))
		}
		if !got[0].Timestamp.Equal(end) || !got[2].Timestamp.Equal(start) {
			t.Errorf("boundaries = %v..%v, want %v..%v", got[2].Timestamp, got[0].Timestamp, start, end)
		}
	})

	t.Run("date range honors limit keeping the newest", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			mustInsert(t, s, metricAt(9, 1, time.Duration(i)*time.Minute, float64(i)))
		}
		got, err := s.ByDateRange(ctx, 9, base, base.Add(4*time.Minute), 2)
		if err != nil {
			t.Fatalf("ByDateRange: %v", err)
		}
		if len(got) != 2 || !got[0].Timestamp.Equal(base.Add(4*time.Minute)) {
			t.Fatalf("got %+v, want two newest", got)
		}
	})

	t.Run("by owner spans devices", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s,
			metricAt(1, 42, 0, 1),
			metricAt(2, 42, time.Second, 2),
			metricAt(3, 99, 2*time.Second, 3),
		)
		got, err := s.ByOwner(ctx, 42, 10)
		if err != nil {
			t.Fatalf("ByOwner: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].DeviceID != 2 || got[1].DeviceID != 1 {
			t.Errorf("devices = %d,%d want 2,1", got[0].DeviceID, got[1].DeviceID)
		}
	})

	t.Run("limit plus K returns exactly limit", func(t *testing.T) {
		s := newStore(t)
		const limit, extra = 5, 4
		for i := 0; i < limit+extra; i++ {
			mustInsert(t, s, metricAt(11, 1, time.Duration(i)*time.Second, float64(i)))
		}
		got, err := s.ByOwner(ctx, 1, limit)
		if err != nil {
			t.Fatalf("ByOwner: %v", err)
		}
		if len(got) != limit {
			t.Fatalf("len = %d, want %d", len(got), limit)
		}
		if !got[limit-1].Timestamp.Equal(base.Add(time.Duration(extra) * time.Second)) {
			t.Errorf("oldest returned = %v, want %v", got[limit-1].Timestamp, base.Add(time.Duration(extra)*time.Second))
		}
	})

	t.Run("non positive limit yields empty", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, metricAt(1, 1, 0, 1))
		got, err := s.HistoryByDevice(ctx, 1, 0)
		if err != nil {
			t.Fatalf("HistoryByDevice: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("len = %d, want 0", len(got))
		}
	})

	t.Run("duplicates are kept", func(t *testing.T) {
		s := newStore(t)
		m := metricAt(4, 1, 0, 1)
		mustInsert(t, s, m, m)
		got, err := s.HistoryByDevice(ctx, 4, 10)
		if err != nil {
			t.Fatalf("HistoryByDevice: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("len = %d, want 2 (append-only, no dedup)", len(got))
		}
	})

	t.Run("nested data round trips", func(t *testing.T) {
		s := newStore(t)
		m := metricAt(5, 1, 0, 0)
		m.Data = map[string]any{"metrics": map[string]any{"cpu": 12.5, "ram": 40.0}, "unit": "%"}
		mustInsert(t, s, m)
		got, err := s.HistoryByDevice(ctx, 5, 1)
		if err != nil {
			t.Fatalf("HistoryByDevice: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("len = %d, want 1", len(got))
		}
		if got[0].Data["unit"] != "%" {
			t.Errorf("unit = %v, want %%", got[0].Data["unit"])
		}
		nested, ok := got[0].Data["metrics"].(map[string]any)
		if !ok {
			t.Fatalf("metrics = %T, want map[string]any", got[0].Data["metrics"])
		}
		if nested["cpu"] != 12.5 {
			t.Errorf("cpu = %v, want 12.5", nested["cpu"])
		}
	})

	t.Run("latest snapshot", func(t *testing.T) {
		s := newStore(t)
		got, err := s.LatestSnapshot(ctx)
		if err != nil {
			t.Fatalf("LatestSnapshot on empty: %v", err)
		}
		if got != nil {
			t.Fatalf("LatestSnapshot on empty = %+v, want nil", got)
		}
		for i, temp := range []float64{10, 30, 20} {
			snap := domain.Snapshot{Key: "Fès", Data: map[string]any{"temperature": temp}, LoggedAt: base.Add(time.Duration(i) * time.Minute)}
			if err := s.InsertSnapshot(ctx, snap); err != nil {
				t.Fatalf("InsertSnapshot: %v", err)
			}
		}
		got, err = s.LatestSnapshot(ctx)
		if err != nil {
			t.Fatalf("LatestSnapshot: %v", err)
		}
		if got == nil || got.Data["temperature"] != 20.0 || got.Key != "Fès" {
			t.Fatalf("LatestSnapshot = %+v, want the last logged one", got)
		}
	})
}
