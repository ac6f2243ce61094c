package repository

import (
	"context"
	"sync"
	"time"

	"iot-platform/monitoring-service/internal/metric/domain"
)

// MemoryStore is an in-memory Store implementation for development and tests.
// Records are kept in insertion order; reads scan newest first.
type MemoryStore struct {
	mu        sync.RWMutex
	metrics   []domain.Metric
	snapshots []domain.Snapshot
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends m.
func (s *MemoryStore) Insert(ctx context.Context, m domain.Metric) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Data = domain.CloneData(m.Data)
	s.mu.Lock()
	s.metrics = append(s.metrics, m)
	s.mu.Unlock()
	return nil
}

// HistoryByDevice returns the latest metrics for deviceID.
func (s *MemoryStore) HistoryByDevice(ctx context.Context, deviceID int64, limit int) ([]domain.Metric, error) {
	return s.find(ctx, limit, func(m *domain.Metric) bool { return m.DeviceID == deviceID })
}

// ByDateRange returns the latest metrics for deviceID with start <= timestamp <= end.
func (s *MemoryStore) ByDateRange(ctx context.Context, deviceID int64, start, end time.Time, limit int) ([]domain.Metric, error) {
	return s.find(ctx, limit, func(m *domain.Metric) bool {
		return m.DeviceID == deviceID && !m.Timestamp.Before(start) && !m.Timestamp.After(end)
	})
}

// ByOwner returns the latest metrics across all devices of ownerID.
func (s *MemoryStore) ByOwner(ctx context.Context, ownerID int64, limit int) ([]domain.Metric, error) {
	return s.find(ctx, limit, func(m *domain.Metric) bool { return m.OwnerID == ownerID })
}

// find collects matches ordered by timestamp desc, ties broken by newest insert first.
func (s *MemoryStore) find(ctx context.Context, limit int, match func(*domain.Metric) bool) ([]domain.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []domain.Metric{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Insertion-ordered scan from the tail keeps ties stable; the insertion sort below
	// only moves records with a strictly newer timestamp ahead.
	out := make([]domain.Metric, 0, limit)
	for i := len(s.metrics) - 1; i >= 0; i-- {
		m := &s.metrics[i]
		if !match(m) {
			continue
		}
		pos := len(out)
		for pos > 0 && out[pos-1].Timestamp.Before(m.Timestamp) {
			pos--
		}
		if pos >= limit {
			continue
		}
		if len(out) < limit {
			out = append(out, domain.Metric{})
		}
		copy(out[pos+1:], out[pos:len(out)-1])
		out[pos] = *m
	}
	return out, nil
}

// InsertSnapshot appends snap.
func (s *MemoryStore) InsertSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap.Data = domain.CloneData(snap.Data)
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
	return nil
}

// LatestSnapshot returns the snapshot with the greatest LoggedAt, or nil if none exists.
func (s *MemoryStore) LatestSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.Snapshot
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if latest == nil || s.snapshots[i].LoggedAt.After(latest.LoggedAt) {
			latest = &s.snapshots[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
