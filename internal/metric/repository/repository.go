package repository

import (
	"context"
	"time"

	"iot-platform/monitoring-service/internal/metric/domain"
)

// Repository defines append-only persistence for metrics.
// Every read returns records most-recent-first and at most limit records; limit <= 0 yields an empty result.
type Repository interface {
	Insert(ctx context.Context, m domain.Metric) error
	HistoryByDevice(ctx context.Context, deviceID int64, limit int) ([]domain.Metric, error)
	// ByDateRange includes records whose timestamp equals start or end.
	ByDateRange(ctx context.Context, deviceID int64, start, end time.Time, limit int) ([]domain.Metric, error)
	ByOwner(ctx context.Context, ownerID int64, limit int) ([]domain.Metric, error)
}

// SnapshotRepository defines persistence for periodic snapshots.
type SnapshotRepository interface {
	InsertSnapshot(ctx context.Context, s domain.Snapshot) error
	// LatestSnapshot returns the most recently logged snapshot, or nil if none exists.
	// It returns an error only for storage failures, not for an empty series.
	LatestSnapshot(ctx context.Context) (*domain.Snapshot, error)
}

// Store is a persistence handle opened at startup and closed at shutdown.
// Implementations must be safe for concurrent use by ingestion and query paths.
type Store interface {
	Repository
	SnapshotRepository
	Ping(ctx context.Context) error
	Close() error
}
