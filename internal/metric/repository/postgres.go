package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"iot-platform/monitoring-service/internal/metric/domain"
)

const (
	insertMetricSQL = `INSERT INTO metrics (device_id, owner_id, topic, data, ts) VALUES ($1, $2, $3, $4, $5)`

	historyByDeviceSQL = `SELECT device_id, owner_id, topic, data, ts FROM metrics
WHERE device_id = $1
ORDER BY ts DESC, id DESC
LIMIT $2`

	byDateRangeSQL = `SELECT device_id, owner_id, topic, data, ts FROM metrics
WHERE device_id = $1 AND ts >= $2 AND ts <= $3
ORDER BY ts DESC, id DESC
LIMIT $4`

	byOwnerSQL = `SELECT device_id, owner_id, topic, data, ts FROM metrics
WHERE owner_id = $1
ORDER BY ts DESC, id DESC
LIMIT $2`

	insertSnapshotSQL = `INSERT INTO snapshots (source_key, data, logged_at) VALUES ($1, $2, $3)`

	latestSnapshotSQL = `SELECT source_key, data, logged_at FROM snapshots
ORDER BY logged_at DESC, id DESC
LIMIT 1`
)

// PostgresStore is a Store backed by the metrics and snapshots tables.
// The (device_id, ts DESC, id DESC) and (owner_id, ts DESC, id DESC) indexes are created by the embedded migrations
// and cover every read's filter and sort.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store that uses the given db for persistence. The store owns db and closes it on Close.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert persists m.
func (r *PostgresStore) Insert(ctx context.Context, m domain.Metric) error {
	data, err := marshalData(m.Data)
	if err != nil {
		return fmt.Errorf("encode metric data: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, insertMetricSQL, m.DeviceID, m.OwnerID, m.Topic, data, m.Timestamp.UTC()); err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// HistoryByDevice returns the latest metrics for deviceID.
func (r *PostgresStore) HistoryByDevice(ctx context.Context, deviceID int64, limit int) ([]domain.Metric, error) {
	if limit <= 0 {
		return []domain.Metric{}, nil
	}
	return r.queryMetrics(ctx, historyByDeviceSQL, deviceID, limit)
}

// ByDateRange returns the latest metrics for deviceID with start <= ts <= end.
func (r *PostgresStore) ByDateRange(ctx context.Context, deviceID int64, start, end time.Time, limit int) ([]domain.Metric, error) {
	if limit <= 0 {
		return []domain.Metric{}, nil
	}
	return r.queryMetrics(ctx, byDateRangeSQL, deviceID, start.UTC(), end.UTC(), limit)
}

// ByOwner returns the latest metrics across all devices of ownerID.
func (r *PostgresStore) ByOwner(ctx context.Context, ownerID int64, limit int) ([]domain.Metric, error) {
	if limit <= 0 {
		return []domain.Metric{}, nil
	}
	return r.queryMetrics(ctx, byOwnerSQL, ownerID, limit)
}

func (r *PostgresStore) queryMetrics(ctx context.Context, query string, args ...any) ([]domain.Metric, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Metric, 0)
	for rows.Next() {
		var (
			m   domain.Metric
			raw []byte
		)
		if err := rows.Scan(&m.DeviceID, &m.OwnerID, &m.Topic, &raw, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if m.Data, err = unmarshalData(raw); err != nil {
			return nil, fmt.Errorf("decode metric data: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	return out, nil
}

// InsertSnapshot persists s.
func (r *PostgresStore) InsertSnapshot(ctx context.Context, s domain.Snapshot) error {
	data, err := marshalData(s.Data)
	if err != nil {
		return fmt.Errorf("encode snapshot data: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, insertSnapshotSQL, s.Key, data, s.LoggedAt.UTC()); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or nil if the table is empty.
func (r *PostgresStore) LatestSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	var (
		s   domain.Snapshot
		raw []byte
	)
	err := r.db.QueryRowContext(ctx, latestSnapshotSQL).Scan(&s.Key, &raw, &s.LoggedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	if s.Data, err = unmarshalData(raw); err != nil {
		return nil, fmt.Errorf("decode snapshot data: %w", err)
	}
	s.LoggedAt = s.LoggedAt.UTC()
	return &s, nil
}

// Ping checks the connection pool.
func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (r *PostgresStore) Close() error {
	return r.db.Close()
}

// marshalData encodes d as JSON text for a jsonb parameter.
func marshalData(d map[string]any) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalData(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
