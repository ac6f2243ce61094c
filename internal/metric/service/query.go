// Package service implements tenant-scoped read access to stored metrics and snapshots.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"iot-platform/monitoring-service/internal/identity"
	"iot-platform/monitoring-service/internal/metric/domain"
	"iot-platform/monitoring-service/internal/metric/repository"
)

const tracerName = "iot-platform/monitoring-service/internal/metric/service"

// DefaultMaxLimit is used when NewQueryService is given a non-positive max limit.
const DefaultMaxLimit = 1000

// ErrInvalidInput is returned for caller mistakes such as a non-positive limit or start after end.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// QueryService answers metric and snapshot reads on behalf of a resolved caller.
// Records the caller may not see are omitted, never reported as forbidden.
type QueryService struct {
	metrics   repository.Repository
	snapshots repository.SnapshotRepository
	maxLimit  int
	tracer    trace.Tracer
}

// NewQueryService returns a QueryService. snapshots may be nil; LatestSnapshot then reports none.
func NewQueryService(metrics repository.Repository, snapshots repository.SnapshotRepository, maxLimit int) *QueryService {
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	return &QueryService{
		metrics:   metrics,
		snapshots: snapshots,
		maxLimit:  maxLimit,
		tracer:    otel.Tracer(tracerName),
	}
}

func (s *QueryService) clamp(limit int) (int, error) {
	if limit <= 0 {
		return 0, invalid("limit must be positive, got %d", limit)
	}
	if limit > s.maxLimit {
		return s.maxLimit, nil
	}
	return limit, nil
}

// History returns up to limit of the device's most recent metrics visible to id, newest first.
func (s *QueryService) History(ctx context.Context, id identity.Identity, deviceID int64, limit int) ([]domain.Metric, error) {
	ctx, span := s.start(ctx, "query.history", id, attribute.Int64("device.id", deviceID), attribute.Int("limit", limit))
	defer span.End()

	n, err := s.clamp(limit)
	if err != nil {
		return nil, fail(span, err)
	}
	ms, err := s.metrics.HistoryByDevice(ctx, deviceID, n)
	if err != nil {
		return nil, fail(span, fmt.Errorf("history for device %d: %w", deviceID, err))
	}
	return visible(span, id, ms), nil
}

// Range returns the device's metrics with start <= timestamp <= end visible to id, newest first.
func (s *QueryService) Range(ctx context.Context, id identity.Identity, deviceID int64, start, end time.Time, limit int) ([]domain.Metric, error) {
	ctx, span := s.start(ctx, "query.range", id,
		attribute.Int64("device.id", deviceID),
		attribute.String("range.start", start.UTC().Format(time.RFC3339Nano)),
		attribute.String("range.end", end.UTC().Format(time.RFC3339Nano)),
	)
	defer span.End()

	if start.After(end) {
		return nil, fail(span, invalid("start %s is after end %s", start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)))
	}
	n, err := s.clamp(limit)
	if err != nil {
		return nil, fail(span, err)
	}
	ms, err := s.metrics.ByDateRange(ctx, deviceID, start.UTC(), end.UTC(), n)
	if err != nil {
		return nil, fail(span, fmt.Errorf("range for device %d: %w", deviceID, err))
	}
	return visible(span, id, ms), nil
}

// ByOwner returns the caller's own most recent metrics across all devices.
func (s *QueryService) ByOwner(ctx context.Context, id identity.Identity, limit int) ([]domain.Metric, error) {
	ctx, span := s.start(ctx, "query.by_owner", id, attribute.Int("limit", limit))
	defer span.End()

	n, err := s.clamp(limit)
	if err != nil {
		return nil, fail(span, err)
	}
	ms, err := s.metrics.ByOwner(ctx, id.SubjectID, n)
	if err != nil {
		return nil, fail(span, fmt.Errorf("metrics for owner %d: %w", id.SubjectID, err))
	}
	return visible(span, id, ms), nil
}

// LatestSnapshot returns the most recent snapshot, or nil when none has been logged yet.
func (s *QueryService) LatestSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "query.latest_snapshot")
	defer span.End()

	if s.snapshots == nil {
		return nil, nil
	}
	snap, err := s.snapshots.LatestSnapshot(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("latest snapshot: %w", err))
	}
	span.SetAttributes(attribute.Bool("snapshot.found", snap != nil))
	return snap, nil
}

func (s *QueryService) start(ctx context.Context, name string, id identity.Identity, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.Int64("caller.id", id.SubjectID), attribute.Bool("caller.admin", id.IsAdmin))
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// visible filters ms in place down to the records id may see.
func visible(span trace.Span, id identity.Identity, ms []domain.Metric) []domain.Metric {
	out := ms[:0]
	for _, m := range ms {
		if id.CanSee(m.OwnerID) {
			out = append(out, m)
		}
	}
	span.SetAttributes(attribute.Int("result.count", len(out)), attribute.Int("result.hidden", len(ms)-len(out)))
	if out == nil {
		return []domain.Metric{}
	}
	return out
}
