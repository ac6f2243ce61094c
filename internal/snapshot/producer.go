package snapshot

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"iot-platform/monitoring-service/internal/fanout"
	"iot-platform/monitoring-service/internal/metric/domain"
	"iot-platform/monitoring-service/internal/metrics"
)

const tracerName = "iot-platform/monitoring-service/internal/snapshot"

// DefaultInterval is the tick used when NewProducer is given a non-positive interval.
const DefaultInterval = 30 * time.Minute

// Fetch results counted in metrics.SnapshotFetches.
const (
	resultOK         = "ok"
	resultFetchError = "fetch_error"
	resultStoreError = "store_error"
)

// Writer persists snapshots.
type Writer interface {
	InsertSnapshot(ctx context.Context, s domain.Snapshot) error
}

// Producer fetches a snapshot right away and then on every tick, stores it and
// publishes snapshot_update. Failed ticks are skipped; missed ticks are not caught up.
type Producer struct {
	source   Source
	store    Writer
	pub      fanout.Publisher
	interval time.Duration
	log      zerolog.Logger
	tracer   trace.Tracer
}

// NewProducer returns a producer. pub may be nil.
func NewProducer(src Source, store Writer, pub fanout.Publisher, interval time.Duration, log zerolog.Logger) *Producer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Producer{
		source:   src,
		store:    store,
		pub:      pub,
		interval: interval,
		log:      log,
		tracer:   otel.Tracer(tracerName),
	}
}

// Run blocks until ctx is done. It always returns nil.
func (p *Producer) Run(ctx context.Context) error {
	p.log.Info().Str("source", p.source.Name()).Dur("interval", p.interval).Msg("snapshot producer started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			break
		}
		p.Tick(ctx)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	p.log.Info().Msg("snapshot producer stopped")
	return nil
}

// Tick runs one fetch, store and publish cycle.
func (p *Producer) Tick(ctx context.Context) {
	ctx, span := p.tracer.Start(ctx, "snapshot.tick", trace.WithAttributes(attribute.String("snapshot.source", p.source.Name())))
	defer span.End()

	snap, err := p.source.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.SnapshotFetches.WithLabelValues(resultFetchError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		p.log.Warn().Err(err).Str("source", p.source.Name()).Msg("snapshot fetch failed")
		return
	}
	span.SetAttributes(attribute.String("snapshot.key", snap.Key))

	if err := p.store.InsertSnapshot(ctx, snap); err != nil {
		metrics.SnapshotFetches.WithLabelValues(resultStoreError).Inc()
		span.RecordError(err)
		p.log.Error().Err(err).Str("key", snap.Key).Msg("failed to persist snapshot")
	} else {
		metrics.SnapshotFetches.WithLabelValues(resultOK).Inc()
		p.log.Info().Str("key", snap.Key).Interface("data", snap.Data).Msg("snapshot recorded")
	}

	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(ctx, fanout.SnapshotEvent(snap)); err != nil {
		p.log.Debug().Err(err).Msg("snapshot publish failed")
	}
}
