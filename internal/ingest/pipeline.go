package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"iot-platform/monitoring-service/internal/fanout"
	"iot-platform/monitoring-service/internal/logging"
	"iot-platform/monitoring-service/internal/metric/domain"
	"iot-platform/monitoring-service/internal/metrics"
)

const tracerName = "iot-platform/monitoring-service/internal/ingest"

// DefaultDrainTimeout bounds the drain after cancellation when Options.DrainTimeout is zero.
const DefaultDrainTimeout = 10 * time.Second

// MetricWriter persists normalized metrics.
type MetricWriter interface {
	Insert(ctx context.Context, m domain.Metric) error
}

// Options configures a Pipeline.
type Options struct {
	// Workers is the number of goroutines consuming the queue. Values below 1 mean 1.
	Workers int
	// DrainTimeout bounds how long queued messages are still processed after Run's context is cancelled.
	DrainTimeout time.Duration
}

// Pipeline consumes the hand-off queue: normalize, persist, then publish new_metric.
// Persistence failures do not prevent publishing and publish failures do not affect persistence.
type Pipeline struct {
	queue        *Queue
	store        MetricWriter
	pub          fanout.Publisher
	workers      int
	drainTimeout time.Duration
	log          zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewPipeline returns a pipeline reading from q. pub may be nil.
func NewPipeline(q *Queue, store MetricWriter, pub fanout.Publisher, log zerolog.Logger, opts Options) *Pipeline {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	return &Pipeline{
		queue:        q,
		store:        store,
		pub:          pub,
		workers:      workers,
		drainTimeout: drain,
		log:          log,
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
	}
}

// Run processes messages until the queue is closed and empty, or until ctx is cancelled.
// After cancellation, messages already queued are still processed for up to the drain timeout.
func (p *Pipeline) Run(ctx context.Context) error {
	var g errgroup.Group
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) work(ctx context.Context) {
	msgs := p.queue.Messages()
	for {
		if ctx.Err() != nil {
			p.drain(ctx)
			return
		}
		select {
		case <-ctx.Done():
			p.drain(ctx)
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			p.process(ctx, msg)
		}
	}
}

// drain processes what is left in the queue with a context detached from the cancelled one.
func (p *Pipeline) drain(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.drainTimeout)
	defer cancel()
	msgs := p.queue.Messages()
	for {
		if dctx.Err() != nil {
			if left := p.queue.Len(); left > 0 {
				p.log.Warn().Int("remaining", left).Msg("drain timeout reached, queued messages not processed")
			}
			return
		}
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			p.process(dctx, msg)
		default:
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, msg RawMessage) {
	metrics.QueueDepth.Set(float64(p.queue.Len()))

	ctx, span := p.tracer.Start(ctx, "ingest.process", trace.WithAttributes(attribute.String("mqtt.topic", msg.Topic)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			p.log.Error().Interface("panic", r).Str(logging.TOPIC, msg.Topic).Msg("message processing panicked")
		}
	}()

	received := msg.ReceivedAt
	if received.IsZero() {
		received = p.now()
	}
	m, err := Normalize(msg.Topic, msg.Payload, received)
	if err != nil {
		reason := metrics.ReasonValidation
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			reason = metrics.ReasonDecode
		}
		metrics.IngestRejected.WithLabelValues(reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		p.log.Warn().Err(err).Str(logging.TOPIC, msg.Topic).Str(logging.REASON, reason).Msg("message rejected")
		return
	}
	span.SetAttributes(attribute.Int64("device.id", m.DeviceID), attribute.Int64("owner.id", m.OwnerID))

	if err := p.store.Insert(ctx, m); err != nil {
		metrics.IngestStoreErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		p.log.Error().Err(err).Int64(logging.DEVICE, m.DeviceID).Str(logging.TOPIC, m.Topic).Msg("failed to persist metric")
	} else {
		metrics.IngestStored.Inc()
	}

	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(ctx, fanout.NewMetricEvent(m)); err != nil {
		p.log.Debug().Err(err).Int64(logging.DEVICE, m.DeviceID).Msg("live publish failed")
	}
}
