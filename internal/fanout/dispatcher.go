package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"iot-platform/monitoring-service/internal/logging"
	"iot-platform/monitoring-service/internal/metrics"
)

// emitTimeout is the max time allowed for a single async sink emit.
const emitTimeout = 5 * time.Second

// Dispatcher delivers every event to the local hub synchronously and to external sinks asynchronously.
type Dispatcher struct {
	local Publisher
	sinks []Sink
	log   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher returns a dispatcher. local may be nil.
func NewDispatcher(log zerolog.Logger, local Publisher, sinks ...Sink) *Dispatcher {
	return &Dispatcher{local: local, sinks: sinks, log: log}
}

// Publish hands ev to the hub and starts one goroutine per sink. It never blocks on a sink.
// Each sink emit runs detached from ctx cancellation, bounded by emitTimeout.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) error {
	var err error
	if d.local != nil {
		if err = d.local.Publish(ctx, ev); err != nil {
			metrics.FanoutErrors.WithLabelValues("websocket").Inc()
			d.log.Warn().Err(err).Str(logging.EVENT, ev.Name).Str(logging.SINK, "websocket").Msg("publish failed")
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return err
	}
	base := context.WithoutCancel(ctx)
	for _, s := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			emitCtx, cancel := context.WithTimeout(base, emitTimeout)
			defer cancel()
			if err := s.Publish(emitCtx, ev); err != nil {
				metrics.FanoutErrors.WithLabelValues(s.Name()).Inc()
				d.log.Warn().Err(err).Str(logging.EVENT, ev.Name).Str(logging.SINK, s.Name()).Msg("async publish failed")
			}
		}(s)
	}
	return err
}

// Close stops accepting sink emits, waits for in-flight ones until ctx is done, then closes every sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
