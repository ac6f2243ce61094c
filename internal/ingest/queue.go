// Package ingest turns raw broker messages into persisted metrics and live events.
package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"iot-platform/monitoring-service/internal/logging"
	"iot-platform/monitoring-service/internal/metrics"
)

// RawMessage is a broker message as received, before normalization.
type RawMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Queue is the bounded hand-off between the broker callback goroutine and the pipeline workers.
// When full, Offer evicts the oldest queued message to make room; Offer never blocks.
type Queue struct {
	mu      sync.Mutex
	ch      chan RawMessage
	closed  bool
	dropped atomic.Uint64
	log     zerolog.Logger
}

// NewQueue returns a queue holding at most size messages. size < 1 is treated as 1.
func NewQueue(size int, log zerolog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan RawMessage, size), log: log}
}

// Offer enqueues msg. It reports false when msg itself was dropped because the queue is closed.
func (q *Queue) Offer(msg RawMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drop(msg.Topic, metrics.ReasonClosed)
		return false
	}
	for {
		select {
		case q.ch <- msg:
			metrics.IngestReceived.Inc()
			metrics.QueueDepth.Set(float64(len(q.ch)))
			return true
		default:
		}
		// Full: evict the head. A worker may have taken it meanwhile, in which case the next send succeeds.
		select {
		case old := <-q.ch:
			q.drop(old.Topic, metrics.ReasonQueueFull)
		default:
		}
	}
}

func (q *Queue) drop(topic, reason string) {
	q.dropped.Add(1)
	metrics.IngestDropped.WithLabelValues(reason).Inc()
	q.log.Warn().Str(logging.TOPIC, topic).Str(logging.REASON, reason).Msg("dropped message")
}

// Messages is the receive side consumed by the pipeline. It is closed by Close.
func (q *Queue) Messages() <-chan RawMessage {
	return q.ch
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns how many messages were discarded since creation.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close stops accepting messages. Already queued messages stay readable. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
