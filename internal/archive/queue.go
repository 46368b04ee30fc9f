package archive

import (
	"context"
	"sync"
	"time"

	"marketfeed/internal/logging"
)

// Queue is a bounded, single-purpose fan-in channel with drop-on-full
// back-pressure: a full queue never blocks its producer, it drops the
// record and logs a warning, per spec.md section 5's "unbounded queues
// tightened" design note.
type Queue[T any] struct {
	name string
	ch   chan T
	log  *logging.Entry

	mu      sync.Mutex
	sent    int64
	dropped int64
}

// NewQueue builds a Queue with the given capacity. name labels the
// CloudWatch drop counter (e.g. "trades", "prices") and may be empty.
func NewQueue[T any](capacity int, log *logging.Entry, name string) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity), log: log, name: name}
}

// Push enqueues one record without blocking. On a full queue it drops the
// record and logs a warning, returning false.
func (q *Queue[T]) Push(item T) bool {
	select {
	case q.ch <- item:
		q.mu.Lock()
		q.sent++
		q.mu.Unlock()
		return true
	default:
		q.mu.Lock()
		q.dropped++
		count := q.dropped
		q.mu.Unlock()
		if q.log != nil {
			q.log.WithField("dropped_total", count).Warn("archive queue full, dropping record")
		}
		logging.PublishCount("ArchiveQueueDropped", 1, logging.Fields{"queue": q.name})
		return false
	}
}

// C exposes the receive side for the consumer task's select loop.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Stats returns the sent/dropped counters, for diagnostics and tests.
func (q *Queue[T]) Stats() (sent, dropped int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent, q.dropped
}

// Len reports the number of items currently buffered.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap reports the queue's fixed capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// reportOccupancy logs the queue's current length, capacity and running
// sent/dropped counters at the given interval until ctx is cancelled.
func (q *Queue[T]) reportOccupancy(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.log == nil {
				continue
			}
			sent, dropped := q.Stats()
			q.log.WithFields(logging.Fields{
				"queue": q.name, "length": q.Len(), "capacity": q.Cap(),
				"sent": sent, "dropped": dropped,
			}).Debug("archive queue occupancy")
		}
	}
}
