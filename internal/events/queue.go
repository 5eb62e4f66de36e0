// Package events carries local edge events (readings, device errors, status
// sweeps and command outcomes) from producers to the uplink.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"minefleet/internal/data"
)

// Sink accepts events. Publish must not block the producer.
type Sink interface {
	Publish(msg data.Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg data.Message)

func (f SinkFunc) Publish(msg data.Message) { f(msg) }

// Tee publishes every event to each sink in order.
type Tee []Sink

func (t Tee) Publish(msg data.Message) {
	for _, s := range t {
		s.Publish(msg)
	}
}

// Queue is a bounded FIFO. When full, the oldest queued event is discarded
// to make room, so producers never block and delivery order is preserved.
type Queue struct {
	mu      sync.Mutex
	ch      chan data.Message
	dropped atomic.Uint64
	logger  *slog.Logger
}

func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{ch: make(chan data.Message, size), logger: logger}
}

func (q *Queue) Publish(msg data.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- msg:
			return
		default:
		}
		select {
		case old := <-q.ch:
			n := q.dropped.Add(1)
			q.logger.Warn("event queue full, dropped oldest event",
				slog.String("kind", string(old.Kind())),
				slog.Uint64("dropped_total", n))
		default:
		}
	}
}

// C is the consumer side of the queue.
func (q *Queue) C() <-chan data.Message { return q.ch }

func (q *Queue) Len() int { return len(q.ch) }

// Dropped is the number of events discarded since creation.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
