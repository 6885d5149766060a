// Package bus provides the ordered, typed event channel connecting the data
// feed, strategies, risk manager, and broker adapter.
package bus

import (
	"context"
	"sync/atomic"

	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded event queue. TryPublish is the lossy path used for
// market data under backpressure; Publish is the lossless path used for
// order-state events, which must never drop.
type Queue struct {
	ch     chan schema.Event
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan schema.Event, capacity)}
}

// TryPublish enqueues an event without blocking. Returns ErrQueueFull when
// the consumer is behind; callers decide whether the event is droppable.
func (q *Queue) TryPublish(e schema.Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Publish enqueues an event, blocking until there is room or the context is
// cancelled.
func (q *Queue) Publish(ctx context.Context, e schema.Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- e:
		return nil
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new events.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes events in order until the context is done or the queue is
// closed and drained.
func (q *Queue) Run(ctx context.Context, handler func(schema.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}
