package engine

import (
	"context"
	"sync/atomic"

	"github.com/yanun0323/errors"

	"trader/internal/market"
)

var (
	ErrQueueClosed = errors.New("event queue closed")
)

// EventKind labels the events flowing through a symbol queue.
type EventKind uint8

const (
	EventCandleClosed EventKind = iota
	EventCandleTick
	EventBookUpdate
)

// Event is one unit of per-symbol work. Book updates carry no payload;
// contexts read the shared book directly.
type Event struct {
	Kind   EventKind
	Symbol string
	Candle market.Candle
}

// Queue is the bounded per-symbol event queue. Closed-candle events ride
// a critical lane whose publisher blocks when full; ticks and book diffs
// ride a droppable lane where the oldest event is discarded under
// pressure.
//
// The lane channels are never closed: producers may race Close, so
// closure is signalled through the done channel and consumers drain the
// lanes with TryDequeue afterwards.
type Queue struct {
	closes chan Event
	ticks  chan Event
	done   chan struct{}
	closed uint32
	drops  uint64
}

// NewQueue allocates a queue with the given per-lane capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		closes: make(chan Event, capacity),
		ticks:  make(chan Event, capacity),
		done:   make(chan struct{}),
	}
}

// PublishClosed enqueues a closed-candle event, blocking when the lane
// is full. A close is never dropped; closing the queue unblocks the
// publisher with ErrQueueClosed.
func (q *Queue) PublishClosed(ctx context.Context, e Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.closes <- e:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishTick enqueues a droppable event. When the lane is full the
// oldest queued event is discarded to make room.
func (q *Queue) PublishTick(e Event) error {
	for {
		if atomic.LoadUint32(&q.closed) != 0 {
			return ErrQueueClosed
		}
		select {
		case q.ticks <- e:
			return nil
		case <-q.done:
			return ErrQueueClosed
		default:
		}
		select {
		case <-q.ticks:
			atomic.AddUint64(&q.drops, 1)
		default:
		}
	}
}

// TryDequeue returns the next event without blocking, closed candles
// first.
func (q *Queue) TryDequeue() (Event, bool) {
	select {
	case e := <-q.closes:
		return e, true
	default:
	}
	select {
	case e := <-q.ticks:
		return e, true
	default:
		return Event{}, false
	}
}

// HasPending reports whether any event is queued.
func (q *Queue) HasPending() bool {
	return len(q.closes) > 0 || len(q.ticks) > 0
}

// Close stops the queue from accepting new events. Queued events stay
// readable through TryDequeue so shutdown can drain them.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.done)
	}
}

// Drops reports how many droppable events were discarded.
func (q *Queue) Drops() uint64 {
	return atomic.LoadUint64(&q.drops)
}
