package eventq

import (
	"context"
	"errors"
)

// ErrQueueFull is returned by TryPost when no slot is free.
var ErrQueueFull = errors.New("event queue full")

// Queue is a bounded, single-consumer FIFO of events.
//
// Producers may post from any goroutine. Exactly one goroutine drains the
// queue with Run, so every handler invocation happens on that goroutine and
// state touched only by handlers needs no further locking.
//
// Unlike an overwrite ring, a full Queue never discards: Post waits for a free
// slot. Events are delivered strictly in arrival order and never coalesced.
//
// # Example
//
//	q := eventq.New[gap.Event](32)
//
//	// Producer (stack callback goroutine):
//	_ = q.Post(ctx, gap.DisconnectEvent{Reason: 0x13})
//
//	// Consumer (the application's main loop):
//	err := q.Run(ctx, adv.Handle) // returns only when ctx is done
type Queue[T any] struct {
	ch chan T
}

// New creates a Queue with the given depth.
func New[T any](depth int) *Queue[T] {
	if depth <= 0 {
		panic("eventq: depth must be > 0")
	}
	return &Queue[T]{ch: make(chan T, depth)}
}

// Post enqueues v, blocking while the queue is full.
// It returns ctx.Err() if ctx is done first.
func (q *Queue[T]) Post(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost enqueues v without blocking.
func (q *Queue[T]) TryPost(v T) error {
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue forever, calling handle for each event in order.
// It returns ctx.Err() once ctx is done. Events still queued at that point
// are left undelivered.
func (q *Queue[T]) Run(ctx context.Context, handle func(T)) error {
	for {
		// Check cancellation first so a busy queue cannot starve shutdown.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-q.ch:
			handle(v)
		}
	}
}

// RunOnce delivers at most one queued event without blocking.
// Returns false if the queue was empty.
func (q *Queue[T]) RunOnce(handle func(T)) bool {
	select {
	case v := <-q.ch:
		handle(v)
		return true
	default:
		return false
	}
}

// Len returns the number of queued events.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue depth.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
