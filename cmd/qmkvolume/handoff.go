package main

import (
	"context"
	"sync"
)

// Slot is a single-value mailbox between the event loop and the display goroutine.
//
// Put never blocks and replaces any value that has not been taken yet
// (latest-wins). Take blocks until a value is present and leaves the slot empty.
// Intermediate values in a burst are intentionally lost.
type Slot[T any] struct {
	mu    sync.Mutex
	value T
	full  bool

	// wake holds at most one pending wakeup for the consumer.
	wake chan struct{}
}

// NewSlot returns an empty slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{wake: make(chan struct{}, 1)}
}

// Put stores v, overwriting any unconsumed value, and wakes the consumer.
func (s *Slot[T]) Put(v T) {
	s.mu.Lock()
	s.value = v
	s.full = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
		// A wakeup is already pending.
	}
}

// Take waits for a value and removes it from the slot.
// It returns ctx.Err() if ctx is canceled first.
func (s *Slot[T]) Take(ctx context.Context) (T, error) {
	for {
		if v, ok := s.TryTake(); ok {
			return v, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-s.wake:
		}
	}
}

// TryTake removes and returns the pending value, if any.
func (s *Slot[T]) TryTake() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if !s.full {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.full = false
	return v, true
}
