package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlot_LatestValueWins(t *testing.T) {
	s := NewSlot[string]()
	s.Put("A")
	s.Put("B")
	s.Put("C")

	got, err := s.Take(context.Background())
	if err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if got != "C" {
		t.Fatalf("Take=%q, want C", got)
	}
	if _, ok := s.TryTake(); ok {
		t.Fatalf("slot should be empty after Take")
	}
}

func TestSlot_TakeBlocksUntilPut(t *testing.T) {
	s := NewSlot[int]()

	got := make(chan int, 1)
	go func() {
		v, err := s.Take(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case v := <-got:
		t.Fatalf("Take returned %d before Put", v)
	case <-time.After(50 * time.Millisecond):
	}

	s.Put(7)

	select {
	case v := <-got:
		if v != 7 {
			t.Fatalf("Take=%d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for Take")
	}
}

func TestSlot_TakeCanceled(t *testing.T) {
	s := NewSlot[int]()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := s.Take(ctx)
		errc <- err
	}()

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Take did not return after cancel")
	}
}

func TestSlot_PutNeverBlocks(t *testing.T) {
	s := NewSlot[int]()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Put(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Put blocked without a consumer")
	}

	if v, ok := s.TryTake(); !ok || v != 9999 {
		t.Fatalf("TryTake=%d,%v want 9999,true", v, ok)
	}
}

func TestSlot_ConsumerSeesNewestAfterBurst(t *testing.T) {
	s := NewSlot[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	last := make(chan int, 1)
	go func() {
		seen := -1
		for {
			v, err := s.Take(ctx)
			if err != nil {
				return
			}
			if v < seen {
				t.Errorf("consumer went backwards: %d after %d", v, seen)
			}
			seen = v
			if v == 999 {
				last <- v
				return
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		s.Put(i)
	}

	select {
	case v := <-last:
		if v != 999 {
			t.Fatalf("last=%d", v)
		}
	case <-ctx.Done():
		t.Fatalf("consumer never saw the final value")
	}
}
