package main

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"
)

func runLoop(t *testing.T, l *EventLoop, ctx context.Context) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	return errc
}

func waitLoop(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for loop to stop")
	}
}

func TestEventLoop_RunsTasksInOrder(t *testing.T) {
	l := NewEventLoop(8, discardLogger())
	errc := runLoop(t, l, context.Background())

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		if err := l.Post(func() { got = append(got, i) }); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	if err := l.Post(l.Quit); err != nil {
		t.Fatalf("Post quit: %v", err)
	}
	waitLoop(t, errc)

	for i, v := range got {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("ran %d tasks, want 5", len(got))
	}
}

func TestEventLoop_PostAfterStop(t *testing.T) {
	l := NewEventLoop(1, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errc := runLoop(t, l, ctx)
	cancel()
	waitLoop(t, errc)

	if err := l.Post(func() {}); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("Post after stop err=%v, want ErrLoopStopped", err)
	}
}

func TestEventLoop_QuitIdempotent(t *testing.T) {
	l := NewEventLoop(1, discardLogger())
	errc := runLoop(t, l, context.Background())
	l.Quit()
	l.Quit()
	waitLoop(t, errc)

	select {
	case <-l.Done():
	default:
		t.Fatalf("Done not closed after Run returned")
	}
}

func TestEventLoop_SignalRunsOnLoop(t *testing.T) {
	l := NewEventLoop(4, discardLogger())
	errc := runLoop(t, l, context.Background())

	stop := l.AddSignal(syscall.SIGUSR1, l.Quit)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitLoop(t, errc)
}
