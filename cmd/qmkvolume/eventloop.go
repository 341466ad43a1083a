package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

// ============================================================================
// Event Loop - the audio event context
// ============================================================================
// Everything that touches the registry, the event adapter or the aggregator
// runs as a task on this loop. Tasks run one at a time to completion and must
// not block. Other goroutines hand work over with Post.
// ============================================================================

// ErrLoopStopped is returned by Post after the loop has exited.
var ErrLoopStopped = errors.New("event loop stopped")

// EventLoop is a single-goroutine, run-to-completion task queue.
type EventLoop struct {
	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	quitOnce sync.Once

	mu      sync.Mutex
	signals []chan os.Signal
}

// NewEventLoop creates a loop with a task buffer of size queue.
func NewEventLoop(queue int, logger *slog.Logger) *EventLoop {
	if queue <= 0 {
		queue = 64
	}
	return &EventLoop{
		tasks:  make(chan func(), queue),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post schedules fn on the loop. It blocks while the task buffer is full and
// fails once the loop has stopped.
func (l *EventLoop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrLoopStopped
	}
}

// Quit asks the loop to stop after the current task. Safe to call from any goroutine.
func (l *EventLoop) Quit() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// AddSignal runs fn on the loop each time sig is delivered to the process.
// The returned function unregisters the handler.
func (l *EventLoop) AddSignal(sig os.Signal, fn func()) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)

	l.mu.Lock()
	l.signals = append(l.signals, ch)
	l.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-l.done:
				return
			case s := <-ch:
				l.logger.Debug("signal received", "signal", s.String())
				if err := l.Post(fn); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(stop)
		})
	}
}

// Run executes tasks until Quit is called or ctx is canceled.
func (l *EventLoop) Run(ctx context.Context) error {
	defer func() {
		close(l.done)
		l.mu.Lock()
		for _, ch := range l.signals {
			signal.Stop(ch)
		}
		l.signals = nil
		l.mu.Unlock()
	}()

	for {
		// Quit wins over queued work.
		select {
		case <-l.quit:
			l.logger.Info("event loop stopping (quit)")
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			l.logger.Info("event loop stopping (context canceled)")
			return nil
		case <-l.quit:
			l.logger.Info("event loop stopping (quit)")
			return nil
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Done is closed after Run returns.
func (l *EventLoop) Done() <-chan struct{} { return l.done }
