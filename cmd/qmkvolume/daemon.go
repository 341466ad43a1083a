package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Daemon - event-context wiring
// ============================================================================
//
// Daemon owns everything that lives on the event loop: the registry, the
// event adapter and the aggregator. Other goroutines reach them only through
// call, which posts a closure and waits for it to finish.
//
// Outputs leave the event context two ways:
//   - the latest effective volume is Put into the handoff slot (display consumer)
//   - a BroadcastVolumeChanged is offered to the state websocket broadcaster
// ============================================================================

type Daemon struct {
	loop     *EventLoop
	registry *Registry
	agg      *Aggregator
	adapter  *EventAdapter

	slot       *Slot[EffectiveVolume]
	broadcasts chan<- StateBroadcast

	logger *slog.Logger
}

// NewDaemon builds the event-context components. broadcasts may be nil.
func NewDaemon(loop *EventLoop, slot *Slot[EffectiveVolume], broadcasts chan<- StateBroadcast, logger *slog.Logger) *Daemon {
	d := &Daemon{
		loop:       loop,
		registry:   NewRegistry(logger.With("component", "registry")),
		slot:       slot,
		broadcasts: broadcasts,
		logger:     logger,
	}
	d.agg = NewAggregator(d.publish, logger.With("component", "aggregator"))
	d.adapter = NewEventAdapter(d.registry, d.agg, logger.With("component", "adapter"))
	return d
}

// Registry returns the registry the pw-dump monitor feeds.
func (d *Daemon) Registry() *Registry { return d.registry }

func (d *Daemon) publish(v EffectiveVolume) {
	d.slot.Put(v)
	PublishBroadcast(d.broadcasts, BroadcastVolumeChanged{Volume: v, At: time.Now()})
}

// Start subscribes the adapter on the event loop.
func (d *Daemon) Start() error {
	return d.loop.Post(d.adapter.Start)
}

// Shutdown releases every registry subscription. Call after the loop has stopped.
func (d *Daemon) Shutdown() {
	d.adapter.Stop()
	d.agg.Close()
}

// call runs fn on the event loop and waits for it.
func (d *Daemon) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := d.loop.Post(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.loop.Done():
		// The task may still have run just before the loop exited.
		select {
		case <-done:
			return nil
		default:
			return ErrLoopStopped
		}
	}
}

// Snapshot returns the state a new websocket client starts from.
func (d *Daemon) Snapshot(ctx context.Context) (StateSnapshot, error) {
	var snap StateSnapshot
	err := d.call(ctx, func() {
		snap.Volume = d.agg.Current()
		snap.DefaultSink, _ = d.agg.DefaultSink()
	})
	return snap, err
}

// State implements Controller.
func (d *Daemon) State(ctx context.Context) (IPCState, error) {
	var st IPCState
	err := d.call(ctx, func() {
		v := d.agg.Current()
		st = IPCState{
			Volume: v.Volume,
			Muted:  v.Muted,
			Valid:  v.Valid,
			Nodes:  d.agg.NodeCount(),
		}
		if v.Valid {
			st.Level = LevelFromVolume(v.Volume)
		}
		st.DefaultSink, _ = d.agg.DefaultSink()
	})
	return st, err
}

// Resync implements Controller: it republishes the current effective volume so
// the keyboards get repainted.
func (d *Daemon) Resync(ctx context.Context) error {
	return d.call(ctx, func() {
		d.logger.Info("resync requested")
		d.agg.Republish()
	})
}
