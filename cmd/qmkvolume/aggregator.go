package main

import (
	"fmt"
	"log/slog"
)

// EffectiveVolume is the volume/mute of the current default sink.
// The zero value means "unknown": no default sink, or no facts for it yet.
type EffectiveVolume struct {
	Volume float32
	Muted  bool
	Valid  bool
}

func (v EffectiveVolume) String() string {
	if !v.Valid {
		return "none"
	}
	return fmt.Sprintf("%.3f (muted=%v)", v.Volume, v.Muted)
}

// NodeVolume holds the last known facts for one audio node.
type NodeVolume struct {
	Volume float32
	Muted  bool
}

// NodeUpdate carries the fields a params event reported; nil means "not reported".
type NodeUpdate struct {
	Volume *float32
	Muted  *bool
}

// subscriptionKind tags what a tracked registry object is.
type subscriptionKind int

const (
	subMetadata subscriptionKind = iota
	subNode
)

// subscription owns the registry callbacks of one tracked object.
// node is only set for subNode.
type subscription struct {
	kind subscriptionKind
	node string
	regs []*Registration
}

func (s subscription) release() {
	for _, r := range s.regs {
		r.Remove()
	}
}

// Aggregator folds node and default-sink facts into a single effective volume
// and tells its listener when, and only when, that value changes.
//
// Event-loop owned; no locking.
type Aggregator struct {
	nodes       map[string]NodeVolume
	defaultSink string
	hasDefault  bool
	effective   EffectiveVolume

	subs map[uint32]subscription

	listener func(EffectiveVolume)
	logger   *slog.Logger

	slot *aggregatorSlot
}

// aggregatorSlot is the arena cell the aggregator lives in. Callbacks hold the
// slot, never the aggregator, so Close makes every stale callback a no-op.
type aggregatorSlot struct {
	agg *Aggregator
}

// aggregatorRef is a non-owning handle to an aggregator.
type aggregatorRef struct {
	slot *aggregatorSlot
}

// get returns the aggregator, or false after it was closed.
func (r aggregatorRef) get() (*Aggregator, bool) {
	if r.slot == nil || r.slot.agg == nil {
		return nil, false
	}
	return r.slot.agg, true
}

// NewAggregator creates an aggregator that reports changes to listener.
func NewAggregator(listener func(EffectiveVolume), logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		nodes:    make(map[string]NodeVolume),
		subs:     make(map[uint32]subscription),
		listener: listener,
		logger:   logger,
	}
	a.slot = &aggregatorSlot{agg: a}
	return a
}

// Ref returns a non-owning handle for use in callbacks.
func (a *Aggregator) Ref() aggregatorRef {
	return aggregatorRef{slot: a.slot}
}

// Current returns the last emitted effective volume.
func (a *Aggregator) Current() EffectiveVolume { return a.effective }

// DefaultSink returns the current default sink name, if known.
func (a *Aggregator) DefaultSink() (string, bool) { return a.defaultSink, a.hasDefault }

// NodeCount returns the number of nodes with known facts.
func (a *Aggregator) NodeCount() int { return len(a.nodes) }

// SetDefaultSink records the default output node.
func (a *Aggregator) SetDefaultSink(name string) {
	if a.hasDefault && a.defaultSink == name {
		return
	}
	a.defaultSink = name
	a.hasDefault = true
	a.logger.Info("default sink changed", "sink", name)
	a.recompute()
}

// SetVolumeForNode merges u into the facts for name. Fields missing from u keep
// their previous value; a node is only created once both fields are known.
func (a *Aggregator) SetVolumeForNode(name string, u NodeUpdate) {
	nv, ok := a.nodes[name]
	if !ok && (u.Volume == nil || u.Muted == nil) {
		a.logger.Debug("ignoring partial update for unknown node", "node", name)
		return
	}
	if u.Volume != nil {
		nv.Volume = *u.Volume
	}
	if u.Muted != nil {
		nv.Muted = *u.Muted
	}
	a.nodes[name] = nv

	if a.hasDefault && a.defaultSink == name {
		a.recompute()
	}
}

// RemoveNode forgets the facts for name.
func (a *Aggregator) RemoveNode(name string) {
	if _, ok := a.nodes[name]; !ok {
		return
	}
	delete(a.nodes, name)
	if a.hasDefault && a.defaultSink == name {
		a.recompute()
	}
}

// TrackMetadata takes ownership of the registrations of a metadata object.
func (a *Aggregator) TrackMetadata(id uint32, regs ...*Registration) {
	a.track(id, subscription{kind: subMetadata, regs: regs})
}

// TrackNode takes ownership of the registrations of a volume-bearing node.
func (a *Aggregator) TrackNode(id uint32, name string, regs ...*Registration) {
	a.track(id, subscription{kind: subNode, node: name, regs: regs})
	a.recompute()
}

func (a *Aggregator) track(id uint32, s subscription) {
	if prev, ok := a.subs[id]; ok {
		prev.release()
	}
	a.subs[id] = s
}

// Untrack releases the registrations held for id.
func (a *Aggregator) Untrack(id uint32) {
	s, ok := a.subs[id]
	if !ok {
		return
	}
	delete(a.subs, id)
	s.release()
}

// Tracked reports whether id has a live subscription.
func (a *Aggregator) Tracked(id uint32) bool {
	_, ok := a.subs[id]
	return ok
}

// Republish sends the current effective volume to the listener even if it did
// not change. Used to repaint keyboards that were plugged in later.
func (a *Aggregator) Republish() {
	if a.listener != nil {
		a.listener(a.effective)
	}
}

// Close releases every subscription and invalidates outstanding refs.
func (a *Aggregator) Close() {
	for id, s := range a.subs {
		s.release()
		delete(a.subs, id)
	}
	a.slot.agg = nil
}

func (a *Aggregator) recompute() {
	var next EffectiveVolume
	if a.hasDefault {
		if nv, ok := a.nodes[a.defaultSink]; ok {
			next = EffectiveVolume{Volume: nv.Volume, Muted: nv.Muted, Valid: true}
		}
	}

	if next == a.effective {
		return
	}
	a.effective = next
	a.logger.Debug("effective volume changed", "volume", next.String())
	if a.listener != nil {
		a.listener(next)
	}
}
