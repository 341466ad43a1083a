package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"
)

// ============================================================================
// Registry - audio object graph as seen through pw-dump
// ============================================================================
// The registry turns pw-dump's object snapshots into four kinds of
// notifications, the same ones a native PipeWire registry would deliver:
//
//   - global:            a new object appeared (type, id, props)
//   - metadata property: a key of a metadata object changed
//   - node params:       a node reported its Props params
//   - removed:           an object disappeared
//
// All methods must be called on the event loop.
// ============================================================================

// ObjectType classifies registry objects.
type ObjectType int

const (
	ObjectOther ObjectType = iota
	ObjectMetadata
	ObjectNode
)

const (
	pwTypeNode     = "PipeWire:Interface:Node"
	pwTypeMetadata = "PipeWire:Interface:Metadata"
)

func objectTypeOf(s string) ObjectType {
	switch s {
	case pwTypeNode:
		return ObjectNode
	case pwTypeMetadata:
		return ObjectMetadata
	default:
		return ObjectOther
	}
}

func (t ObjectType) String() string {
	switch t {
	case ObjectNode:
		return "node"
	case ObjectMetadata:
		return "metadata"
	default:
		return "other"
	}
}

// Global is a newly announced registry object.
type Global struct {
	ID    uint32
	Type  ObjectType
	Props map[string]string
}

// MetadataProperty is one metadata key change. An empty Value means the key was cleared.
type MetadataProperty struct {
	Subject uint32
	Key     string
	Type    string
	Value   string
}

// PWObject is one element of a pw-dump JSON array.
type PWObject struct {
	ID       uint32                     `json:"id"`
	Type     string                     `json:"type"`
	Info     json.RawMessage            `json:"info"`
	Props    map[string]json.RawMessage `json:"props"`
	Metadata json.RawMessage            `json:"metadata"`
}

type pwInfo struct {
	Props  map[string]json.RawMessage   `json:"props"`
	Params map[string][]json.RawMessage `json:"params"`
}

type pwMetadataEntry struct {
	Subject uint32          `json:"subject"`
	Key     string          `json:"key"`
	Type    string          `json:"type"`
	Value   json.RawMessage `json:"value"`
}

var jsonNull = []byte("null")

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// Registration is a handle for one registered callback.
type Registration struct {
	remove func()
}

// Remove unregisters the callback. Calling it more than once is harmless.
func (r *Registration) Remove() {
	if r == nil || r.remove == nil {
		return
	}
	r.remove()
	r.remove = nil
}

type metadataKey struct {
	subject uint32
	key     string
}

type registryObject struct {
	typ      ObjectType
	metadata map[metadataKey]MetadataProperty
}

// Registry tracks live objects and dispatches notifications to listeners.
type Registry struct {
	logger *slog.Logger

	objects map[uint32]*registryObject

	nextID   int
	globals  map[int]func(Global)
	props    map[uint32]map[int]func(MetadataProperty)
	params   map[uint32]map[int]func(json.RawMessage)
	removals map[uint32]map[int]func()
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		objects:  make(map[uint32]*registryObject),
		globals:  make(map[int]func(Global)),
		props:    make(map[uint32]map[int]func(MetadataProperty)),
		params:   make(map[uint32]map[int]func(json.RawMessage)),
		removals: make(map[uint32]map[int]func()),
	}
}

// OnGlobal registers fn for every object announced after this call.
func (r *Registry) OnGlobal(fn func(Global)) *Registration {
	id := r.allocID()
	r.globals[id] = fn
	return &Registration{remove: func() { delete(r.globals, id) }}
}

// OnMetadataProperty registers fn for property changes of metadata object objID.
func (r *Registry) OnMetadataProperty(objID uint32, fn func(MetadataProperty)) *Registration {
	return addListener(r, r.props, objID, fn)
}

// OnNodeParams registers fn for Props param updates of node objID.
func (r *Registry) OnNodeParams(objID uint32, fn func(json.RawMessage)) *Registration {
	return addListener(r, r.params, objID, fn)
}

// OnRemoved registers fn to run once when objID disappears.
func (r *Registry) OnRemoved(objID uint32, fn func()) *Registration {
	return addListener(r, r.removals, objID, fn)
}

func addListener[F any](r *Registry, m map[uint32]map[int]F, objID uint32, fn F) *Registration {
	id := r.allocID()
	ls, ok := m[objID]
	if !ok {
		ls = make(map[int]F)
		m[objID] = ls
	}
	ls[id] = fn
	return &Registration{remove: func() {
		if ls, ok := m[objID]; ok {
			delete(ls, id)
			if len(ls) == 0 {
				delete(m, objID)
			}
		}
	}}
}

func (r *Registry) allocID() int {
	r.nextID++
	return r.nextID
}

// Len returns the number of live objects.
func (r *Registry) Len() int { return len(r.objects) }

// Apply folds one pw-dump batch into the registry and dispatches notifications.
func (r *Registry) Apply(batch []PWObject) {
	for _, obj := range batch {
		r.applyObject(obj)
	}
}

func (r *Registry) applyObject(obj PWObject) {
	if isNull(obj.Info) {
		r.removeObject(obj.ID)
		return
	}

	var info pwInfo
	if len(obj.Info) > 0 {
		if err := json.Unmarshal(obj.Info, &info); err != nil {
			r.logger.Warn("malformed object info", "id", obj.ID, "error", err)
			return
		}
	}

	if _, known := r.objects[obj.ID]; !known {
		typ := objectTypeOf(obj.Type)
		r.objects[obj.ID] = &registryObject{
			typ:      typ,
			metadata: make(map[metadataKey]MetadataProperty),
		}

		props := info.Props
		if props == nil {
			props = obj.Props
		}
		g := Global{ID: obj.ID, Type: typ, Props: stringifyProps(props)}
		r.logger.Debug("global added", "id", g.ID, "type", g.Type.String())
		for _, id := range sortedKeys(r.globals) {
			if fn, ok := r.globals[id]; ok {
				fn(g)
			}
		}
	}

	for _, param := range info.Params["Props"] {
		r.dispatchParams(obj.ID, param)
	}

	if len(obj.Metadata) > 0 && !isNull(obj.Metadata) {
		r.applyMetadata(obj.ID, obj.Metadata)
	}
}

func (r *Registry) applyMetadata(objID uint32, raw json.RawMessage) {
	var entries []pwMetadataEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		r.logger.Warn("malformed metadata", "id", objID, "error", err)
		return
	}

	o, ok := r.objects[objID]
	if !ok {
		return
	}

	seen := make(map[metadataKey]bool, len(entries))
	for _, e := range entries {
		k := metadataKey{subject: e.Subject, key: e.Key}
		seen[k] = true

		p := MetadataProperty{Subject: e.Subject, Key: e.Key, Type: e.Type, Value: metadataValueText(e.Value)}
		if prev, ok := o.metadata[k]; ok && prev == p {
			continue
		}
		o.metadata[k] = p
		r.dispatchProperty(objID, p)
	}

	for k, prev := range o.metadata {
		if seen[k] {
			continue
		}
		delete(o.metadata, k)
		r.dispatchProperty(objID, MetadataProperty{Subject: prev.Subject, Key: prev.Key})
	}
}

func (r *Registry) removeObject(objID uint32) {
	if _, ok := r.objects[objID]; !ok {
		return
	}
	delete(r.objects, objID)
	r.logger.Debug("global removed", "id", objID)

	fns := r.removals[objID]
	delete(r.removals, objID)
	for _, id := range sortedKeys(fns) {
		fns[id]()
	}

	delete(r.props, objID)
	delete(r.params, objID)
}

func (r *Registry) dispatchParams(objID uint32, param json.RawMessage) {
	ls := r.params[objID]
	for _, id := range sortedKeys(ls) {
		if fn, ok := ls[id]; ok {
			fn(param)
		}
	}
}

func (r *Registry) dispatchProperty(objID uint32, p MetadataProperty) {
	ls := r.props[objID]
	for _, id := range sortedKeys(ls) {
		if fn, ok := ls[id]; ok {
			fn(p)
		}
	}
}

// stringifyProps flattens pw-dump props to strings: JSON strings are unquoted,
// every other value keeps its JSON text (so "device.id": 44 becomes "44").
func stringifyProps(raw map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if isNull(v) {
			continue
		}
		out[k] = jsonText(v)
	}
	return out
}

func metadataValueText(v json.RawMessage) string {
	if len(v) == 0 || isNull(v) {
		return ""
	}
	return jsonText(v)
}

func jsonText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(v))
}

// sortedKeys gives listeners a stable, registration-ordered dispatch.
func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
