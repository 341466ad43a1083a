package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

const (
	defaultMetadataName = "default"
	defaultSinkKey      = "default.audio.sink"
	jsonValueType       = "Spa:String:JSON"

	propMetadataName = "metadata.name"
	propDeviceID     = "device.id"
	propNodeName     = "node.name"

	paramChannelVolumes = "channelVolumes"
	paramMute           = "mute"
)

// ErrMalformedEvent marks an audio event whose payload has an unexpected shape.
var ErrMalformedEvent = errors.New("malformed audio event")

// EventAdapter translates registry notifications into aggregator calls.
//
// Every callback it registers captures an aggregatorRef, so callbacks that
// outlive the aggregator do nothing.
type EventAdapter struct {
	registry *Registry
	agg      aggregatorRef
	logger   *slog.Logger

	global *Registration
}

// NewEventAdapter wires registry events to agg. Call Start on the event loop.
func NewEventAdapter(registry *Registry, agg *Aggregator, logger *slog.Logger) *EventAdapter {
	return &EventAdapter{
		registry: registry,
		agg:      agg.Ref(),
		logger:   logger,
	}
}

// Start subscribes to object announcements.
func (e *EventAdapter) Start() {
	if e.global != nil {
		return
	}
	e.global = e.registry.OnGlobal(e.handleGlobal)
}

// Stop unsubscribes from object announcements.
func (e *EventAdapter) Stop() {
	e.global.Remove()
	e.global = nil
}

func (e *EventAdapter) handleGlobal(g Global) {
	agg, ok := e.agg.get()
	if !ok {
		return
	}

	switch g.Type {
	case ObjectMetadata:
		if g.Props[propMetadataName] != defaultMetadataName {
			return
		}
		e.logger.Debug("tracking default metadata", "id", g.ID)

		ref := e.agg
		id := g.ID
		props := e.registry.OnMetadataProperty(id, func(p MetadataProperty) {
			e.handleMetadataProperty(ref, p)
		})
		removed := e.registry.OnRemoved(id, func() {
			if agg, ok := ref.get(); ok {
				agg.Untrack(id)
			}
		})
		agg.TrackMetadata(id, props, removed)

	case ObjectNode:
		if _, ok := g.Props[propDeviceID]; !ok {
			return
		}
		name, ok := g.Props[propNodeName]
		if !ok || name == "" {
			return
		}
		e.logger.Debug("tracking node", "id", g.ID, "node", name)

		ref := e.agg
		id := g.ID
		params := e.registry.OnNodeParams(id, func(raw json.RawMessage) {
			e.handleNodeParams(ref, id, name, raw)
		})
		removed := e.registry.OnRemoved(id, func() {
			if agg, ok := ref.get(); ok {
				agg.Untrack(id)
				agg.RemoveNode(name)
			}
		})
		agg.TrackNode(id, name, params, removed)
	}
}

func (e *EventAdapter) handleMetadataProperty(ref aggregatorRef, p MetadataProperty) {
	if p.Key != defaultSinkKey || p.Type != jsonValueType || p.Value == "" {
		return
	}

	name, err := parseDefaultSink(p.Value)
	if err != nil {
		e.logger.Error("ignoring default sink update", "error", err, "value", p.Value)
		return
	}

	if agg, ok := ref.get(); ok {
		agg.SetDefaultSink(name)
	}
}

func (e *EventAdapter) handleNodeParams(ref aggregatorRef, id uint32, name string, raw json.RawMessage) {
	u, err := parseNodeParams(raw)
	if err != nil {
		e.logger.Error("ignoring node params", "id", id, "node", name, "error", err)
		return
	}
	for _, fe := range u.fieldErrors {
		e.logger.Error("bad node param", "id", id, "node", name, "error", fe)
	}

	if u.Volume == nil {
		e.logger.Warn("no channel volumes for node", "id", id, "node", name)
	}
	if u.Muted == nil {
		e.logger.Warn("no muted status for node", "id", id, "node", name)
	}
	if u.Volume == nil && u.Muted == nil {
		return
	}

	if agg, ok := ref.get(); ok {
		agg.SetVolumeForNode(name, u.NodeUpdate)
	}
}

// parseDefaultSink extracts the sink name from the default.audio.sink JSON value,
// e.g. {"name":"alsa_output.usb-..."}.
func parseDefaultSink(value string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return "", fmt.Errorf("%w: default sink is not valid json: %v", ErrMalformedEvent, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: default sink data is not a json object", ErrMalformedEvent)
	}
	raw, ok := obj["name"]
	if !ok {
		return "", fmt.Errorf("%w: default sink object does not contain name", ErrMalformedEvent)
	}
	name, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: default sink name is not a string", ErrMalformedEvent)
	}
	return name, nil
}

type paramsUpdate struct {
	NodeUpdate
	fieldErrors []error
}

// parseNodeParams reads the first channel volume and the mute flag from a Props
// param object. A field of the wrong type is reported and treated as absent.
func parseNodeParams(raw json.RawMessage) (paramsUpdate, error) {
	var out paramsUpdate

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return out, fmt.Errorf("%w: node parameter is not an object", ErrMalformedEvent)
	}

	if v, ok := fields[paramChannelVolumes]; ok {
		var volumes []float32
		switch err := json.Unmarshal(v, &volumes); {
		case err != nil:
			out.fieldErrors = append(out.fieldErrors, fmt.Errorf("%w: channel volumes are not a float array", ErrMalformedEvent))
		case len(volumes) == 0:
			out.fieldErrors = append(out.fieldErrors, fmt.Errorf("%w: channel volumes are empty", ErrMalformedEvent))
		default:
			vol := volumes[0]
			out.Volume = &vol
		}
	}

	if v, ok := fields[paramMute]; ok {
		var muted bool
		if err := json.Unmarshal(v, &muted); err != nil || isNull(v) {
			out.fieldErrors = append(out.fieldErrors, fmt.Errorf("%w: channel mute is not a bool", ErrMalformedEvent))
		} else {
			out.Muted = &muted
		}
	}

	return out, nil
}
