package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeDumpStream_ConsecutiveArrays(t *testing.T) {
	stream := strings.Join([]string{
		`[`,
		`  {"id": 30, "type": "PipeWire:Interface:Metadata", "props": {"metadata.name": "default"}, "metadata": []},`,
		`  {"id": 45, "type": "PipeWire:Interface:Node", "info": {"props": {"node.name": "speakers"}}}`,
		`]`,
		`[]`,
		`[ {"id": 45, "info": null} ]`,
	}, "\n")

	var batches [][]PWObject
	err := decodeDumpStream(strings.NewReader(stream), func(b []PWObject) error {
		batches = append(batches, b)
		return nil
	}, discardLogger())
	if err != nil {
		t.Fatalf("decodeDumpStream: %v", err)
	}

	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2 (empty arrays skipped)", len(batches))
	}
	if len(batches[0]) != 2 || batches[0][1].ID != 45 {
		t.Fatalf("first batch=%+v", batches[0])
	}
	if !isNull(batches[1][0].Info) {
		t.Fatalf("removal should carry info:null, got %s", batches[1][0].Info)
	}
}

func TestDecodeDumpStream_StopsOnPostError(t *testing.T) {
	stream := `[{"id":1}] [{"id":2}]`
	calls := 0
	err := decodeDumpStream(strings.NewReader(stream), func([]PWObject) error {
		calls++
		return ErrLoopStopped
	}, discardLogger())
	if !errors.Is(err, ErrLoopStopped) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDecodeDumpStream_Garbage(t *testing.T) {
	err := decodeDumpStream(strings.NewReader(`[{"id":1}] {oops`), func([]PWObject) error { return nil }, discardLogger())
	if err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPipeWireMonitor_Args(t *testing.T) {
	m := NewPipeWireMonitor("pw-dump", "", nil, nil, discardLogger())
	if got := strings.Join(m.args(), " "); got != "--monitor --no-colors" {
		t.Fatalf("args=%q", got)
	}
	m = NewPipeWireMonitor("pw-dump", "pipewire-1", nil, nil, discardLogger())
	if got := strings.Join(m.args(), " "); got != "--monitor --no-colors --remote pipewire-1" {
		t.Fatalf("args=%q", got)
	}
}

func TestPipeWireMonitor_MissingCommand(t *testing.T) {
	loop := NewEventLoop(4, discardLogger())
	m := NewPipeWireMonitor("/nonexistent/pw-dump", "", loop, NewRegistry(discardLogger()), discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Run(ctx); err == nil {
		t.Fatalf("expected error starting a missing command")
	}
}
