package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// PipeWireMonitor feeds the registry from `pw-dump --monitor`.
//
// pw-dump prints one JSON array with every object at startup, then one array
// per change. Each array is applied to the registry as a single task on the
// event loop.
type PipeWireMonitor struct {
	command  string
	remote   string
	loop     *EventLoop
	registry *Registry
	logger   *slog.Logger
}

// NewPipeWireMonitor creates a monitor. command is the pw-dump executable;
// remote optionally selects a PipeWire remote name.
func NewPipeWireMonitor(command, remote string, loop *EventLoop, registry *Registry, logger *slog.Logger) *PipeWireMonitor {
	return &PipeWireMonitor{
		command:  command,
		remote:   remote,
		loop:     loop,
		registry: registry,
		logger:   logger,
	}
}

func (m *PipeWireMonitor) args() []string {
	args := []string{"--monitor", "--no-colors"}
	if m.remote != "" {
		args = append(args, "--remote", m.remote)
	}
	return args
}

// Run starts pw-dump and streams its output until ctx is canceled or pw-dump exits.
// pw-dump exiting on its own is an error: the daemon has lost its audio source.
func (m *PipeWireMonitor) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.command, m.args()...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pw-dump stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", m.command, err)
	}
	m.logger.Info("pipewire monitor started", "command", m.command, "args", strings.Join(m.args(), " "))

	decodeErr := decodeDumpStream(stdout, func(batch []PWObject) error {
		return m.loop.Post(func() { m.registry.Apply(batch) })
	}, m.logger)

	// Unblock pw-dump if we stopped reading early.
	_ = stdout.Close()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if decodeErr != nil && !errors.Is(decodeErr, ErrLoopStopped) {
		return fmt.Errorf("pw-dump output: %w", decodeErr)
	}
	if errors.Is(decodeErr, ErrLoopStopped) {
		return nil
	}
	if waitErr != nil {
		return fmt.Errorf("pw-dump exited: %w (stderr: %s)", waitErr, strings.TrimSpace(stderr.String()))
	}
	return errors.New("pw-dump exited")
}

// decodeDumpStream decodes consecutive JSON arrays from r and hands each one to
// post. It returns nil on clean EOF.
func decodeDumpStream(r io.Reader, post func([]PWObject) error, logger *slog.Logger) error {
	dec := json.NewDecoder(r)
	for {
		var batch []PWObject
		if err := dec.Decode(&batch); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(batch) == 0 {
			continue
		}
		logger.Debug("pw-dump batch", "objects", len(batch))
		if err := post(batch); err != nil {
			return err
		}
	}
}
