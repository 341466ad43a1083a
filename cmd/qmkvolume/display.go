package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Device is one open raw HID handle of a keyboard.
// Write and Read are blocking; there is no read timeout.
type Device interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Path() string
	Close() error
}

// DeviceOpener (re)enumerates keyboards. It is called lazily whenever the
// writer has no usable devices left.
type DeviceOpener func() ([]Device, error)

// TransportError reports a failed write or read on a device handle.
type TransportError struct {
	Path string
	Op   string // "write" or "read"
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DisplayWriter sends commands to every attached keyboard, one at a time.
//
// Owned by the display goroutine only; not safe for concurrent use.
type DisplayWriter struct {
	devices []Device
	open    DeviceOpener
	pacing  time.Duration
	logger  *slog.Logger

	// sleep is replaced in tests.
	sleep func(time.Duration)
}

// NewDisplayWriter creates a writer. pacing is the pause after each device,
// which keeps the firmware within its processing budget.
func NewDisplayWriter(open DeviceOpener, pacing time.Duration, logger *slog.Logger) *DisplayWriter {
	if pacing < 0 {
		pacing = 0
	}
	return &DisplayWriter{
		open:   open,
		pacing: pacing,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// DeviceCount returns the number of currently open devices.
func (w *DisplayWriter) DeviceCount() int { return len(w.devices) }

// Show encodes cmd and drives each device sequentially: write, blocking read of
// the acknowledgement, status check, pacing delay.
//
// A validation error is returned before any device is touched. Per-device
// failures are joined; a device that fails at the transport level is closed and
// will be re-enumerated before the next command.
func (w *DisplayWriter) Show(cmd Command) error {
	packet, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	if len(w.devices) == 0 && w.open != nil {
		devices, err := w.open()
		if err != nil {
			return fmt.Errorf("open displays: %w", err)
		}
		w.devices = devices
		w.logger.Info("display devices opened", "count", len(devices))
	}
	if len(w.devices) == 0 {
		return errors.New("no display devices available")
	}

	var errs []error
	alive := w.devices[:0]
	for _, dev := range w.devices {
		err := w.showOn(dev, packet[:])
		w.sleep(w.pacing)

		if err == nil {
			alive = append(alive, dev)
			continue
		}

		errs = append(errs, err)

		var te *TransportError
		if errors.As(err, &te) {
			w.logger.Warn("dropping display device", "path", dev.Path(), "error", err)
			_ = dev.Close()
			continue
		}
		alive = append(alive, dev)
	}
	w.devices = alive

	return errors.Join(errs...)
}

func (w *DisplayWriter) showOn(dev Device, packet []byte) error {
	w.logger.Debug("sending report", "path", dev.Path(), "data", packet)

	if _, err := dev.Write(packet); err != nil {
		return &TransportError{Path: dev.Path(), Op: "write", Err: err}
	}

	var response [ReportLength]byte
	if _, err := dev.Read(response[:]); err != nil {
		return &TransportError{Path: dev.Path(), Op: "read", Err: err}
	}

	w.logger.Debug("received report", "path", dev.Path(), "data", response[:])

	if err := CheckResponse(response[:]); err != nil {
		return fmt.Errorf("%s: %w", dev.Path(), err)
	}
	return nil
}

// Close releases all open devices.
func (w *DisplayWriter) Close() error {
	var errs []error
	for _, dev := range w.devices {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.devices = nil
	return errors.Join(errs...)
}
