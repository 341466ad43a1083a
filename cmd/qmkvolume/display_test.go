package main

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeDevice is an in-memory keyboard.
type fakeDevice struct {
	path string

	status   byte
	writeErr error
	readErr  error

	writes [][]byte
	reads  int
	closed bool
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	d.writes = append(d.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.reads++
	if d.readErr != nil {
		return 0, d.readErr
	}
	for i := range p {
		p[i] = 0
	}
	p[0] = d.status
	return len(p), nil
}

func (d *fakeDevice) Path() string { return d.path }

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWriter(devs ...*fakeDevice) (*DisplayWriter, *[]time.Duration, *int) {
	opens := 0
	open := func() ([]Device, error) {
		opens++
		out := make([]Device, 0, len(devs))
		for _, d := range devs {
			out = append(out, d)
		}
		return out, nil
	}
	w := NewDisplayWriter(open, 50*time.Millisecond, discardLogger())
	var sleeps []time.Duration
	w.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return w, &sleeps, &opens
}

func TestDisplayWriter_Success(t *testing.T) {
	a := &fakeDevice{path: "/dev/hidraw1", status: 0x01}
	b := &fakeDevice{path: "/dev/hidraw2", status: 0x01}
	w, sleeps, _ := newTestWriter(a, b)

	if err := w.Show(SetVolume{Level: 42}); err != nil {
		t.Fatalf("Show error: %v", err)
	}

	for _, d := range []*fakeDevice{a, b} {
		if len(d.writes) != 1 || d.reads != 1 {
			t.Fatalf("%s: writes=%d reads=%d, want 1/1", d.path, len(d.writes), d.reads)
		}
		got, err := DecodeCommand(d.writes[0])
		if err != nil {
			t.Fatalf("%s: decode written report: %v", d.path, err)
		}
		if got != (SetVolume{Level: 42}) {
			t.Fatalf("%s: wrote %v", d.path, got)
		}
	}

	if len(*sleeps) != 2 || (*sleeps)[0] != 50*time.Millisecond {
		t.Fatalf("pacing sleeps=%v, want two of 50ms", *sleeps)
	}
	if w.DeviceCount() != 2 {
		t.Fatalf("DeviceCount=%d, want 2", w.DeviceCount())
	}
}

func TestDisplayWriter_UnsuccessfulResponse(t *testing.T) {
	dev := &fakeDevice{path: "/dev/hidraw3", status: 0x00}
	w, _, _ := newTestWriter(dev)

	err := w.Show(SetVolume{Level: 42})
	if !errors.Is(err, ErrUnsuccessful) {
		t.Fatalf("err=%v, want ErrUnsuccessful", err)
	}
	var te *TransportError
	if errors.As(err, &te) {
		t.Fatalf("protocol failure should not be a transport error")
	}
	if dev.closed || w.DeviceCount() != 1 {
		t.Fatalf("device should stay open after a protocol failure")
	}
}

func TestDisplayWriter_WriteFailureSkipsRead(t *testing.T) {
	dev := &fakeDevice{path: "/dev/hidraw4", writeErr: errors.New("broken pipe")}
	w, _, opens := newTestWriter(dev)

	err := w.Show(SetVolume{Level: 42})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err=%v, want TransportError", err)
	}
	if te.Op != "write" || te.Path != "/dev/hidraw4" {
		t.Fatalf("TransportError=%+v", te)
	}
	if dev.reads != 0 {
		t.Fatalf("read attempted after failed write")
	}
	if !dev.closed || w.DeviceCount() != 0 {
		t.Fatalf("device should be dropped after a transport failure")
	}

	// The next command re-enumerates.
	dev.writeErr = nil
	dev.status = 0x01
	dev.closed = false
	if err := w.Show(SetVolume{Level: 43}); err != nil {
		t.Fatalf("Show after reopen: %v", err)
	}
	if *opens != 2 {
		t.Fatalf("opens=%d, want 2", *opens)
	}
}

func TestDisplayWriter_ValidationBeforeIO(t *testing.T) {
	dev := &fakeDevice{path: "/dev/hidraw5", status: 0x01}
	w, sleeps, opens := newTestWriter(dev)

	err := w.Show(SetVolume{Level: 101})
	if !errors.Is(err, ErrInvalidVolume) {
		t.Fatalf("err=%v, want ErrInvalidVolume", err)
	}
	if *opens != 0 || len(dev.writes) != 0 || len(*sleeps) != 0 {
		t.Fatalf("device touched for an invalid command")
	}
}

func TestDisplayWriter_PartialFailureJoinsErrors(t *testing.T) {
	good := &fakeDevice{path: "/dev/hidraw6", status: 0x01}
	bad := &fakeDevice{path: "/dev/hidraw7", readErr: errors.New("timeout")}
	nack := &fakeDevice{path: "/dev/hidraw8", status: 0x02}
	w, _, _ := newTestWriter(good, bad, nack)

	err := w.Show(SetVolume{Level: 10, Muted: true})
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "read" {
		t.Fatalf("err=%v, want read TransportError", err)
	}
	if !errors.Is(err, ErrUnsuccessful) {
		t.Fatalf("err=%v, want ErrUnsuccessful joined", err)
	}
	if len(good.writes) != 1 || len(nack.writes) != 1 {
		t.Fatalf("every device should be attempted")
	}
	if w.DeviceCount() != 2 {
		t.Fatalf("DeviceCount=%d, want 2 (transport failure dropped)", w.DeviceCount())
	}
}

func TestDisplayWriter_NoDevices(t *testing.T) {
	w := NewDisplayWriter(func() ([]Device, error) { return nil, nil }, 0, discardLogger())
	if err := w.Show(SetVolume{Level: 1}); err == nil {
		t.Fatalf("expected error with no devices")
	}
}
