package main

import (
	"errors"
	"fmt"
	"math"
)

// ============================================================================
// QMK Raw HID Protocol
// ============================================================================
// The keyboard firmware listens on the raw HID interface (usage page 0xFF60,
// usage 0x61). Every command is one 33-byte output report:
//
//   byte 0     report id (always 0x00)
//   byte 1     protocol marker 'A'
//   byte 2     opcode
//   byte 3..   opcode payload, zero padded
//
// The firmware answers with a 32-byte input report; byte 0 == 0x01 is success.
// ============================================================================

const (
	hidUsagePage = 0xFF60
	hidUsage     = 0x61

	// ReportLength is the raw HID report payload size used by QMK.
	ReportLength = 32
	// ReportSize is the size of an encoded output report (report id + payload).
	ReportSize = ReportLength + 1

	protocolMarker byte = 'A'

	opSetVolume byte = 0x01

	responseSuccess byte = 0x01

	maxLevel = 100
)

var (
	// ErrInvalidVolume is returned when a level outside 0-100 is encoded.
	ErrInvalidVolume = errors.New("volume has to be between 0 and 100")

	// ErrUnsuccessful is returned when the keyboard acknowledged a command with a failure status.
	ErrUnsuccessful = errors.New("keyboard failed to indicate volume")
)

// Command is a logical command understood by the keyboard firmware.
type Command interface {
	opcode() byte
	String() string
}

// SetVolume asks the keyboard to display a volume level and mute indicator.
type SetVolume struct {
	Level uint8
	Muted bool
}

func (SetVolume) opcode() byte { return opSetVolume }
func (c SetVolume) String() string {
	return fmt.Sprintf("SetVolume(level=%d, muted=%v)", c.Level, c.Muted)
}

// EncodeCommand produces the output report for cmd.
// Validation happens here and nowhere else before the wire.
func EncodeCommand(cmd Command) ([ReportSize]byte, error) {
	var buf [ReportSize]byte

	switch c := cmd.(type) {
	case SetVolume:
		if c.Level > maxLevel {
			return buf, fmt.Errorf("%w: got %d", ErrInvalidVolume, c.Level)
		}
		buf[0] = 0x00
		buf[1] = protocolMarker
		buf[2] = c.opcode()
		buf[3] = c.Level
		if c.Muted {
			buf[4] = 1
		}
	default:
		return buf, fmt.Errorf("unknown command type: %T", cmd)
	}

	return buf, nil
}

// DecodeCommand parses an output report back into a Command.
// Bytes past the opcode payload are reserved and ignored.
func DecodeCommand(buf []byte) (Command, error) {
	if len(buf) != ReportSize {
		return nil, fmt.Errorf("report must be %d bytes, got %d", ReportSize, len(buf))
	}
	if buf[1] != protocolMarker {
		return nil, fmt.Errorf("unexpected protocol marker 0x%02x", buf[1])
	}

	switch buf[2] {
	case opSetVolume:
		if buf[3] > maxLevel {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidVolume, buf[3])
		}
		if buf[4] > 1 {
			return nil, fmt.Errorf("mute flag must be 0 or 1, got %d", buf[4])
		}
		return SetVolume{Level: buf[3], Muted: buf[4] == 1}, nil
	default:
		return nil, fmt.Errorf("unknown opcode 0x%02x", buf[2])
	}
}

// CheckResponse validates the keyboard's acknowledgement report.
func CheckResponse(resp []byte) error {
	if len(resp) == 0 {
		return errors.New("empty response")
	}
	if resp[0] != responseSuccess {
		return ErrUnsuccessful
	}
	return nil
}

// LevelFromVolume maps a linear volume fraction onto the 0-100 display range
// with a fourth-root curve, so the keyboard's bar tracks perceived loudness.
//
// The curve is part of the firmware contract. Fractions above 1.0 (software
// boost) yield levels above 100, which EncodeCommand rejects.
func LevelFromVolume(volume float32) int {
	v := float64(volume)
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	return int(math.Round(math.Pow(v, 0.25) * 100))
}

// SetVolumeFromLevel builds a SetVolume command from a computed level,
// rejecting levels that do not fit the display range.
func SetVolumeFromLevel(level int, muted bool) (SetVolume, error) {
	if level < 0 || level > maxLevel {
		return SetVolume{}, fmt.Errorf("%w: got %d", ErrInvalidVolume, level)
	}
	return SetVolume{Level: uint8(level), Muted: muted}, nil
}
