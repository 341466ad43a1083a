//go:build !linux

package main

import (
	"errors"
	"log/slog"
)

var errHIDUnsupported = errors.New("hidraw is only supported on linux")

// EnumerateHID is unavailable off Linux.
func EnumerateHID(filter DeviceFilter, logger *slog.Logger) ([]HIDInfo, error) {
	return nil, errHIDUnsupported
}

// OpenDisplays is unavailable off Linux.
func OpenDisplays(filter DeviceFilter, logger *slog.Logger) ([]Device, error) {
	return nil, errHIDUnsupported
}
