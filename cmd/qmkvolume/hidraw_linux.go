//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

const hidrawGlob = "/dev/hidraw*"

// HIDDevice is an open hidraw node.
type HIDDevice struct {
	f    *os.File
	path string
}

// OpenHID opens a hidraw node for blocking read/write.
func OpenHID(path string) (*HIDDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &HIDDevice{f: f, path: path}, nil
}

func (d *HIDDevice) Write(p []byte) (int, error) { return d.f.Write(p) }
func (d *HIDDevice) Read(p []byte) (int, error)  { return d.f.Read(p) }
func (d *HIDDevice) Path() string                { return d.path }
func (d *HIDDevice) Close() error                { return d.f.Close() }

// hidInfo reads vendor/product ids and the top-level usages of an open node.
func hidInfo(f *os.File, path string) (HIDInfo, error) {
	fd := int(f.Fd())

	raw, err := unix.IoctlHIDGetRawInfo(fd)
	if err != nil {
		return HIDInfo{}, fmt.Errorf("HIDIOCGRAWINFO %s: %w", path, err)
	}

	size, err := unix.IoctlGetUint32(fd, unix.HIDIOCGRDESCSIZE)
	if err != nil {
		return HIDInfo{}, fmt.Errorf("HIDIOCGRDESCSIZE %s: %w", path, err)
	}

	var desc unix.HIDRawReportDescriptor
	// The kernel rejects sizes >= HID_MAX_DESCRIPTOR_SIZE.
	if int(size) >= len(desc.Value) {
		size = uint32(len(desc.Value) - 1)
	}
	desc.Size = size
	if err := unix.IoctlHIDGetDesc(fd, &desc); err != nil {
		return HIDInfo{}, fmt.Errorf("HIDIOCGRDESC %s: %w", path, err)
	}

	return HIDInfo{
		Path:      path,
		VendorID:  uint16(raw.Vendor),
		ProductID: uint16(raw.Product),
		Usages:    parseUsages(desc.Value[:desc.Size]),
	}, nil
}

// EnumerateHID lists hidraw nodes accepted by filter.
// Nodes that cannot be opened (permissions, races with unplug) are skipped.
func EnumerateHID(filter DeviceFilter, logger *slog.Logger) ([]HIDInfo, error) {
	paths, err := filepath.Glob(hidrawGlob)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", hidrawGlob, err)
	}
	sort.Strings(paths)

	var out []HIDInfo
	for _, path := range paths {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			logger.Debug("skipping hidraw node", "path", path, "error", err)
			continue
		}
		info, err := hidInfo(f, path)
		f.Close()
		if err != nil {
			logger.Debug("skipping hidraw node", "path", path, "error", err)
			continue
		}
		if filter.Match(info) {
			out = append(out, info)
		}
	}
	return out, nil
}

// OpenDisplays enumerates and opens every matching keyboard.
func OpenDisplays(filter DeviceFilter, logger *slog.Logger) ([]Device, error) {
	infos, err := EnumerateHID(filter, logger)
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		dev, err := OpenHID(info.Path)
		if err != nil {
			logger.Warn("failed to open display device", "path", info.Path, "error", err)
			continue
		}
		logger.Debug("opened display device",
			"path", info.Path,
			"vendor_id", fmt.Sprintf("0x%04x", info.VendorID),
			"product_id", fmt.Sprintf("0x%04x", info.ProductID))
		devices = append(devices, dev)
	}
	return devices, nil
}
