package main

import (
	"testing"
)

// QMK raw HID interface descriptor.
var rawHIDDescriptor = []byte{
	0x06, 0x60, 0xFF, // Usage Page (0xFF60)
	0x09, 0x61, // Usage (0x61)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x62, 0x15, 0x00, 0x26, 0xFF, 0x00, 0x95, 0x20, 0x75, 0x08, 0x81, 0x02, // Input
	0x09, 0x63, 0x15, 0x00, 0x26, 0xFF, 0x00, 0x95, 0x20, 0x75, 0x08, 0x91, 0x02, // Output
	0xC0, // End Collection
}

// Boot keyboard interface, first collection only.
var keyboardDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xA1, 0x01, // Collection (Application)
	0x05, 0x07, 0x19, 0xE0, 0x29, 0xE7, 0x15, 0x00, 0x25, 0x01, 0x75, 0x01, 0x95, 0x08, 0x81, 0x02,
	0xC0,
}

func TestParseUsages_RawHID(t *testing.T) {
	got := parseUsages(rawHIDDescriptor)
	if len(got) != 1 || got[0] != (usagePair{Page: 0xFF60, Usage: 0x61}) {
		t.Fatalf("got %+v", got)
	}
}

func TestParseUsages_MultipleTopLevelCollections(t *testing.T) {
	desc := append(append([]byte{}, keyboardDescriptor...), rawHIDDescriptor...)
	got := parseUsages(desc)
	want := []usagePair{{Page: 0x01, Usage: 0x06}, {Page: 0xFF60, Usage: 0x61}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestParseUsages_NestedCollectionsIgnored(t *testing.T) {
	desc := []byte{
		0x05, 0x0C, // Usage Page (Consumer)
		0x09, 0x01, // Usage (Consumer Control)
		0xA1, 0x01, // Collection
		0x09, 0x02, // Usage
		0xA1, 0x02, // Collection (Logical), nested
		0xC0,
		0xC0,
	}
	got := parseUsages(desc)
	if len(got) != 1 || got[0] != (usagePair{Page: 0x0C, Usage: 0x01}) {
		t.Fatalf("got %+v", got)
	}
}

func TestParseUsages_ExtendedUsageAndTruncation(t *testing.T) {
	desc := []byte{
		0x0B, 0x61, 0x00, 0x60, 0xFF, // Usage (extended, page 0xFF60 usage 0x61)
		0xA1, 0x01,
		0xC0,
		0x06, 0x60, // truncated item
	}
	got := parseUsages(desc)
	if len(got) != 1 || got[0] != (usagePair{Page: 0xFF60, Usage: 0x61}) {
		t.Fatalf("got %+v", got)
	}
}

func TestParseUsages_LongItemSkipped(t *testing.T) {
	desc := append([]byte{0xFE, 0x02, 0x10, 0xAA, 0xBB}, rawHIDDescriptor...)
	got := parseUsages(desc)
	if len(got) != 1 || got[0].Page != 0xFF60 {
		t.Fatalf("got %+v", got)
	}
}

func TestDeviceFilter_Match(t *testing.T) {
	rawUsage := []usagePair{{Page: 0xFF60, Usage: 0x61}}
	v3 := HIDInfo{Path: "/dev/hidraw0", VendorID: 0x3434, ProductID: 0x0934, Usages: rawUsage}
	other := HIDInfo{Path: "/dev/hidraw1", VendorID: 0x3434, ProductID: 0x0220, Usages: rawUsage}
	foreign := HIDInfo{Path: "/dev/hidraw2", VendorID: 0xFEED, ProductID: 0x0001, Usages: rawUsage}
	kbdIface := HIDInfo{Path: "/dev/hidraw3", VendorID: 0x3434, ProductID: 0x0934, Usages: []usagePair{{Page: 1, Usage: 6}}}

	tests := []struct {
		name   string
		filter DeviceFilter
		want   map[string]bool
	}{
		{
			name:   "none",
			filter: DeviceFilter{Kind: FilterNone},
			want:   map[string]bool{v3.Path: true, other.Path: true, foreign.Path: true, kbdIface.Path: false},
		},
		{
			name:   "vendor",
			filter: DeviceFilter{Kind: FilterVendor, VendorID: 0x3434},
			want:   map[string]bool{v3.Path: true, other.Path: true, foreign.Path: false, kbdIface.Path: false},
		},
		{
			name:   "product",
			filter: DeviceFilter{Kind: FilterProduct, VendorID: 0x3434, ProductID: 0x0934},
			want:   map[string]bool{v3.Path: true, other.Path: false, foreign.Path: false, kbdIface.Path: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, info := range []HIDInfo{v3, other, foreign, kbdIface} {
				if got := tt.filter.Match(info); got != tt.want[info.Path] {
					t.Fatalf("Match(%s)=%v, want %v", info.Path, got, tt.want[info.Path])
				}
			}
		})
	}
}

func TestParseFilterKind(t *testing.T) {
	for in, want := range map[string]FilterKind{
		"":        FilterNone,
		"none":    FilterNone,
		"Vendor":  FilterVendor,
		"product": FilterProduct,
	} {
		got, err := parseFilterKind(in)
		if err != nil || got != want {
			t.Fatalf("parseFilterKind(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := parseFilterKind("serial"); err == nil {
		t.Fatalf("expected error for unknown filter")
	}
}
