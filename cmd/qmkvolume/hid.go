package main

import (
	"fmt"
	"strings"
)

// HIDInfo describes one raw HID node.
type HIDInfo struct {
	Path      string
	VendorID  uint16
	ProductID uint16
	Usages    []usagePair
}

type usagePair struct {
	Page  uint16
	Usage uint16
}

// FilterKind selects how DeviceFilter matches vendor/product ids.
type FilterKind string

const (
	FilterNone    FilterKind = "none"
	FilterVendor  FilterKind = "vendor"
	FilterProduct FilterKind = "product"
)

// DeviceFilter selects keyboards. Regardless of Kind, only nodes exposing the
// QMK raw HID usage page/usage qualify.
type DeviceFilter struct {
	Kind      FilterKind
	VendorID  uint16
	ProductID uint16
}

// Match reports whether info is an acceptable display device.
func (f DeviceFilter) Match(info HIDInfo) bool {
	if !info.hasUsage(hidUsagePage, hidUsage) {
		return false
	}
	switch f.Kind {
	case FilterVendor:
		return info.VendorID == f.VendorID
	case FilterProduct:
		return info.VendorID == f.VendorID && info.ProductID == f.ProductID
	default:
		return true
	}
}

func (f DeviceFilter) String() string {
	switch f.Kind {
	case FilterVendor:
		return fmt.Sprintf("vendor(0x%04x)", f.VendorID)
	case FilterProduct:
		return fmt.Sprintf("product(0x%04x:0x%04x)", f.VendorID, f.ProductID)
	default:
		return "none"
	}
}

func parseFilterKind(s string) (FilterKind, error) {
	switch FilterKind(strings.ToLower(s)) {
	case FilterNone, "":
		return FilterNone, nil
	case FilterVendor:
		return FilterVendor, nil
	case FilterProduct:
		return FilterProduct, nil
	default:
		return "", fmt.Errorf("invalid filter: %s (must be none, vendor, or product)", s)
	}
}

func (i HIDInfo) hasUsage(page, usage uint16) bool {
	for _, u := range i.Usages {
		if u.Page == page && u.Usage == usage {
			return true
		}
	}
	return false
}

// Report descriptor item prefixes (HID 1.11, 6.2.2).
const (
	itemTypeMain   = 0
	itemTypeGlobal = 1
	itemTypeLocal  = 2

	mainTagCollection    = 0x0A
	mainTagEndCollection = 0x0C
	globalTagUsagePage   = 0x00
	localTagUsage        = 0x00

	longItemPrefix = 0xFE
)

// parseUsages returns the (usage page, usage) of every top-level collection
// in a report descriptor. Malformed trailing data ends the walk.
func parseUsages(desc []byte) []usagePair {
	var (
		out      []usagePair
		page     uint16
		usage    uint16
		hasUsage bool
		depth    int
	)

	for i := 0; i < len(desc); {
		prefix := desc[i]

		if prefix == longItemPrefix {
			if i+1 >= len(desc) {
				break
			}
			i += 3 + int(desc[i+1])
			continue
		}

		size := int(prefix & 0x03)
		if size == 3 {
			size = 4
		}
		typ := (prefix >> 2) & 0x03
		tag := (prefix >> 4) & 0x0F

		if i+1+size > len(desc) {
			break
		}
		data := itemData(desc[i+1 : i+1+size])

		switch typ {
		case itemTypeGlobal:
			if tag == globalTagUsagePage {
				page = uint16(data)
			}
		case itemTypeLocal:
			if tag == localTagUsage {
				if size == 4 {
					// Extended usage carries its own page.
					page = uint16(data >> 16)
				}
				usage = uint16(data)
				hasUsage = true
			}
		case itemTypeMain:
			switch tag {
			case mainTagCollection:
				if depth == 0 && hasUsage {
					out = append(out, usagePair{Page: page, Usage: usage})
				}
				depth++
			case mainTagEndCollection:
				if depth > 0 {
					depth--
				}
			}
			// Local items only apply to the next main item.
			hasUsage = false
		}

		i += 1 + size
	}

	return out
}

func itemData(b []byte) uint32 {
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}
