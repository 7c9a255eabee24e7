package device

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// ManufacturerData is one manufacturer specific payload, tagged with the company
// identifier it was advertised under.
type ManufacturerData struct {
	ID   uint16
	Data []byte
}

// Advertisement is a driver independent copy of a received BLE advertisement.
type Advertisement struct {
	Address     string
	LocalName   string
	RSSI        int
	Connectable bool
	// in the order the advertisement carried them.
	Manufacturer []ManufacturerData
}

func (a Advertisement) String() string {
	return fmt.Sprintf("advertisement[addr=%v, name=%q, manufacturers=%d]",
		a.Address, a.LocalName, len(a.Manufacturer))
}

// SplitManufacturerData splits the manufacturer specific AD field into the little
// endian company identifier and the vendor payload. ok is false when the field is too
// short to carry an identifier.
func SplitManufacturerData(b []byte) (md ManufacturerData, ok bool) {
	if len(b) < 2 {
		return md, false
	}

	md.ID = binary.LittleEndian.Uint16(b)
	md.Data = append([]byte{}, b[2:]...)

	return md, true
}

// FromBLE copies a go-ble advertisement. The driver may reuse its buffers once the scan
// handler returns, so nothing is retained from a.
func FromBLE(a ble.Advertisement) Advertisement {
	out := Advertisement{
		Address:     strings.ToLower(a.Addr().String()),
		LocalName:   a.LocalName(),
		RSSI:        a.RSSI(),
		Connectable: a.Connectable(),
	}

	if md, ok := SplitManufacturerData(a.ManufacturerData()); ok {
		out.Manufacturer = append(out.Manufacturer, md)
	}

	return out
}

// Merge folds a newer advertisement of the same device into a, keeping what the newer
// one lacks. Scan responses usually carry the name but no manufacturer data, and the
// other way around. Manufacturer payloads are kept per company identifier in the order
// they were first seen, a newer payload replaces the older one for the same identifier.
func (a Advertisement) Merge(next Advertisement) Advertisement {
	merged := next

	if merged.LocalName == "" {
		merged.LocalName = a.LocalName
	}

	merged.Manufacturer = make([]ManufacturerData, 0, len(a.Manufacturer)+len(next.Manufacturer))
	seen := make(map[uint16]int, cap(merged.Manufacturer))

	for _, md := range append(append([]ManufacturerData{}, a.Manufacturer...), next.Manufacturer...) {
		if i, ok := seen[md.ID]; ok {
			merged.Manufacturer[i] = md
			continue
		}

		seen[md.ID] = len(merged.Manufacturer)
		merged.Manufacturer = append(merged.Manufacturer, md)
	}

	if len(merged.Manufacturer) == 0 {
		merged.Manufacturer = nil
	}

	return merged
}
