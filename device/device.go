package device

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// NotAvailable stands in for empty payloads and missing manufacturer data.
	NotAvailable = "N/A"
	// UnnamedDevice is shown for devices that never advertised a local name.
	UnnamedDevice = "Unknown"
)

type ManufacturerEntry struct {
	ID         uint16
	IDHex      string
	Name       string
	DataHex    string
	DataBase64 string
}

func NewManufacturerEntry(id uint16, payload []byte, name string) ManufacturerEntry {
	e := ManufacturerEntry{
		ID:         id,
		IDHex:      fmt.Sprintf("%04x", id),
		Name:       name,
		DataHex:    NotAvailable,
		DataBase64: NotAvailable,
	}

	if len(payload) > 0 {
		e.DataHex = hex.EncodeToString(payload)
		e.DataBase64 = base64.StdEncoding.EncodeToString(payload)
	}

	return e
}

func (e ManufacturerEntry) String() string {
	return fmt.Sprintf("manufacturer[id=%v (%v), name=%q, data=%v]", e.ID, e.IDHex, e.Name, e.DataHex)
}

// Record describes one discovered device.
type Record struct {
	Address      string
	Name         string
	Manufacturer []ManufacturerEntry
}

func ToRecord(address, name string, entries []ManufacturerEntry) Record {
	if name == "" {
		name = UnnamedDevice
	}

	return Record{
		Address:      address,
		Name:         name,
		Manufacturer: entries,
	}
}

// Summary is the wire representation of a Record. Only the first manufacturer entry
// is reported.
type Summary struct {
	Address          string `json:"address"`
	Name             string `json:"name"`
	ManufacturerID   string `json:"manufacturer_id"`
	ManufacturerName string `json:"manufacturer_name"`
	ManufacturerData string `json:"manufacturer_data"`
}

// Summary keeps the first manufacturer entry, the others stay on r.Manufacturer.
func (r Record) Summary() Summary {
	s := Summary{
		Address:          r.Address,
		Name:             r.Name,
		ManufacturerID:   NotAvailable,
		ManufacturerName: NotAvailable,
		ManufacturerData: NotAvailable,
	}

	if len(r.Manufacturer) > 0 {
		first := r.Manufacturer[0]

		s.ManufacturerID = first.IDHex
		s.ManufacturerName = first.Name
		s.ManufacturerData = first.DataHex
	}

	return s
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Summary())
}

func (r Record) String() string {
	return fmt.Sprintf("device[addr=%v, name=%q, manufacturers=%v]", r.Address, r.Name, r.Manufacturer)
}
