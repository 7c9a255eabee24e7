package device

import (
	"context"

	"github.com/robertof/go-blescan-api/companyid"
)

// TableLoader provides the company identifier table used to name manufacturers.
type TableLoader interface {
	Load(ctx context.Context) (*companyid.Table, error)
}

// Decoder turns advertisements into manufacturer entries and device records. It holds
// no mutable state and is safe for concurrent use.
type Decoder struct {
	tables TableLoader
}

func NewDecoder(tables TableLoader) *Decoder {
	return &Decoder{tables: tables}
}

// Decode returns one entry per manufacturer payload of adv, in advertisement order.
func (d *Decoder) Decode(ctx context.Context, adv Advertisement) ([]ManufacturerEntry, error) {
	t, err := d.tables.Load(ctx)

	if err != nil {
		return nil, err
	}

	return DecodeWith(t, companyid.DefaultName, adv), nil
}

// DecodeAll converts a batch of advertisements with a single table lookup. When no
// table can be loaded the records are still produced, with NotAvailable as the
// manufacturer name, and the load error is returned alongside them.
func (d *Decoder) DecodeAll(ctx context.Context, advs []Advertisement) ([]Record, error) {
	fallback := companyid.DefaultName
	t, err := d.tables.Load(ctx)

	if err != nil {
		fallback = NotAvailable
	}

	records := make([]Record, 0, len(advs))

	for _, adv := range advs {
		records = append(records, ToRecord(adv.Address, adv.LocalName, DecodeWith(t, fallback, adv)))
	}

	return records, err
}

// DecodeWith decodes adv against a given table; names missing from t become fallback.
func DecodeWith(t *companyid.Table, fallback string, adv Advertisement) []ManufacturerEntry {
	entries := make([]ManufacturerEntry, 0, len(adv.Manufacturer))

	for _, md := range adv.Manufacturer {
		entries = append(entries, NewManufacturerEntry(md.ID, md.Data, t.Lookup(md.ID, fallback)))
	}

	return entries
}
