package ble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
)

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
	return ble.WithSigHandler(ctx, cancel)
}

// Scan reports every advertisement received, duplicates included, until ctx is done.
type Scan func(ctx context.Context, onAdvertisement func(Advertisement)) error

// Perform an active or passive scan and return every advertisement found.
func (h *Handle) ScanAll(ctx context.Context, onAdvertisement func(Advertisement)) error {
	err := h.dev.Scan(ctx, true, onAdvertisement)

	if err != nil {
		return fmt.Errorf("failed to initiate scan: %w", err)
	}

	return nil
}
