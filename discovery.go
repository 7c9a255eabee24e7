package main

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/robertof/go-blescan-api/ble"
	"github.com/robertof/go-blescan-api/companyid"
	"github.com/robertof/go-blescan-api/device"
	"github.com/robertof/go-blescan-api/utils"
)

const discoveryDuration = 5 * time.Second

func doDeviceDiscovery(cfg config, resolver *companyid.Resolver) {
	log.Info().Msg("Starting in device discovery mode - collecting devices for 5 seconds...")

	handle, err := ble.Init(cfg.BluetoothDeviceId, ble.FlagScanTypeActive)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
	}

	defer handle.Stop()

	ctx := ble.WrapContextWithSigHandler(
		context.WithTimeout(
			context.Background(),
			discoveryDuration,
		),
	)

	devices := make(map[string]device.Advertisement)

	err = handle.ScanAll(ctx, func(a ble.Advertisement) {
		adv := device.FromBLE(a)

		if prev, ok := devices[adv.Address]; ok {
			adv = prev.Merge(adv)
		}

		devices[adv.Address] = adv

		log.Debug().
			Str("Addr", adv.Address).
			Str("Name", adv.LocalName).
			Int("RSSI", adv.RSSI).
			Bool("Connectable", adv.Connectable).
			Hex("ManufacturerData", a.ManufacturerData()).
			Msg("Received device advertisement")
	})

	if err != nil && !utils.ErrorIsAnyOf(err, context.Canceled, context.DeadlineExceeded) {
		log.Fatal().Err(err).Msg("Failed to initiate scan")
	}

	log.Info().Int("Found", len(devices)).Msg("Finished device discovery")

	decoder := device.NewDecoder(resolver)
	addrs := maps.Keys(devices)
	sort.Strings(addrs)

	records, err := decoder.DecodeAll(context.Background(), maps.Values(devices))

	if err != nil {
		log.Warn().Err(err).Msg("Cannot resolve manufacturer names")
	}

	byAddr := make(map[string]device.Record, len(records))

	for _, record := range records {
		byAddr[record.Address] = record
	}

	for _, addr := range addrs {
		record := byAddr[addr]

		log.Info().
			Str("Addr", addr).
			Str("Name", record.Name).
			Bool("Connectable", devices[addr].Connectable).
			Array("Manufacturer", utils.ToZeroLogArray(record.Manufacturer)).
			Msg("Found device")
	}
}
