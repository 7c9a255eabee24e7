package ble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-blescan-api/device"
	"github.com/rs/zerolog/log"
)

// DefaultStartGrace is how long StartScan waits for the adapter to reject a scan.
const DefaultStartGrace = 250 * time.Millisecond

var (
	ErrScanInProgress = errors.New("scan already in progress")
	ErrScanEnded      = errors.New("scan ended unexpectedly")
)

var (
	advertisementsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blescan_ble_advertisements_total",
	})
	newDevicesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blescan_ble_discovered_devices_total",
	})
	scanFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blescan_ble_scan_failures_total",
	})
)

type deviceTable = hashmap.Map[string, device.Advertisement]

// Scanner runs a continuous scan in the background and keeps the most recent
// advertisement of every device seen since the scan was started.
type Scanner struct {
	// Errors returned by the adapter within this period fail StartScan() directly,
	// later ones are delivered on the channel it returns.
	StartGrace time.Duration

	scan Scan

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	devices atomic.Pointer[deviceTable]
}

func NewScanner(scan Scan) *Scanner {
	return &Scanner{
		StartGrace: DefaultStartGrace,
		scan:       scan,
	}
}

// StartScan clears the discovered devices and starts scanning. The returned channel
// receives an error if the scan terminates before StopScan() is called.
func (s *Scanner) StartScan() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, ErrScanInProgress
	}

	devices := hashmap.New[string, device.Advertisement]()
	s.devices.Store(devices)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	early := make(chan error, 1)
	failed := make(chan error, 1)

	go func() {
		defer close(done)

		err := s.scan(ctx, func(a Advertisement) {
			s.record(ctx, devices, a)
		})

		if ctx.Err() != nil {
			// stopped on purpose.
			return
		}

		if err == nil {
			err = ErrScanEnded
		}

		scanFailuresCounter.Inc()
		early <- err
	}()

	select {
	case err := <-early:
		cancel()
		<-done

		return nil, err
	case <-time.After(s.StartGrace):
	}

	// from now on failures go to the caller's channel.
	go func() {
		<-done

		select {
		case err := <-early:
			failed <- err
		default:
		}
	}()

	s.cancel = cancel
	s.done = done

	log.Debug().Msg("ble: scan started")

	return failed, nil
}

// StopScan cancels the running scan, if any, and waits for the adapter to stop.
func (s *Scanner) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done

	s.cancel = nil
	s.done = nil

	log.Debug().Msg("ble: scan stopped")

	return nil
}

// Discovered returns the latest advertisement of every device seen by the current (or
// last) scan.
func (s *Scanner) Discovered() []device.Advertisement {
	devices := s.devices.Load()

	if devices == nil {
		return nil
	}

	out := make([]device.Advertisement, 0, devices.Len())

	devices.Range(func(_ string, adv device.Advertisement) bool {
		out = append(out, adv)
		return true
	})

	return out
}

func (s *Scanner) record(ctx context.Context, devices *deviceTable, a Advertisement) {
	// the BLE lib could send an advertisement even after `Scan()` returns.
	if ctx.Err() != nil {
		return
	}

	adv := device.FromBLE(a)
	advertisementsCounter.Inc()

	log.Trace().
		Str("Address", adv.Address).
		Str("LocalName", adv.LocalName).
		Int("RSSI", adv.RSSI).
		Hex("ManufacturerData", a.ManufacturerData()).
		Msg("ble: received advertisement")

	if prev, ok := devices.Get(adv.Address); ok {
		adv = prev.Merge(adv)
	} else {
		newDevicesCounter.Inc()

		log.Debug().
			Str("Address", adv.Address).
			Str("LocalName", adv.LocalName).
			Msg("ble: discovered new device")
	}

	devices.Set(adv.Address, adv)
}
