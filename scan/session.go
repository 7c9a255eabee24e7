// Package scan owns the lifecycle of the BLE scanner: it starts and stops the adapter
// on request and lists the devices observed while a scan is running.
package scan

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/robertof/go-blescan-api/device"
	"github.com/rs/zerolog/log"
)

type State uint8

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		panic("unknown scan state: " + strconv.Itoa(int(s)))
	}
}

// States lists every State value.
var States = []State{StateStopped, StateRunning, StateStopping}

var (
	// Start() while the scanner is running or stopping.
	ErrAlreadyRunning = errors.New("scanner already running")
	// Stop() while the scanner is stopped or already stopping.
	ErrNotRunning = errors.New("scanner not running")
	// The adapter failed. The concrete cause is only logged.
	ErrInternal = errors.New("internal scanner error")
)

// Capability is the BLE adapter driven by the session.
type Capability interface {
	// StartScan begins scanning. The returned channel delivers an error if scanning
	// ends on its own.
	StartScan() (<-chan error, error)
	StopScan() error
	// Discovered lists the devices seen by the current scan.
	Discovered() []device.Advertisement
}

type Session struct {
	capability Capability
	decoder    *device.Decoder

	mu    sync.Mutex
	state State
	// set while an adapter start is in flight, the state is still StateStopped.
	starting bool
	stop     *stopSignal
	// closed once the current run completed its cleanup.
	finished chan struct{}
}

func NewSession(capability Capability, decoder *device.Decoder) *Session {
	finished := make(chan struct{})
	close(finished)

	return &Session{
		capability: capability,
		decoder:    decoder,
		stop:       newStopSignal(),
		finished:   finished,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Start runs a scan and blocks until Stop() is called or the adapter fails. The
// adapter is always stopped and the session is back to StateStopped when Start
// returns, except when it was rejected with ErrAlreadyRunning.
func (s *Session) Start() error {
	failed, finished, err := s.begin()

	if err != nil {
		return err
	}

	return s.run(failed, finished)
}

// Launch starts a scan like Start, but returns as soon as the adapter is scanning. The
// rest of the run happens in the background, use Wait() to wait for its cleanup.
func (s *Session) Launch() error {
	failed, finished, err := s.begin()

	if err != nil {
		return err
	}

	go s.run(failed, finished)

	return nil
}

// Stop asks the running scan to end and returns without waiting for it.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		log.Debug().Stringer("State", s.state).Msg("scan: stop rejected")
		return ErrNotRunning
	}

	log.Info().Msg("Stopping BLE scanner")

	s.stop.Set()
	s.state = StateStopping

	return nil
}

// Wait blocks until the last started scan has been cleaned up.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-finished:
		return nil
	}
}

// ListDevices returns the devices seen by the running scan, sorted by address. It
// returns an empty list when the scanner is not running.
func (s *Session) ListDevices(ctx context.Context) []device.Record {
	if s.State() != StateRunning {
		return []device.Record{}
	}

	records, err := s.decoder.DecodeAll(ctx, s.capability.Discovered())

	if err != nil {
		resolutionFailuresCounter.Inc()

		log.Error().
			Err(err).
			Int("Devices", len(records)).
			Msg("Cannot resolve manufacturer names, listing devices without them")
	}

	slices.SortFunc(records, func(a, b device.Record) int {
		return strings.Compare(a.Address, b.Address)
	})

	return records
}

// DeviceCount is the number of devices seen by the running scan.
func (s *Session) DeviceCount() int {
	if s.State() != StateRunning {
		return 0
	}

	return len(s.capability.Discovered())
}

func (s *Session) begin() (<-chan error, chan struct{}, error) {
	s.mu.Lock()

	if s.state != StateStopped || s.starting {
		log.Warn().Stringer("State", s.state).Bool("Starting", s.starting).Msg("scan: start rejected")
		s.mu.Unlock()

		return nil, nil, ErrAlreadyRunning
	}

	log.Info().Msg("Starting BLE scanner")

	// a stop left over from the previous run must not end this one.
	s.stop.Reset()
	s.starting = true
	s.finished = make(chan struct{})
	finished := s.finished
	s.mu.Unlock()

	// the adapter may take a while to accept the scan, readers must not wait on it.
	failed, err := s.capability.StartScan()

	if err != nil {
		capabilityFailuresCounter.Inc()

		log.Error().Err(err).Msg("Failed to start BLE scanner")

		s.stopCapability()

		s.mu.Lock()
		s.starting = false
		close(finished)
		s.mu.Unlock()

		return nil, nil, errors.Wrapf(ErrInternal, "cannot start scanner: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.starting = false
	s.state = StateRunning
	sessionsCounter.Inc()

	log.Info().Msg("BLE scanner started")

	return failed, finished, nil
}

func (s *Session) run(failed <-chan error, finished chan struct{}) (err error) {
	// nothing else touches the adapter until the state is back to stopped, so it can
	// be stopped without holding the lock.
	defer func() {
		s.stopCapability()

		s.mu.Lock()
		s.state = StateStopped
		close(finished)
		s.mu.Unlock()

		log.Info().Msg("BLE scanner stopped")
	}()

	select {
	case <-s.stop.Done():
	case runErr := <-failed:
		capabilityFailuresCounter.Inc()

		log.Error().Err(runErr).Msg("BLE scanner failed while running")

		err = errors.Wrapf(ErrInternal, "scanner failed: %v", runErr)
	}

	return err
}

func (s *Session) stopCapability() {
	if err := s.capability.StopScan(); err != nil {
		capabilityFailuresCounter.Inc()

		log.Error().Err(err).Msg("Failed to stop BLE scanner")
	}
}
