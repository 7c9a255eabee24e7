package scan_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robertof/go-blescan-api/companyid"
	"github.com/robertof/go-blescan-api/device"
	"github.com/robertof/go-blescan-api/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapability struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
	running  bool
	failed   chan error
	devices  []device.Advertisement
	// when set, StartScan and StopScan block until they are closed.
	startGate chan struct{}
	stopGate  chan struct{}
}

func (f *fakeCapability) StartScan() (<-chan error, error) {
	f.mu.Lock()
	f.starts += 1
	gate := f.startGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return nil, f.startErr
	}

	f.running = true
	f.failed = make(chan error, 1)

	return f.failed, nil
}

func (f *fakeCapability) StopScan() error {
	f.mu.Lock()
	f.stops += 1
	gate := f.stopGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	return nil
}

func (f *fakeCapability) Discovered() []device.Advertisement {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]device.Advertisement{}, f.devices...)
}

func (f *fakeCapability) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failed <- err
}

func (f *fakeCapability) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.starts, f.stops
}

type staticTables struct {
	err error
}

func (s staticTables) Load(ctx context.Context) (*companyid.Table, error) {
	if s.err != nil {
		return nil, s.err
	}

	return companyid.NewTable(map[string]string{
		"6":  "Microsoft",
		"76": "Apple, Inc.",
	}, time.Now()), nil
}

func newSession(c *fakeCapability) *scan.Session {
	return scan.NewSession(c, device.NewDecoder(staticTables{}))
}

func waitStopped(t *testing.T, s *scan.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Wait(ctx))
	require.Equal(t, scan.StateStopped, s.State())
}

func TestSession_InitialState(t *testing.T) {
	s := newSession(&fakeCapability{})

	assert.Equal(t, scan.StateStopped, s.State())

	devices := s.ListDevices(context.Background())
	assert.NotNil(t, devices)
	assert.Empty(t, devices)

	assert.NoError(t, s.Wait(context.Background()))
}

func TestSession_ListDevicesWhileRunning(t *testing.T) {
	c := &fakeCapability{
		devices: []device.Advertisement{
			{Address: "bb:bb:bb:bb:bb:bb", Manufacturer: []device.ManufacturerData{{ID: 6}}},
			{
				Address:      "aa:aa:aa:aa:aa:aa",
				LocalName:    "iBeacon",
				Manufacturer: []device.ManufacturerData{{ID: 76, Data: []byte{0x02, 0x15}}},
			},
		},
	}
	s := newSession(c)

	require.NoError(t, s.Launch())
	assert.Equal(t, scan.StateRunning, s.State())
	assert.Equal(t, 2, s.DeviceCount())

	got := s.ListDevices(context.Background())

	want := []device.Record{
		{
			Address: "aa:aa:aa:aa:aa:aa",
			Name:    "iBeacon",
			Manufacturer: []device.ManufacturerEntry{
				{ID: 76, IDHex: "004c", Name: "Apple, Inc.", DataHex: "0215", DataBase64: "AhU="},
			},
		},
		{
			Address: "bb:bb:bb:bb:bb:bb",
			Name:    "Unknown",
			Manufacturer: []device.ManufacturerEntry{
				{ID: 6, IDHex: "0006", Name: "Microsoft", DataHex: "N/A", DataBase64: "N/A"},
			},
		},
	}

	assert.Equal(t, want, got)

	require.NoError(t, s.Stop())
	waitStopped(t, s)

	assert.Empty(t, s.ListDevices(context.Background()))
	assert.Zero(t, s.DeviceCount())
}

func TestSession_ListDevicesResolutionFailure(t *testing.T) {
	c := &fakeCapability{
		devices: []device.Advertisement{
			{Address: "aa:aa:aa:aa:aa:aa", Manufacturer: []device.ManufacturerData{{ID: 76, Data: []byte{1}}}},
		},
	}
	s := scan.NewSession(c, device.NewDecoder(staticTables{err: companyid.ErrFetch}))

	require.NoError(t, s.Launch())
	defer func() {
		require.NoError(t, s.Stop())
		waitStopped(t, s)
	}()

	got := s.ListDevices(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "N/A", got[0].Manufacturer[0].Name)
}

func TestSession_StartWhileRunning(t *testing.T) {
	c := &fakeCapability{}
	s := newSession(c)

	require.NoError(t, s.Launch())

	assert.ErrorIs(t, s.Launch(), scan.ErrAlreadyRunning)
	assert.ErrorIs(t, s.Start(), scan.ErrAlreadyRunning)
	assert.Equal(t, scan.StateRunning, s.State())

	// the first scan keeps going.
	starts, stops := c.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)

	require.NoError(t, s.Stop())
	waitStopped(t, s)
}

func TestSession_ConcurrentStarts(t *testing.T) {
	c := &fakeCapability{}
	s := newSession(c)

	var wg sync.WaitGroup
	results := make(chan error, 32)

	for i := 0; i < cap(results); i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			results <- s.Launch()
		}()
	}

	wg.Wait()
	close(results)

	succeeded := 0

	for err := range results {
		if err == nil {
			succeeded += 1
		} else {
			assert.ErrorIs(t, err, scan.ErrAlreadyRunning)
		}
	}

	assert.Equal(t, 1, succeeded)

	starts, _ := c.counts()
	assert.Equal(t, 1, starts)

	require.NoError(t, s.Stop())
	waitStopped(t, s)
}

func TestSession_StopWhenNotRunning(t *testing.T) {
	s := newSession(&fakeCapability{})

	assert.ErrorIs(t, s.Stop(), scan.ErrNotRunning)
	assert.Equal(t, scan.StateStopped, s.State())
}

func TestSession_StopGoesThroughStopping(t *testing.T) {
	gate := make(chan struct{})
	c := &fakeCapability{stopGate: gate}
	s := newSession(c)

	require.NoError(t, s.Launch())
	require.NoError(t, s.Stop())

	// cleanup is now blocked inside StopScan.
	require.Eventually(t, func() bool {
		_, stops := c.counts()
		return stops == 1
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, scan.StateStopping, s.State())
	assert.ErrorIs(t, s.Stop(), scan.ErrNotRunning)
	assert.ErrorIs(t, s.Launch(), scan.ErrAlreadyRunning)
	assert.Empty(t, s.ListDevices(context.Background()))
	assert.Equal(t, scan.StateStopping, s.State())

	close(gate)
	waitStopped(t, s)
}

func TestSession_ReadersDoNotWaitForAdapterStart(t *testing.T) {
	gate := make(chan struct{})
	c := &fakeCapability{startGate: gate}
	s := newSession(c)

	launched := make(chan error, 1)

	go func() {
		launched <- s.Launch()
	}()

	// the adapter start is now in flight.
	require.Eventually(t, func() bool {
		starts, _ := c.counts()
		return starts == 1
	}, 5*time.Second, time.Millisecond)

	read := make(chan struct{})

	go func() {
		defer close(read)

		assert.Equal(t, scan.StateStopped, s.State())
		assert.Empty(t, s.ListDevices(context.Background()))
		assert.Zero(t, s.DeviceCount())
		assert.ErrorIs(t, s.Stop(), scan.ErrNotRunning)
		assert.ErrorIs(t, s.Launch(), scan.ErrAlreadyRunning)
	}()

	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("session calls blocked on the adapter start")
	}

	close(gate)

	select {
	case err := <-launched:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Launch() did not return")
	}

	assert.Equal(t, scan.StateRunning, s.State())

	starts, _ := c.counts()
	assert.Equal(t, 1, starts)

	require.NoError(t, s.Stop())
	waitStopped(t, s)
}

func TestSession_RepeatedCycles(t *testing.T) {
	c := &fakeCapability{}
	s := newSession(c)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Launch())

		// the previous stop must not leak into this run.
		time.Sleep(10 * time.Millisecond)
		require.Equal(t, scan.StateRunning, s.State(), "cycle %d", i)

		require.NoError(t, s.Stop())
		waitStopped(t, s)
	}

	starts, stops := c.counts()
	assert.Equal(t, 3, starts)
	assert.Equal(t, 3, stops)
}

func TestSession_StartBlocksUntilStopped(t *testing.T) {
	c := &fakeCapability{}
	s := newSession(c)

	result := make(chan error, 1)

	go func() {
		result <- s.Start()
	}()

	require.Eventually(t, func() bool {
		return s.State() == scan.StateRunning
	}, 5*time.Second, time.Millisecond)

	select {
	case err := <-result:
		t.Fatalf("Start() returned early: %v", err)
	default:
	}

	require.NoError(t, s.Stop())

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}

	assert.Equal(t, scan.StateStopped, s.State())
}

func TestSession_CapabilityStartFailure(t *testing.T) {
	c := &fakeCapability{startErr: errors.New("hci0: no such device")}
	s := newSession(c)

	err := s.Launch()
	assert.ErrorIs(t, err, scan.ErrInternal)
	assert.Equal(t, scan.StateStopped, s.State())

	// cleanup still ran.
	starts, stops := c.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	assert.ErrorIs(t, s.Start(), scan.ErrInternal)
	assert.Equal(t, scan.StateStopped, s.State())
}

func TestSession_CapabilityFailureWhileRunning(t *testing.T) {
	c := &fakeCapability{}
	s := newSession(c)

	result := make(chan error, 1)

	go func() {
		result <- s.Start()
	}()

	require.Eventually(t, func() bool {
		return s.State() == scan.StateRunning
	}, 5*time.Second, time.Millisecond)

	c.fail(errors.New("hci: connection reset"))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, scan.ErrInternal)
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after the adapter failed")
	}

	assert.Equal(t, scan.StateStopped, s.State())

	_, stops := c.counts()
	assert.Equal(t, 1, stops)

	// and a new scan can be started afterwards.
	require.NoError(t, s.Launch())
	require.NoError(t, s.Stop())
	waitStopped(t, s)
}

func TestStateString(t *testing.T) {
	want := []string{"stopped", "running", "stopping"}

	for i, state := range scan.States {
		assert.Equal(t, want[i], state.String())
	}
}
