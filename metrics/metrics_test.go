package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robertof/go-blescan-api/scan"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()

	RegisterCollector(func() Snapshot {
		return Snapshot{State: scan.StateRunning, Devices: 3}
	}, reg)

	expected := `
# HELP blescan_discovered_devices Devices seen by the running scan.
# TYPE blescan_discovered_devices gauge
blescan_discovered_devices 3
# HELP blescan_scanner_state Current state of the scanner, 1 for the active state and 0 for the others.
# TYPE blescan_scanner_state gauge
blescan_scanner_state{state="running"} 1
blescan_scanner_state{state="stopped"} 0
blescan_scanner_state{state="stopping"} 0
`

	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected)); err != nil {
		t.Fatal(err)
	}
}
