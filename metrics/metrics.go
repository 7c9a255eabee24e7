package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-blescan-api/scan"
)

var (
	descState = prometheus.NewDesc(
		"blescan_scanner_state",
		"Current state of the scanner, 1 for the active state and 0 for the others.",
		[]string{"state"},
		nil,
	)

	descDevices = prometheus.NewDesc(
		"blescan_discovered_devices",
		"Devices seen by the running scan.",
		nil,
		nil,
	)
)

type Snapshot struct {
	State   scan.State
	Devices int
}

type CollectFunc func() Snapshot

type collector struct {
	CollectFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.CollectFunc()

	for _, state := range scan.States {
		value := 0.0

		if state == snap.State {
			value = 1
		}

		ch <- prometheus.MustNewConstMetric(descState, prometheus.GaugeValue, value, state.String())
	}

	ch <- prometheus.MustNewConstMetric(descDevices, prometheus.GaugeValue, float64(snap.Devices))
}

func RegisterCollector(f CollectFunc, reg prometheus.Registerer) {
	c := &collector{f}

	reg.MustRegister(c)
}

// SessionSnapshot reads the collector data from a scan session.
func SessionSnapshot(s *scan.Session) CollectFunc {
	return func() Snapshot {
		return Snapshot{
			State:   s.State(),
			Devices: s.DeviceCount(),
		}
	}
}
