package scan

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blescan_sessions_started_total",
	})
	capabilityFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blescan_adapter_failures_total",
	})
	resolutionFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blescan_manufacturer_resolution_failures_total",
	})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		sessionsCounter,
		capabilityFailuresCounter,
		resolutionFailuresCounter,
	)
}
