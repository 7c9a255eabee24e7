package companyid

import "github.com/prometheus/client_golang/prometheus"

var (
	fetchesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blescan_company_ids_fetches_total",
		Help: "Downloads of the company identifier dataset by result.",
	}, []string{"result"})
	cacheLoadsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blescan_company_ids_cache_loads_total",
	})
	staleServesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blescan_company_ids_stale_serves_total",
	})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		fetchesCounter,
		cacheLoadsCounter,
		staleServesCounter,
	)
}
