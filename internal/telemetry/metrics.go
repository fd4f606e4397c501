package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExportsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_created_total", Help: "Export jobs submitted"})
	ThrottleRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_throttle_rejects_total", Help: "Submissions rejected by the per-tenant throttle"})
	ClaimsWon        = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_claims_total", Help: "Successful job claims"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_claim_conflicts_total", Help: "Claims abandoned because another worker won"})
	ExportsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_completed_total", Help: "Jobs that completed with an artifact"})
	ExportsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_retried_total", Help: "Jobs rescheduled after a transient failure"})
	ExportsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_failed_total", Help: "Jobs that reached terminal failure"})
	Downloads        = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_downloads_total", Help: "Successful download redirects"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exports_inflight", Help: "Jobs currently being generated"})
	SignalDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exports_signal_depth", Help: "Pending wake signals in Redis"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExportsCreated,
			ThrottleRejects,
			ClaimsWon,
			ClaimConflicts,
			ExportsCompleted,
			ExportsRetried,
			ExportsFailed,
			Downloads,
			InFlightGauge,
			SignalDepthGauge,
		)
	})
	return promhttp.Handler()
}
