package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	OrdersCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_created_total", Help: "Orders opened"})
	OrdersCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_completed_total", Help: "Orders completed"})
	OrdersCancelled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_cancelled_total", Help: "Orders cancelled"})
	OrdersDisputed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_disputed_total", Help: "Orders moved to dispute"})
	EscrowHolds      = prometheus.NewCounter(prometheus.CounterOpts{Name: "escrow_holds_total", Help: "Escrow accounts funded"})
	EscrowSettled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "escrow_settled_total", Help: "Escrow accounts released or refunded"})
	ReviewsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "reviews_submitted_total", Help: "Reviews stored"})
	RecalcCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "recalc_jobs_completed_total", Help: "Recalculation jobs completed"})
	RecalcFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "recalc_jobs_failed_total", Help: "Recalculation jobs failed"})
	ProofsArchived   = prometheus.NewCounter(prometheus.CounterOpts{Name: "proofs_archived_total", Help: "Proof bundles archived"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	RecalcQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recalc_queue_depth", Help: "Ready recalculation queue depth"})
	RecalcInFlight   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recalc_inflight", Help: "Recalculation jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			OrdersCreated,
			OrdersCompleted,
			OrdersCancelled,
			OrdersDisputed,
			EscrowHolds,
			EscrowSettled,
			ReviewsSubmitted,
			RecalcCompleted,
			RecalcFailed,
			ProofsArchived,
			RateLimitRejects,
			RecalcQueueDepth,
			RecalcInFlight,
		)
	})
	return promhttp.Handler()
}
