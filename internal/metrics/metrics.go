// Package metrics exposes the module host's Prometheus collectors. The
// embedding broker is responsible for serving Handler() over HTTP; this
// package only registers and updates the collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ModulesByState tracks live module records per lifecycle state.
	ModulesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gobroker_modules_by_state",
			Help: "Number of loaded modules currently in each lifecycle state",
		},
		[]string{"state"},
	)

	// MessagesRouted counts messages the host has rewritten and forwarded,
	// by direction (to_module/to_broker) and envelope kind.
	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gobroker_messages_routed_total",
			Help: "Total number of messages routed through the module host",
		},
		[]string{"direction", "kind"},
	)

	// RouteRewriteErrors counts send/receive rewrite failures by reason.
	RouteRewriteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gobroker_route_rewrite_errors_total",
			Help: "Total number of message routing/rewriting failures",
		},
		[]string{"reason"},
	)

	// FinalizingHandshakeDuration records how long the synchronous
	// FINALIZING status-report RPC took to be acknowledged.
	FinalizingHandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gobroker_finalizing_handshake_seconds",
			Help:    "Time spent waiting for the broker to acknowledge FINALIZING",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ModuleLoadDuration records how long Create took to load and wire a
	// module's artifact.
	ModuleLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gobroker_module_load_seconds",
			Help:    "Time taken to load and register a module",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ModulesByState,
		MessagesRouted,
		RouteRewriteErrors,
		FinalizingHandshakeDuration,
		ModuleLoadDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports it to a histogram on ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
