// Package metrics exposes Prometheus instrumentation for the router core,
// extending the teacher's own query-count/latency metric vectors with
// vectors for the spec-specific mechanisms the teacher never had: session-
// command mismatch handling, transaction replay, PS reuse, history
// pruning, and backend quarantine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryTotal counts total statements dispatched, by backend and
	// target class (master_only, slave_preferred, current_backend,
	// all_backends).
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxscale_query_total",
			Help: "Total number of statements dispatched",
		},
		[]string{"backend", "target_class"},
	)

	// QueryLatency is a per-target-class dispatch latency histogram. It is
	// registered, but nothing in the module records into it.
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maxscale_query_latency_seconds",
			Help:    "Statement dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target_class"},
	)

	// CacheHits/CacheMisses are named for rescache outcomes (spec §6
	// Filter); internal/filter/rescache does not increment them.
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_cache_hits_total",
			Help: "Total number of rescache filter hits",
		},
	)
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_cache_misses_total",
			Help: "Total number of rescache filter misses",
		},
	)

	// DatabaseQueries counts statements routed to each backend, labeled by
	// backend identity, for per-server load visibility.
	DatabaseQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxscale_database_queries_total",
			Help: "Total statements sent to each backend",
		},
		[]string{"backend"},
	)

	// SessionCommandMismatches counts session-command fan-out outcomes
	// that diverged from the canonical backend's outcome (spec §4.F.3).
	SessionCommandMismatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxscale_session_command_mismatches_total",
			Help: "Session commands whose backend reply diverged from the canonical outcome",
		},
		[]string{"backend"},
	)

	// ReplayAttempts/ReplaySuccesses/ReplayFailures track transaction
	// replay outcomes (spec §4.F.4).
	ReplayAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_replay_attempts_total",
			Help: "Total transaction replay attempts",
		},
	)
	ReplaySuccesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_replay_successes_total",
			Help: "Transaction replays that completed without divergence",
		},
	)
	ReplayFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxscale_replay_failures_total",
			Help: "Transaction replays that were refused or diverged",
		},
		[]string{"reason"},
	)

	// PSReuseHits/PSReuseMisses count the PS reuse cache's outcomes (spec
	// §4.G).
	PSReuseHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_ps_reuse_hits_total",
			Help: "Prepared-statement reuse cache hits",
		},
	)
	PSReuseMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_ps_reuse_misses_total",
			Help: "Prepared-statement reuse cache misses",
		},
	)

	// HistoryPrunes counts sessions whose session-command history was
	// pruned for exceeding the configured size limit, once per session when
	// the first entry is evicted.
	HistoryPrunes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_history_prunes_total",
			Help: "Sessions whose session-command history was first pruned for exceeding the size limit",
		},
	)

	// BackendQuarantines counts backends removed from a session for a
	// state mismatch (history divergence, PS map miss, wire desync).
	BackendQuarantines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxscale_backend_quarantines_total",
			Help: "Backends quarantined out of a session for a state mismatch",
		},
		[]string{"backend", "reason"},
	)

	once sync.Once
)

// Init registers every metric with the default Prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			QueryTotal,
			QueryLatency,
			CacheHits,
			CacheMisses,
			DatabaseQueries,
			SessionCommandMismatches,
			ReplayAttempts,
			ReplaySuccesses,
			ReplayFailures,
			PSReuseHits,
			PSReuseMisses,
			HistoryPrunes,
			BackendQuarantines,
		)
	})
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
