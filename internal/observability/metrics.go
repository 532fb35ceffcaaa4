// Package observability provides Prometheus metrics and stage health
// monitoring for the pipeline.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Ingestion.
	AccountUpdates         prometheus.Counter
	DecodeErrors           prometheus.Counter
	SnapshotsApplied       prometheus.Counter
	SnapshotsStale         prometheus.Counter
	ChangeNoticesCoalesced prometheus.Counter
	VenueDegraded          *prometheus.GaugeVec
	StreamSilenceSeconds   *prometheus.GaugeVec

	// Detection.
	CandidatesEmitted prometheus.Counter
	CandidatesDropped *prometheus.CounterVec
	CyclesIndexed     prometheus.Gauge

	// Solving.
	RoutesSolved       prometheus.Counter
	RoutesStale        prometheus.Counter
	RoutesUnprofitable prometheus.Counter

	// Risk gate.
	PlansAccepted       prometheus.Counter
	PlansRejected       *prometheus.CounterVec
	BreakerState        prometheus.Gauge // 0 normal, 1 throttled, 2 halted
	InflightCapitalUSD  prometheus.Gauge
	RealizedPnLUSD      prometheus.Gauge
	InflightPlans       prometheus.Gauge

	// Execution.
	BundlesSubmitted prometheus.Counter
	Outcomes         *prometheus.CounterVec

	// Latency per stage.
	StageLatency *prometheus.HistogramVec
}

var (
	registeredMu sync.Mutex
	registered   = make(map[string]*Metrics)
)

// NewMetrics registers and returns all pipeline metrics. Registration
// happens once per namespace; later calls with the same namespace return
// the already registered set.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vortex"
	}
	registeredMu.Lock()
	defer registeredMu.Unlock()
	if m, ok := registered[namespace]; ok {
		return m
	}

	m := &Metrics{
		AccountUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "account_updates_total",
			Help: "Account updates received from the stream",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "decode_errors_total",
			Help: "Account decode failures",
		}),
		SnapshotsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "snapshots_applied_total",
			Help: "Snapshots committed to the market state store",
		}),
		SnapshotsStale: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "snapshots_stale_total",
			Help: "Snapshots dropped for non-increasing sequence",
		}),
		ChangeNoticesCoalesced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "change_notices_coalesced_total",
			Help: "Older events dropped in favor of newer state for the same account",
		}),
		VenueDegraded: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "venue_degraded",
			Help: "1 when the venue's stream is degraded",
		}, []string{"venue"}),
		StreamSilenceSeconds: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "stream_silence_seconds",
			Help: "Seconds since the venue's last streamed event",
		}, []string{"venue"}),

		CandidatesEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "detector", Name: "candidates_emitted_total",
			Help: "Candidates passing the price-ratio pre-filter",
		}),
		CandidatesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "detector", Name: "candidates_dropped_total",
			Help: "Candidates dropped before solving, by reason",
		}, []string{"reason"}),
		CyclesIndexed: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "detector", Name: "cycles_indexed",
			Help: "Cycles currently in the pool-graph index",
		}),

		RoutesSolved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "solver", Name: "routes_solved_total",
			Help: "Routes clearing the profit floor",
		}),
		RoutesStale: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "solver", Name: "routes_stale_total",
			Help: "Candidates dropped because a pinned snapshot advanced",
		}),
		RoutesUnprofitable: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "solver", Name: "routes_unprofitable_total",
			Help: "Candidates with no profitable size",
		}),

		PlansAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "riskgate", Name: "plans_accepted_total",
			Help: "Plans admitted by the risk gate",
		}),
		PlansRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "riskgate", Name: "plans_rejected_total",
			Help: "Plans rejected by the risk gate, by rule",
		}, []string{"rule"}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "riskgate", Name: "breaker_state",
			Help: "Circuit breaker state: 0 normal, 1 throttled, 2 halted",
		}),
		InflightCapitalUSD: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "riskgate", Name: "inflight_capital_usd",
			Help: "USD committed across in-flight plans",
		}),
		RealizedPnLUSD: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "riskgate", Name: "realized_pnl_usd",
			Help: "Realized PnL today",
		}),
		InflightPlans: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "riskgate", Name: "inflight_plans",
			Help: "Plans currently in flight",
		}),

		BundlesSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "bundles_submitted_total",
			Help: "Bundles submitted to the relay",
		}),
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "outcomes_total",
			Help: "Terminal plan outcomes by status",
		}, []string{"status"}),

		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_latency_seconds",
			Help:    "Per-stage processing latency",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"stage"}),
	}
	registered[namespace] = m
	return m
}
