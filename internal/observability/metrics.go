package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popgate_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popgate_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// display decisions labelled by outcome (show/deny) and deny reason
	DecisionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popgate_decisions_total",
			Help: "Total display decisions",
		},
		[]string{"outcome", "reason"},
	)

	// end-to-end decision latency, trigger wait included
	DecisionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "popgate_decision_duration_seconds",
			Help:    "Histogram of display decision latencies",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
	)

	// trigger predicate resolutions by trigger kind and result
	TriggerResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popgate_trigger_results_total",
			Help: "Total trigger predicate resolutions",
		},
		[]string{"trigger", "result"},
	)

	// counter store errors per operation
	CounterStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popgate_counter_store_errors_total",
			Help: "Total frequency counter store errors",
		},
		[]string{"operation"},
	)

	// counter store latency per operation
	CounterStoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popgate_counter_store_duration_seconds",
			Help:    "Histogram of frequency counter store latencies",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"operation"},
	)

	// cap checks resolved by the store failure policy
	CapPolicyApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popgate_cap_failure_policy_total",
			Help: "Total cap checks decided by the store failure policy",
		},
		[]string{"policy"},
	)

	// displays recorded, labelled by source (decide, legacy)
	DisplayCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popgate_displays_total",
			Help: "Total displays recorded",
		},
		[]string{"source"},
	)

	// errors writing display records to the analytics sink
	DisplaySinkErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "popgate_display_sink_errors_total",
			Help: "Total display record sink errors",
		},
	)

	// decision requests rejected by the per-visitor rate limiter
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "popgate_rate_limited_total",
			Help: "Total decision requests rejected by rate limiting",
		},
	)

	// campaign catalog reloads by status
	ReloadCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popgate_reloads_total",
			Help: "Total campaign catalog reloads",
		},
		[]string{"status"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		DecisionCount,
		DecisionLatency,
		TriggerResults,
		CounterStoreErrors,
		CounterStoreLatency,
		CapPolicyApplied,
		DisplayCount,
		DisplaySinkErrors,
		RateLimited,
		ReloadCount,
	)
}
