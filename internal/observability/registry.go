package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// This replaces direct access to global Prometheus metrics with dependency injection
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Decision pipeline metrics
	IncrementDecisions(outcome, reason string)
	RecordDecisionLatency(duration time.Duration)

	// Trigger evaluation metrics
	IncrementTriggerResults(trigger, result string)

	// Frequency counter store metrics
	IncrementCounterStoreErrors(operation string)
	RecordCounterStoreLatency(operation string, duration time.Duration)
	IncrementCapPolicyApplied(policy string)

	// Display recording metrics
	IncrementDisplays(source string)
	IncrementDisplaySinkErrors()

	// Rate limiting metrics
	IncrementRateLimited()

	// Catalog metrics
	IncrementReloads(status string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Decision pipeline metrics
func (r *PrometheusRegistry) IncrementDecisions(outcome, reason string) {
	DecisionCount.WithLabelValues(outcome, reason).Inc()
}

func (r *PrometheusRegistry) RecordDecisionLatency(duration time.Duration) {
	DecisionLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementTriggerResults(trigger, result string) {
	TriggerResults.WithLabelValues(trigger, result).Inc()
}

// Frequency counter store metrics
func (r *PrometheusRegistry) IncrementCounterStoreErrors(operation string) {
	CounterStoreErrors.WithLabelValues(operation).Inc()
}

func (r *PrometheusRegistry) RecordCounterStoreLatency(operation string, duration time.Duration) {
	CounterStoreLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementCapPolicyApplied(policy string) {
	CapPolicyApplied.WithLabelValues(policy).Inc()
}

// Display recording metrics
func (r *PrometheusRegistry) IncrementDisplays(source string) {
	DisplayCount.WithLabelValues(source).Inc()
}

func (r *PrometheusRegistry) IncrementDisplaySinkErrors() {
	DisplaySinkErrors.Inc()
}

func (r *PrometheusRegistry) IncrementRateLimited() {
	RateLimited.Inc()
}

func (r *PrometheusRegistry) IncrementReloads(status string) {
	ReloadCount.WithLabelValues(status).Inc()
}

// NoopRegistry discards every metric. Components fall back to it when no
// registry is injected.
type NoopRegistry struct{}

func (NoopRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (NoopRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (NoopRegistry) IncrementDecisions(outcome, reason string)                            {}
func (NoopRegistry) RecordDecisionLatency(duration time.Duration)                         {}
func (NoopRegistry) IncrementTriggerResults(trigger, result string)                       {}
func (NoopRegistry) IncrementCounterStoreErrors(operation string)                         {}
func (NoopRegistry) RecordCounterStoreLatency(operation string, duration time.Duration)   {}
func (NoopRegistry) IncrementCapPolicyApplied(policy string)                              {}
func (NoopRegistry) IncrementDisplays(source string)                                      {}
func (NoopRegistry) IncrementDisplaySinkErrors()                                          {}
func (NoopRegistry) IncrementRateLimited()                                                {}
func (NoopRegistry) IncrementReloads(status string)                                       {}
