package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry is a MetricsRegistry for tests. It counts decisions,
// trigger results, store errors and displays so tests can assert on them.
type MockMetricsRegistry struct {
	mu             sync.Mutex
	Decisions      map[string]int // keyed by "outcome/reason"
	TriggerResults map[string]int // keyed by "trigger/result"
	StoreErrors    map[string]int
	PolicyApplied  map[string]int
	Displays       map[string]int
	SinkErrors     int
	RateLimited    int
	Reloads        map[string]int
}

// NewMockMetricsRegistry returns an empty MockMetricsRegistry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{
		Decisions:      make(map[string]int),
		TriggerResults: make(map[string]int),
		StoreErrors:    make(map[string]int),
		PolicyApplied:  make(map[string]int),
		Displays:       make(map[string]int),
		Reloads:        make(map[string]int),
	}
}

// HTTP Request metrics
func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementDecisions(outcome, reason string) {
	m.inc(m.Decisions, outcome+"/"+reason)
}

func (m *MockMetricsRegistry) RecordDecisionLatency(duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementTriggerResults(trigger, result string) {
	m.inc(m.TriggerResults, trigger+"/"+result)
}

func (m *MockMetricsRegistry) IncrementCounterStoreErrors(operation string) {
	m.inc(m.StoreErrors, operation)
}

func (m *MockMetricsRegistry) RecordCounterStoreLatency(operation string, duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementCapPolicyApplied(policy string) {
	m.inc(m.PolicyApplied, policy)
}

func (m *MockMetricsRegistry) IncrementDisplays(source string) {
	m.inc(m.Displays, source)
}

func (m *MockMetricsRegistry) IncrementDisplaySinkErrors() {
	m.mu.Lock()
	m.SinkErrors++
	m.mu.Unlock()
}

func (m *MockMetricsRegistry) IncrementRateLimited() {
	m.mu.Lock()
	m.RateLimited++
	m.mu.Unlock()
}

func (m *MockMetricsRegistry) IncrementReloads(status string) {
	m.inc(m.Reloads, status)
}

// Count returns the value recorded under key in one of the maps above.
func (m *MockMetricsRegistry) Count(counts map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return counts[key]
}

func (m *MockMetricsRegistry) inc(counts map[string]int, key string) {
	m.mu.Lock()
	counts[key]++
	m.mu.Unlock()
}
