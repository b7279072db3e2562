package analytics

import (
	"context"
	"sync"

	"github.com/patrickwarner/popgate/internal/models"
)

var _ DisplayRecorder = (*MockAnalytics)(nil)

// MockAnalytics is an in-memory DisplayRecorder for testing.
type MockAnalytics struct {
	mu      sync.Mutex
	records []models.DisplayRecord
	// Err, when set, is returned from every RecordDisplay call.
	Err error
}

// NewMockAnalytics creates a new mock analytics instance.
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

// RecordDisplay stores rec.
func (m *MockAnalytics) RecordDisplay(ctx context.Context, rec models.DisplayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of the stored records.
func (m *MockAnalytics) Records() []models.DisplayRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DisplayRecord, len(m.records))
	copy(out, m.records)
	return out
}
