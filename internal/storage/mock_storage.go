package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/rolling_calls/internal/models"
)

// MockStorage is an in-memory Interface used by tests and dry runs.
type MockStorage struct {
	mu              sync.RWMutex
	saveError       error
	loadError       error
	lastCycleDate   time.Time
	cycles          []CycleRecord
	invalidExpiries []InvalidExpiry
	saveCallCount   int
	loadCallCount   int
}

// NewMockStorage creates an empty mock storage.
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

// RecordCycle appends rec and counts as a save.
func (m *MockStorage) RecordCycle(rec CycleRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("cycle record has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.cycles = append(m.cycles, rec)
	if over := len(m.cycles) - MaxCycles; over > 0 {
		m.cycles = append([]CycleRecord(nil), m.cycles[over:]...)
	}
	m.saveCallCount++
	return nil
}

func (m *MockStorage) GetCycles(limit int) []CycleRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.cycles, limit)
}

func (m *MockStorage) GetCycle(id string) (*CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.cycles) - 1; i >= 0; i-- {
		if m.cycles[i].ID == id {
			rec := m.cycles[i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCycleNotFound, id)
}

func (m *MockStorage) LatestCycle() (*CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.cycles) == 0 {
		return nil, ErrNoCycles
	}
	rec := m.cycles[len(m.cycles)-1]
	return &rec, nil
}

func (m *MockStorage) LastCycleDate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCycleDate
}

func (m *MockStorage) SetLastCycleDate(date time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.lastCycleDate = models.Date(date)
	m.saveCallCount++
	return nil
}

func (m *MockStorage) SetInvalidExpiries(entries []InvalidExpiry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.invalidExpiries = sortedExpiries(entries)
	m.saveCallCount++
	return nil
}

func (m *MockStorage) GetInvalidExpiries() []InvalidExpiry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]InvalidExpiry, len(m.invalidExpiries))
	copy(out, m.invalidExpiries)
	return out
}

// Save only counts the call, or returns the injected error.
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

// Load only counts the call, or returns the injected error.
func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

// SetSaveError makes every write return err.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SetLoadError makes Load return err.
func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

// GetSaveCallCount returns how many writes succeeded or were attempted via Save.
func (m *MockStorage) GetSaveCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveCallCount
}

// GetLoadCallCount returns the number of Load calls.
func (m *MockStorage) GetLoadCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadCallCount
}

var _ Interface = (*MockStorage)(nil)
