package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/rolling_calls/internal/models"
)

// JSONStorage keeps bot state in a single JSON file.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *Data
}

// Data is the on-disk layout of the state file.
type Data struct {
	LastCycleDate   time.Time       `json:"last_cycle_date"`
	Cycles          []CycleRecord   `json:"cycles"`
	InvalidExpiries []InvalidExpiry `json:"invalid_expiries"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// NewJSONStorage opens the state file at path, loading it when it exists.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data:     &Data{},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking storage file: %w", err)
	}

	return s, nil
}

// Load replaces in-memory state with the file contents.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	data := &Data{}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("decoding %s: %w", s.filepath, err)
	}
	s.data = data
	return nil
}

// Save writes state to a temp file and renames it over the old one.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpFile, s.filepath); err != nil {
		_ = os.Remove(tmpFile)
		return err
	}
	return nil
}

// RecordCycle appends a cycle to the journal, trims it to MaxCycles and saves.
func (s *JSONStorage) RecordCycle(rec CycleRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("cycle record has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Cycles = append(s.data.Cycles, rec)
	if over := len(s.data.Cycles) - MaxCycles; over > 0 {
		s.data.Cycles = append([]CycleRecord(nil), s.data.Cycles[over:]...)
	}
	return s.saveLocked()
}

// GetCycles returns up to limit cycles, newest first. A limit of zero or less returns all.
func (s *JSONStorage) GetCycles(limit int) []CycleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.data.Cycles, limit)
}

// GetCycle looks a cycle up by ID.
func (s *JSONStorage) GetCycle(id string) (*CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.data.Cycles) - 1; i >= 0; i-- {
		if s.data.Cycles[i].ID == id {
			rec := s.data.Cycles[i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCycleNotFound, id)
}

// LatestCycle returns the most recent cycle.
func (s *JSONStorage) LatestCycle() (*CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.data.Cycles) == 0 {
		return nil, ErrNoCycles
	}
	rec := s.data.Cycles[len(s.data.Cycles)-1]
	return &rec, nil
}

// LastCycleDate is the calendar date of the last completed live cycle.
func (s *JSONStorage) LastCycleDate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.LastCycleDate
}

// SetLastCycleDate stores the calendar date of date and saves.
func (s *JSONStorage) SetLastCycleDate(date time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastCycleDate = models.Date(date)
	return s.saveLocked()
}

// SetInvalidExpiries replaces the persisted invalid expiry memo and saves.
func (s *JSONStorage) SetInvalidExpiries(entries []InvalidExpiry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.InvalidExpiries = sortedExpiries(entries)
	return s.saveLocked()
}

// GetInvalidExpiries returns a copy of the persisted memo, oldest expiry first.
func (s *JSONStorage) GetInvalidExpiries() []InvalidExpiry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InvalidExpiry, len(s.data.InvalidExpiries))
	copy(out, s.data.InvalidExpiries)
	return out
}

func newestFirst(cycles []CycleRecord, limit int) []CycleRecord {
	n := len(cycles)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]CycleRecord, 0, n)
	for i := len(cycles) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, cycles[i])
	}
	return out
}

func sortedExpiries(entries []InvalidExpiry) []InvalidExpiry {
	out := make([]InvalidExpiry, 0, len(entries))
	for _, e := range entries {
		out = append(out, InvalidExpiry{Date: models.Date(e.Date), RecordedAt: e.RecordedAt.UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// ExpiriesToMap converts persisted entries into the expiry -> recorded-at form the engine seeds from.
func ExpiriesToMap(entries []InvalidExpiry) map[time.Time]time.Time {
	m := make(map[time.Time]time.Time, len(entries))
	for _, e := range entries {
		m[models.Date(e.Date)] = e.RecordedAt
	}
	return m
}

// ExpiriesFromMap is the inverse of ExpiriesToMap.
func ExpiriesFromMap(m map[time.Time]time.Time) []InvalidExpiry {
	out := make([]InvalidExpiry, 0, len(m))
	for d, at := range m {
		out = append(out, InvalidExpiry{Date: d, RecordedAt: at})
	}
	return sortedExpiries(out)
}
