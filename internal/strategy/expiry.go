package strategy

import (
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/rolling_calls/internal/models"
)

// InvalidExpirySet remembers expiration dates for which no tradable call was found.
// It only grows while the process runs and starts empty unless seeded from persisted state.
//
// The engine is the only writer; the mutex lets the status server read it concurrently.
type InvalidExpirySet struct {
	mu    sync.RWMutex
	dates map[time.Time]time.Time // expiry date -> when it was recorded
}

// NewInvalidExpirySet returns an empty set.
func NewInvalidExpirySet() *InvalidExpirySet {
	return &InvalidExpirySet{dates: make(map[time.Time]time.Time)}
}

// Contains reports whether the calendar date of expiry has been marked invalid.
func (s *InvalidExpirySet) Contains(expiry time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dates[models.Date(expiry)]
	return ok
}

// Add marks expiry as invalid. It returns false if the date was already present.
func (s *InvalidExpirySet) Add(expiry, recordedAt time.Time) bool {
	key := models.Date(expiry)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dates[key]; ok {
		return false
	}
	s.dates[key] = recordedAt
	return true
}

// Seed loads previously recorded entries. Entries recorded before `notBefore` are skipped.
func (s *InvalidExpirySet) Seed(entries map[time.Time]time.Time, notBefore time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for expiry, at := range entries {
		if at.Before(notBefore) {
			continue
		}
		s.dates[models.Date(expiry)] = at
		n++
	}
	return n
}

// Len returns the number of remembered dates.
func (s *InvalidExpirySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dates)
}

// Entries returns a copy of the set keyed by expiry date.
func (s *InvalidExpirySet) Entries() map[time.Time]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[time.Time]time.Time, len(s.dates))
	for k, v := range s.dates {
		out[k] = v
	}
	return out
}

// Dates returns the remembered dates in ascending order.
func (s *InvalidExpirySet) Dates() []time.Time {
	s.mu.RLock()
	out := make([]time.Time, 0, len(s.dates))
	for k := range s.dates {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
