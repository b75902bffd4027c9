package store

import (
	"strings"
	"sync"

	"cascadian/pkg/types"
)

// DefaultLogCapacity bounds the decision log ring buffer.
const DefaultLogCapacity = 1000

// LogFilter selects decisions on read. Zero fields match everything.
// Wallet matching is case-insensitive.
type LogFilter struct {
	Status      types.DecisionStatus
	Wallet      string
	ConditionID string
	Limit       int // 0 = no limit
}

// LogStore is the bounded ring buffer of copy-trade decisions.
type LogStore struct {
	mu   sync.RWMutex
	ring *ring[types.Decision]
}

// NewLogStore creates a log store. A non-positive capacity falls back to
// DefaultLogCapacity.
func NewLogStore(capacity int) *LogStore {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogStore{ring: newRing[types.Decision](capacity)}
}

// Add appends a decision, evicting the oldest entry when full.
func (s *LogStore) Add(d types.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.push(d)
}

// Len returns the number of buffered decisions.
func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.len()
}

// Query returns matching decisions newest-first.
func (s *LogStore) Query(f LogFilter) []types.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallet := strings.ToLower(f.Wallet)
	condition := strings.ToLower(f.ConditionID)

	var out []types.Decision
	s.ring.forEachNewest(func(d types.Decision) bool {
		if f.Status != "" && d.Status != f.Status {
			return true
		}
		if wallet != "" && strings.ToLower(d.SourceWallet) != wallet {
			return true
		}
		if condition != "" && strings.ToLower(d.ConditionID) != condition {
			return true
		}
		out = append(out, d)
		return f.Limit == 0 || len(out) < f.Limit
	})
	return out
}

// Recent returns up to limit decisions newest-first (0 = all).
func (s *LogStore) Recent(limit int) []types.Decision {
	return s.Query(LogFilter{Limit: limit})
}
