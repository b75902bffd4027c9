package store

import (
	"sync"

	"cascadian/pkg/types"
)

// DefaultAlertCapacity bounds the alert ring buffer.
const DefaultAlertCapacity = 500

// AlertStore is the bounded ring buffer of alerts with read/dismiss state.
// Read and dismiss flags are mutated in place inside the buffer; eviction
// discards them along with the alert.
type AlertStore struct {
	mu    sync.RWMutex
	ring  *ring[*types.Alert]
	onAdd func(types.Alert)
}

// NewAlertStore creates an alert store. A non-positive capacity falls back
// to DefaultAlertCapacity.
func NewAlertStore(capacity int) *AlertStore {
	if capacity <= 0 {
		capacity = DefaultAlertCapacity
	}
	return &AlertStore{ring: newRing[*types.Alert](capacity)}
}

// OnAdd registers a callback invoked after each Add, outside the store
// lock. Used to fan alerts out to stream subscribers. Not safe to call
// concurrently with Add.
func (s *AlertStore) OnAdd(fn func(types.Alert)) {
	s.onAdd = fn
}

// Add appends an alert, evicting the oldest when full.
func (s *AlertStore) Add(a types.Alert) {
	s.mu.Lock()
	s.ring.push(&a)
	s.mu.Unlock()

	if s.onAdd != nil {
		s.onAdd(a)
	}
}

// Len returns the number of buffered alerts.
func (s *AlertStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.len()
}

// Recent returns up to limit non-dismissed alerts newest-first (0 = all).
func (s *AlertStore) Recent(limit int) []types.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Alert
	s.ring.forEachNewest(func(a *types.Alert) bool {
		if a.Dismissed {
			return true
		}
		out = append(out, *a)
		return limit == 0 || len(out) < limit
	})
	return out
}

// MarkRead flags one alert as read. Returns false if the id is unknown or
// already evicted.
func (s *AlertStore) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.ring.oldestFirst() {
		if a.ID == id {
			a.Read = true
			return true
		}
	}
	return false
}

// MarkAllRead marks every buffered alert as read and returns the count
// that changed state.
func (s *AlertStore) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, a := range s.ring.oldestFirst() {
		if !a.Read {
			a.Read = true
			changed++
		}
	}
	return changed
}

// Dismiss hides one alert from reads. Returns false if the id is unknown.
func (s *AlertStore) Dismiss(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.ring.oldestFirst() {
		if a.ID == id {
			a.Dismissed = true
			return true
		}
	}
	return false
}

// CountsByPriority returns the number of non-dismissed alerts per priority.
func (s *AlertStore) CountsByPriority() map[types.AlertPriority]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.AlertPriority]int)
	for _, a := range s.ring.oldestFirst() {
		if !a.Dismissed {
			counts[a.Priority]++
		}
	}
	return counts
}

// UnreadCount returns the number of unread, non-dismissed alerts.
func (s *AlertStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.ring.oldestFirst() {
		if !a.Read && !a.Dismissed {
			n++
		}
	}
	return n
}
