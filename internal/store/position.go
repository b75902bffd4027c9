package store

import (
	"fmt"
	"sync"

	"cascadian/pkg/types"
)

// PositionStore holds paper positions keyed by id. Unbounded: a run opens
// at most a handful of positions. The copy-trade engine writes on creation;
// the price monitor mutates marks and terminal state through Update, so
// both share one serialisation point.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]*types.PaperPosition
	order     []string // insertion order for stable listing
}

// NewPositionStore creates an empty position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]*types.PaperPosition)}
}

// Add inserts a new position. The id must be unique.
func (s *PositionStore) Add(p types.PaperPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	cp := p
	s.positions[p.ID] = &cp
	s.order = append(s.order, p.ID)
	return nil
}

// Get returns a copy of one position.
func (s *PositionStore) Get(id string) (types.PaperPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return types.PaperPosition{}, false
	}
	return *p, true
}

// All returns copies of every position in insertion order.
func (s *PositionStore) All() []types.PaperPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PaperPosition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.positions[id])
	}
	return out
}

// Open returns copies of positions still in the open state.
func (s *PositionStore) Open() []types.PaperPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.PaperPosition
	for _, id := range s.order {
		if p := s.positions[id]; p.Status == types.PositionOpen {
			out = append(out, *p)
		}
	}
	return out
}

// Update applies fn to one position under the store lock. fn sees the live
// record; mutations are visible to subsequent reads.
func (s *PositionStore) Update(id string, fn func(*types.PaperPosition)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	fn(p)
	return nil
}

// AttachExitRule appends an exit rule to a position. Rules keep attachment
// order; the monitor evaluates them first-attached-first.
func (s *PositionStore) AttachExitRule(id string, rule types.ExitRule) error {
	return s.Update(id, func(p *types.PaperPosition) {
		p.ExitRules = append(p.ExitRules, rule)
	})
}

// Len returns the number of stored positions.
func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}
