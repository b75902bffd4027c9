package store

import (
	"fmt"
	"testing"

	"cascadian/pkg/types"
)

func TestLogStoreFIFOEviction(t *testing.T) {
	t.Parallel()

	s := NewLogStore(5)
	for i := 0; i < 8; i++ {
		s.Add(types.Decision{ID: fmt.Sprintf("d%d", i)})
	}

	if s.Len() != 5 {
		t.Fatalf("Len = %d, want 5", s.Len())
	}

	// Newest-first read: d7, d6, d5, d4, d3. The first three inserts evicted.
	got := s.Recent(0)
	want := []string{"d7", "d6", "d5", "d4", "d3"}
	for i, d := range got {
		if d.ID != want[i] {
			t.Errorf("Recent[%d] = %s, want %s", i, d.ID, want[i])
		}
	}
}

func TestLogStoreQueryFilters(t *testing.T) {
	t.Parallel()

	s := NewLogStore(10)
	s.Add(types.Decision{ID: "d1", Status: types.StatusSimulated, SourceWallet: "0xAAA", ConditionID: "0xc1"})
	s.Add(types.Decision{ID: "d2", Status: types.StatusSkipped, SourceWallet: "0xbbb", ConditionID: "0xc1"})
	s.Add(types.Decision{ID: "d3", Status: types.StatusSkipped, SourceWallet: "0xaaa", ConditionID: "0xc2"})

	byStatus := s.Query(LogFilter{Status: types.StatusSkipped})
	if len(byStatus) != 2 || byStatus[0].ID != "d3" {
		t.Errorf("status filter = %+v, want [d3 d2]", byStatus)
	}

	// Wallet match is case-insensitive.
	byWallet := s.Query(LogFilter{Wallet: "0xAaA"})
	if len(byWallet) != 2 {
		t.Errorf("wallet filter returned %d, want 2", len(byWallet))
	}

	byCondition := s.Query(LogFilter{ConditionID: "0xC1"})
	if len(byCondition) != 2 {
		t.Errorf("condition filter returned %d, want 2", len(byCondition))
	}

	limited := s.Query(LogFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != "d3" {
		t.Errorf("limit filter = %+v, want [d3]", limited)
	}
}

func TestLogStoreDefaultCapacity(t *testing.T) {
	t.Parallel()

	s := NewLogStore(0)
	for i := 0; i < DefaultLogCapacity+10; i++ {
		s.Add(types.Decision{ID: fmt.Sprintf("d%d", i)})
	}
	if s.Len() != DefaultLogCapacity {
		t.Errorf("Len = %d, want %d", s.Len(), DefaultLogCapacity)
	}
}
