package history

import (
	"sync"
	"testing"
	"time"

	"fraudflow/models"
)

func entryAt(entityID int64, ts time.Time, amount float64) models.HistoryEntry {
	return models.HistoryEntry{EntityID: entityID, Amount: amount, Timestamp: ts}
}

func TestQueryReturnsAscending(t *testing.T) {
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Insert out of order on purpose.
	s.Append(entryAt(1, base.Add(2*time.Hour), 30))
	s.Append(entryAt(1, base, 10))
	s.Append(entryAt(1, base.Add(time.Hour), 20))

	got := s.Query(1, base)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("entries not ascending at index %d", i)
		}
	}
	if got[0].Amount != 10 || got[2].Amount != 30 {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestQuerySinceFilters(t *testing.T) {
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Append(entryAt(7, base.Add(time.Duration(i)*time.Hour), float64(i)))
	}

	got := s.Query(7, base.Add(3*time.Hour))
	if len(got) != 2 {
		t.Fatalf("expected 2 entries since +3h, got %d", len(got))
	}
	if got[0].Amount != 3 {
		t.Errorf("expected first amount 3, got %f", got[0].Amount)
	}
}

func TestQueryUnknownEntity(t *testing.T) {
	s := NewStore()
	if got := s.Query(99, time.Time{}); len(got) != 0 {
		t.Errorf("expected empty result, got %d entries", len(got))
	}
}

func TestLast(t *testing.T) {
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, ok := s.Last(1); ok {
		t.Fatal("expected no last entry for empty store")
	}

	s.Append(entryAt(1, base, 10))
	s.Append(entryAt(1, base.Add(time.Hour), 20))

	last, ok := s.Last(1)
	if !ok {
		t.Fatal("expected last entry")
	}
	if last.Amount != 20 {
		t.Errorf("expected last amount 20, got %f", last.Amount)
	}
}

func TestEvictOlderThan(t *testing.T) {
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		s.Append(entryAt(1, base.Add(time.Duration(i)*24*time.Hour), float64(i)))
	}
	s.Append(entryAt(2, base, 100))

	evicted := s.EvictOlderThan(base.Add(2 * 24 * time.Hour))
	if evicted != 3 {
		t.Fatalf("expected 3 evicted, got %d", evicted)
	}

	got := s.Query(1, time.Time{})
	if len(got) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(got))
	}
	for _, e := range got {
		if e.Timestamp.Before(base.Add(2 * 24 * time.Hour)) {
			t.Errorf("entry older than cutoff survived: %+v", e)
		}
	}

	// Entity 2 lost its only entry and should be removed from the map.
	if s.EntityCount() != 1 {
		t.Errorf("expected 1 entity after eviction, got %d", s.EntityCount())
	}
}

func TestConcurrentAppendsSameEntity(t *testing.T) {
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append(entryAt(42, base.Add(time.Duration(i)*time.Second), float64(i)))
		}(i)
	}
	wg.Wait()

	got := s.Query(42, time.Time{})
	if len(got) != workers {
		t.Fatalf("expected %d entries, got %d", workers, len(got))
	}
	seen := make(map[float64]bool, workers)
	for i, e := range got {
		if i > 0 && got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("entries not ascending at index %d", i)
		}
		if seen[e.Amount] {
			t.Fatalf("duplicate entry for amount %f", e.Amount)
		}
		seen[e.Amount] = true
	}
}
