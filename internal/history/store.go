package history

import (
	"sort"
	"sync"
	"time"

	"fraudflow/models"
)

// Store keeps a rolling window of history entries per entity. Appends and
// reads on the same entity are serialized by a per-entity lock; distinct
// entities proceed concurrently. Entries are never mutated after insertion,
// only appended or evicted.
type Store struct {
	mu       sync.RWMutex
	entities map[int64]*entityHistory
}

type entityHistory struct {
	mu      sync.Mutex
	entries []models.HistoryEntry // ascending by timestamp
}

// NewStore returns an empty history store.
func NewStore() *Store {
	return &Store{entities: make(map[int64]*entityHistory)}
}

func (s *Store) entity(id int64) *entityHistory {
	s.mu.RLock()
	eh, ok := s.entities[id]
	s.mu.RUnlock()
	if ok {
		return eh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if eh, ok = s.entities[id]; ok {
		return eh
	}
	eh = &entityHistory{}
	s.entities[id] = eh
	return eh
}

// Append adds an entry to the owning entity's sequence, keeping the sequence
// ordered by timestamp. Amortized O(1): concurrent workers deliver entries in
// near-timestamp order, so the insertion scan almost always stops at the tail.
func (s *Store) Append(entry models.HistoryEntry) {
	eh := s.entity(entry.EntityID)

	eh.mu.Lock()
	defer eh.mu.Unlock()

	n := len(eh.entries)
	if n == 0 || !entry.Timestamp.Before(eh.entries[n-1].Timestamp) {
		eh.entries = append(eh.entries, entry)
		return
	}

	// Out-of-order arrival: find the insertion point from the tail.
	i := sort.Search(n, func(i int) bool {
		return eh.entries[i].Timestamp.After(entry.Timestamp)
	})
	eh.entries = append(eh.entries, models.HistoryEntry{})
	copy(eh.entries[i+1:], eh.entries[i:])
	eh.entries[i] = entry
}

// Query returns a copy of the entity's entries with timestamp >= since, in
// ascending timestamp order. An unknown entity yields an empty slice.
func (s *Store) Query(entityID int64, since time.Time) []models.HistoryEntry {
	s.mu.RLock()
	eh, ok := s.entities[entityID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	eh.mu.Lock()
	defer eh.mu.Unlock()

	i := sort.Search(len(eh.entries), func(i int) bool {
		return !eh.entries[i].Timestamp.Before(since)
	})
	if i == len(eh.entries) {
		return nil
	}
	out := make([]models.HistoryEntry, len(eh.entries)-i)
	copy(out, eh.entries[i:])
	return out
}

// Last returns the entity's most recent entry, if any.
func (s *Store) Last(entityID int64) (models.HistoryEntry, bool) {
	s.mu.RLock()
	eh, ok := s.entities[entityID]
	s.mu.RUnlock()
	if !ok {
		return models.HistoryEntry{}, false
	}

	eh.mu.Lock()
	defer eh.mu.Unlock()
	if len(eh.entries) == 0 {
		return models.HistoryEntry{}, false
	}
	return eh.entries[len(eh.entries)-1], true
}

// EvictOlderThan drops every entry with timestamp < cutoff across all
// entities. Entities whose window becomes empty are removed entirely so the
// entity map does not grow without bound.
func (s *Store) EvictOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, eh := range s.entities {
		eh.mu.Lock()
		i := sort.Search(len(eh.entries), func(i int) bool {
			return !eh.entries[i].Timestamp.Before(cutoff)
		})
		if i > 0 {
			evicted += i
			remaining := make([]models.HistoryEntry, len(eh.entries)-i)
			copy(remaining, eh.entries[i:])
			eh.entries = remaining
		}
		empty := len(eh.entries) == 0
		eh.mu.Unlock()

		if empty {
			delete(s.entities, id)
		}
	}
	return evicted
}

// EntityCount reports how many entities currently hold history.
func (s *Store) EntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
