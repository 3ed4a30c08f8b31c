package stream

import (
	"sync"

	"portfolio-copilot/internal/models"
)

// TickStore holds the latest tick per instrument token.
//
// A later tick for a token replaces the earlier one entirely; fields are
// never merged. Batches are applied atomically with respect to readers.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[uint32]models.Tick
}

// NewTickStore creates an empty tick store.
func NewTickStore() *TickStore {
	return &TickStore{
		ticks: make(map[uint32]models.Tick),
	}
}

// ApplyBatch stores each tick in order. Ticks with a zero token are skipped.
// It returns the number of ticks stored.
func (s *TickStore) ApplyBatch(batch []models.Tick) int {
	if len(batch) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, t := range batch {
		if t.InstrumentToken == 0 {
			continue
		}
		s.ticks[t.InstrumentToken] = t
		applied++
	}
	return applied
}

// Get returns the latest tick for token.
func (s *TickStore) Get(token uint32) (models.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[token]
	return t, ok
}

// Snapshot returns a point-in-time copy of the store. The returned map is
// owned by the caller and does not change with later batches.
func (s *TickStore) Snapshot() map[uint32]models.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uint32]models.Tick, len(s.ticks))
	for k, v := range s.ticks {
		out[k] = v
	}
	return out
}

// Len returns the number of instruments with a tick.
func (s *TickStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ticks)
}
