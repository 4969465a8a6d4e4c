// Package alerts keeps the most recent spike alerts in memory and publishes
// them to downstream consumers.
package alerts

import (
	"sync"
	"time"

	"admitguard/internal/model"
)

const DefaultLimit = 1000

// Store is a fixed-capacity ring; once full, each Add overwrites the oldest
// alert.
type Store struct {
	mu    sync.RWMutex
	ring  []model.SpikeAlert
	next  int
	full  bool
	total uint64
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{ring: make([]model.SpikeAlert, limit)}
}

func (s *Store) Add(alert model.SpikeAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = alert
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	s.total++
}

// ordered returns the alerts oldest first. Caller holds at least a read lock.
func (s *Store) ordered() []model.SpikeAlert {
	if !s.full {
		return append([]model.SpikeAlert(nil), s.ring[:s.next]...)
	}
	out := make([]model.SpikeAlert, 0, len(s.ring))
	out = append(out, s.ring[s.next:]...)
	return append(out, s.ring[:s.next]...)
}

// List returns up to limit of the newest alerts, oldest first. A limit of zero
// or less returns everything held.
func (s *Store) List(limit int) []model.SpikeAlert {
	s.mu.RLock()
	all := s.ordered()
	s.mu.RUnlock()
	if limit > 0 && limit < len(all) {
		return all[len(all)-limit:]
	}
	return all
}

func (s *Store) Since(ts time.Time) []model.SpikeAlert {
	s.mu.RLock()
	all := s.ordered()
	s.mu.RUnlock()
	out := make([]model.SpikeAlert, 0, len(all))
	for _, a := range all {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

// Total is the number of alerts ever added, including overwritten ones.
func (s *Store) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.next = 0
	s.full = false
}
