// Package window implements keyed fixed-window counters shared by the admission
// gate and the spike detector.
//
// A Store maps an opaque key to one Entry. Entries are created on first use,
// replaced in place once their window has passed and removed by an amortized
// sweep that runs at most once per cleanup interval. The map is split into
// shards, each guarded by its own mutex, so a sweep never blocks updates to
// keys living in other shards.
package window

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultShards          = 64
	DefaultCleanupInterval = 5 * time.Minute
)

// Counter is the number of events seen since the window started and the
// instant the window ends.
type Counter struct {
	Count   int
	ResetAt time.Time
}

// Expired reports whether the window has already passed at now.
func (c Counter) Expired(now time.Time) bool {
	return now.After(c.ResetAt)
}

// Entry is a Counter plus the time of the last alert raised for it. The
// admission gate never touches LastAlertAt.
type Entry struct {
	Counter
	LastAlertAt time.Time
}

// UpdateFunc runs while the shard lock is held. fresh is true when the entry
// was just (re)initialized with Count 1.
type UpdateFunc func(e *Entry, fresh bool)

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

type Store struct {
	shards          []*shard
	cleanupInterval time.Duration
	lastCleanup     atomic.Int64
}

type Option func(*Store)

func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// NewStore creates an empty store. now seeds the cleanup timer so the first
// sweep happens one interval after construction.
func NewStore(now time.Time, opts ...Option) *Store {
	s := &Store{
		shards:          make([]*shard, DefaultShards),
		cleanupInterval: DefaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	s.lastCleanup.Store(now.UnixNano())
	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Update atomically reads or initializes the entry for key and hands it to fn.
// A missing or expired entry is replaced by {Count: 1, ResetAt: now+length}
// before fn runs. The returned Entry is a copy taken after fn returned.
func (s *Store) Update(key string, now time.Time, length time.Duration, fn UpdateFunc) Entry {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	fresh := false
	if !ok || e.Expired(now) {
		e = &Entry{Counter: Counter{Count: 1, ResetAt: now.Add(length)}}
		sh.entries[key] = e
		fresh = true
	}
	if fn != nil {
		fn(e, fresh)
	}
	return *e
}

// Get returns a copy of the entry stored under key, expired or not.
func (s *Store) Get(key string) (Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// MaybeCleanup sweeps expired entries if at least one cleanup interval has
// elapsed since the previous sweep. Concurrent callers race on a CAS so only
// one of them performs the sweep. It returns the number of removed entries.
func (s *Store) MaybeCleanup(now time.Time) int {
	last := s.lastCleanup.Load()
	if now.UnixNano()-last < int64(s.cleanupInterval) {
		return 0
	}
	if !s.lastCleanup.CompareAndSwap(last, now.UnixNano()) {
		return 0
	}
	return s.Cleanup(now)
}

// Cleanup removes every entry whose window has passed at now, one shard at a
// time.
func (s *Store) Cleanup(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.Expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys, including expired ones that have
// not been swept yet.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*Entry)
		sh.mu.Unlock()
	}
}
