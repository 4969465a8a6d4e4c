package ingest

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/coder/quartz"

	"admitguard/internal/model"
)

const dedupeCompactAt = 10000

// DedupeCache suppresses redelivered events. Only events carrying a request id
// are tracked; anonymous repeats are real traffic and must be counted.
type DedupeCache struct {
	mu    sync.Mutex
	clock quartz.Clock
	ttl   time.Duration
	items map[uint64]time.Time
}

func NewDedupeCache(clock quartz.Clock, ttl time.Duration) *DedupeCache {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &DedupeCache{clock: clock, ttl: ttl, items: make(map[uint64]time.Time)}
}

func (d *DedupeCache) Seen(ev model.AuditEvent) bool {
	if d.ttl <= 0 || ev.RequestID == "" {
		return false
	}
	key := eventKey(ev)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= d.ttl {
		return true
	}
	d.items[key] = now
	if len(d.items) > dedupeCompactAt {
		d.compact(now)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time) {
	for k, ts := range d.items {
		if now.Sub(ts) > d.ttl {
			delete(d.items, k)
		}
	}
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func eventKey(ev model.AuditEvent) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(ev.RequestID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(string(ev.Kind))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(ev.StatusCode))
	return h.Sum64()
}
