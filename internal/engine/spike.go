package engine

import (
	"maps"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"admitguard/internal/config"
	"admitguard/internal/model"
	"admitguard/internal/window"
)

// SpikePolicy decides which statuses are watched and how loud they may get.
type SpikePolicy struct {
	Thresholds map[int]int
	Window     time.Duration
	Cooldown   time.Duration
}

func DefaultSpikePolicy() SpikePolicy {
	return SpikePolicy{
		Thresholds: config.DefaultSpikeThresholds(),
		Window:     5 * time.Minute,
		Cooldown:   2 * time.Minute,
	}
}

// SpikePolicyFromConfig fills unset fields from DefaultSpikePolicy.
func SpikePolicyFromConfig(cfg config.SpikeConfig) SpikePolicy {
	p := DefaultSpikePolicy()
	if len(cfg.Thresholds) > 0 {
		p.Thresholds = maps.Clone(cfg.Thresholds)
	}
	if cfg.Window > 0 {
		p.Window = cfg.Window
	}
	if cfg.Cooldown > 0 {
		p.Cooldown = cfg.Cooldown
	}
	return p
}

// SpikeDetector counts eligible outcomes per (status, principal) in fixed
// windows and raises at most one alert per cooldown for each pair. It never
// blocks requests.
type SpikeDetector struct {
	clock  quartz.Clock
	store  *window.Store
	policy atomic.Pointer[SpikePolicy]
}

func NewSpikeDetector(clock quartz.Clock, policy SpikePolicy, cleanupInterval time.Duration) *SpikeDetector {
	if clock == nil {
		clock = quartz.NewReal()
	}
	d := &SpikeDetector{
		clock: clock,
		store: window.NewStore(clock.Now(), window.WithCleanupInterval(cleanupInterval)),
	}
	d.UpdatePolicy(policy)
	return d
}

// UpdatePolicy swaps thresholds, window and cooldown. Existing windows keep
// the reset time they were created with.
func (d *SpikeDetector) UpdatePolicy(p SpikePolicy) {
	def := DefaultSpikePolicy()
	if len(p.Thresholds) == 0 {
		p.Thresholds = def.Thresholds
	}
	if p.Window <= 0 {
		p.Window = def.Window
	}
	if p.Cooldown < 0 {
		p.Cooldown = 0
	}
	p.Thresholds = maps.Clone(p.Thresholds)
	d.policy.Store(&p)
}

func (d *SpikeDetector) Policy() SpikePolicy {
	p := *d.policy.Load()
	p.Thresholds = maps.Clone(p.Thresholds)
	return p
}

// Observe counts ev and returns an alert if this event pushed its key over the
// threshold outside the cooldown. Statuses without a threshold are ignored.
func (d *SpikeDetector) Observe(ev model.AuditEvent) (model.SpikeAlert, bool) {
	p := d.policy.Load()
	threshold, ok := p.Thresholds[ev.StatusCode]
	if !ok {
		return model.SpikeAlert{}, false
	}

	now := d.clock.Now()
	d.store.MaybeCleanup(now)

	principal := ev.Principal()
	key := window.SpikeKey(ev.StatusCode, principal)
	fire := false
	e := d.store.Update(key, now, p.Window, func(e *window.Entry, fresh bool) {
		if fresh {
			return
		}
		e.Count++
		if e.Count >= threshold && now.Sub(e.LastAlertAt) > p.Cooldown {
			e.LastAlertAt = now
			fire = true
		}
	})
	if !fire {
		return model.SpikeAlert{}, false
	}
	return model.SpikeAlert{
		Timestamp:     now,
		SpikeKey:      key,
		StatusCode:    ev.StatusCode,
		Principal:     principal,
		SpikeCount:    e.Count,
		Threshold:     threshold,
		WindowSeconds: int(p.Window / time.Second),
		Event:         ev,
	}, true
}

// Len reports the number of tracked spike windows.
func (d *SpikeDetector) Len() int {
	return d.store.Len()
}

func (d *SpikeDetector) Reset() {
	d.store.Reset()
}
