package ratelimit

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/coder/quartz"

	"admitguard/internal/metrics"
	"admitguard/internal/window"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Exempt     bool
	Namespace  string
	Identifier string
	Limit      int
	Remaining  int
	Count      int
	ResetAt    time.Time
	// RetryAfter is the whole number of seconds the caller should wait. It is
	// only set on denials and is never below one.
	RetryAfter int
}

// Denial is the response handed back to a caller that was rejected.
type Denial struct {
	Status     int
	Message    string
	RetryAfter int
	Limit      int
	Remaining  int
	Reset      int64
}

func (d Decision) Denial() Denial {
	return Denial{
		Status:     429,
		Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", d.RetryAfter),
		RetryAfter: d.RetryAfter,
		Limit:      d.Limit,
		Remaining:  0,
		Reset:      d.ResetAt.Unix(),
	}
}

// Headers returns the response headers a denial carries.
func (d Denial) Headers() map[string]string {
	return map[string]string{
		"Retry-After":           strconv.Itoa(d.RetryAfter),
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(d.Reset, 10),
	}
}

type Options struct {
	Clock           quartz.Clock
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	CleanupInterval time.Duration
	Shards          int

	// Zero-valued policies fall back to the defaults.
	Presets map[string]Policy
	IP      Policy
	User    Policy
	Tenant  Policy

	Exempt []string
}

// Gate is the process-wide admission controller. All policies share a single
// counter store; keys are namespaced so they never interfere.
type Gate struct {
	clock   quartz.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   *window.Store

	presets map[string]Policy
	ip      Policy
	user    Policy
	tenant  Policy
	exempt  map[string]struct{}
}

// NewGate panics if any configured policy is invalid.
func NewGate(opts Options) *Gate {
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	presets := DefaultPresets()
	for name, p := range opts.Presets {
		if p.Namespace == "" {
			p.Namespace = name
		}
		p.mustValidate()
		presets[name] = p
	}
	g := &Gate{
		clock:   clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		store: window.NewStore(clock.Now(),
			window.WithCleanupInterval(opts.CleanupInterval),
			window.WithShards(opts.Shards),
		),
		presets: presets,
		ip:      orDefault(opts.IP, DefaultIPPolicy()),
		user:    orDefault(opts.User, DefaultUserPolicy()),
		tenant:  orDefault(opts.Tenant, DefaultTenantPolicy()),
		exempt:  buildExemptSet(opts.Exempt),
	}
	return g
}

func orDefault(p, def Policy) Policy {
	if p.Window == 0 && p.Capacity == 0 {
		return def
	}
	if p.Namespace == "" {
		p.Namespace = def.Namespace
	}
	p.mustValidate()
	return p
}

// Preset looks up a named policy.
func (g *Gate) Preset(name string) (Policy, bool) {
	p, ok := g.presets[name]
	return p, ok
}

// PresetNames lists the configured presets in lexical order.
func (g *Gate) PresetNames() []string {
	return presetNames(g.presets)
}

// Check admits or rejects one request from identifier under policy p.
func (g *Gate) Check(identifier string, p Policy) Decision {
	p.mustValidate()
	if identifier == "" {
		identifier = unknownIdentifier
	}
	if g.isExempt(identifier) {
		return Decision{
			Allowed:    true,
			Exempt:     true,
			Namespace:  p.Namespace,
			Identifier: identifier,
			Limit:      p.Capacity,
			Remaining:  p.Capacity,
		}
	}

	now := g.clock.Now()
	g.store.MaybeCleanup(now)

	allowed := false
	e := g.store.Update(window.Key(p.Namespace, identifier), now, p.Window, func(e *window.Entry, fresh bool) {
		switch {
		case fresh:
			allowed = true
		case e.Count < p.Capacity:
			e.Count++
			allowed = true
		}
	})

	d := Decision{
		Allowed:    allowed,
		Namespace:  p.Namespace,
		Identifier: identifier,
		Limit:      p.Capacity,
		Remaining:  max(p.Capacity-e.Count, 0),
		Count:      e.Count,
		ResetAt:    e.ResetAt,
	}
	g.metrics.Admission(p.Namespace, allowed)
	if allowed {
		return d
	}
	d.RetryAfter = retryAfterSeconds(e.ResetAt.Sub(now))
	if g.logger != nil {
		g.logger.Warn("rate limit exceeded",
			"identifier", identifier,
			"namespace", p.Namespace,
			"count", e.Count,
			"capacity", p.Capacity,
		)
	}
	return d
}

// CheckPreset runs Check with the named preset. Unknown presets are a
// programming error.
func (g *Gate) CheckPreset(name, identifier string) Decision {
	p, ok := g.presets[name]
	if !ok {
		panic(fmt.Sprintf("ratelimit: unknown preset %q", name))
	}
	return g.Check(identifier, p)
}

func (g *Gate) CheckIP(info RequestInfo) Decision {
	return g.Check(ClientIP(info), g.ip)
}

func (g *Gate) CheckUser(userID string) Decision {
	return g.Check(userID, g.user)
}

func (g *Gate) CheckTenant(tenantID string) Decision {
	return g.Check(tenantID, g.tenant)
}

// Len reports the number of tracked keys.
func (g *Gate) Len() int {
	return g.store.Len()
}

func (g *Gate) Reset() {
	g.store.Reset()
}

// retryAfterSeconds rounds the remaining window up to whole seconds. A window
// ending right now still yields one second so clients never see
// "Retry-After: 0" on a rejection.
func retryAfterSeconds(remaining time.Duration) int {
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
