package ratelimit

import (
	"fmt"
	"sort"
	"time"

	"admitguard/internal/window"
)

// Policy is a fixed-window budget: at most Capacity admissions per Window for
// each identifier under Namespace.
type Policy struct {
	Namespace string
	Window    time.Duration
	Capacity  int
}

// NewPolicy panics on a non-positive window, a capacity below one or a
// namespace that is empty or contains a colon.
func NewPolicy(namespace string, win time.Duration, capacity int) Policy {
	p := Policy{Namespace: namespace, Window: win, Capacity: capacity}
	p.mustValidate()
	return p
}

func (p Policy) mustValidate() {
	if err := p.Validate(); err != nil {
		panic(err)
	}
}

func (p Policy) Validate() error {
	if !window.ValidNamespace(p.Namespace) {
		return fmt.Errorf("ratelimit: invalid namespace %q", p.Namespace)
	}
	if p.Window <= 0 {
		return fmt.Errorf("ratelimit: %s: window must be > 0, got %s", p.Namespace, p.Window)
	}
	if p.Capacity < 1 {
		return fmt.Errorf("ratelimit: %s: capacity must be >= 1, got %d", p.Namespace, p.Capacity)
	}
	return nil
}

const (
	PresetAuth      = "auth"
	PresetAPI       = "api"
	PresetSync      = "sync"
	PresetExpensive = "expensive"

	NamespaceIP     = "ip"
	NamespaceUser   = "user"
	NamespaceTenant = "tenant"
)

// DefaultPresets returns the named policies endpoints pick by intent. Each
// preset counts under its own namespace.
func DefaultPresets() map[string]Policy {
	return map[string]Policy{
		PresetAuth:      {Namespace: PresetAuth, Window: 15 * time.Minute, Capacity: 10},
		PresetAPI:       {Namespace: PresetAPI, Window: time.Minute, Capacity: 100},
		PresetSync:      {Namespace: PresetSync, Window: time.Minute, Capacity: 30},
		PresetExpensive: {Namespace: PresetExpensive, Window: time.Minute, Capacity: 10},
	}
}

func DefaultIPPolicy() Policy {
	return Policy{Namespace: NamespaceIP, Window: time.Minute, Capacity: 100}
}

func DefaultUserPolicy() Policy {
	return Policy{Namespace: NamespaceUser, Window: time.Minute, Capacity: 200}
}

func DefaultTenantPolicy() Policy {
	return Policy{Namespace: NamespaceTenant, Window: time.Minute, Capacity: 1000}
}

func presetNames(m map[string]Policy) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
