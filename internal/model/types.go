package model

import "time"

type EventKind string

const (
	KindAuthSuccess   EventKind = "auth_success"
	KindAuthFailure   EventKind = "auth_failure"
	KindAuthzDenied   EventKind = "authz_denied"
	KindBillingDenied EventKind = "billing_denied"
	KindRateLimited   EventKind = "rate_limited"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindAuthSuccess, KindAuthFailure, KindAuthzDenied, KindBillingDenied, KindRateLimited:
		return true
	}
	return false
}

const UnknownPrincipal = "unknown"

// AuditEvent is one security-relevant HTTP outcome. Timestamp is filled in by
// the recorder when the producer leaves it zero; it is not part of the logged
// field set.
type AuditEvent struct {
	Kind       EventKind `json:"kind"`
	StatusCode int       `json:"status_code"`
	Route      string    `json:"route"`
	Method     string    `json:"method"`
	RequestID  string    `json:"request_id,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	AuthType   string    `json:"auth_type,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// Principal attributes the event to its tenant, else its client IP.
func (e AuditEvent) Principal() string {
	if e.TenantID != "" {
		return e.TenantID
	}
	if e.IP != "" {
		return e.IP
	}
	return UnknownPrincipal
}

// LogAttrs returns the event as slog key/value pairs, skipping empty optional
// fields.
func (e AuditEvent) LogAttrs() []any {
	attrs := make([]any, 0, 20)
	attrs = append(attrs,
		"kind", string(e.Kind),
		"status_code", e.StatusCode,
		"route", e.Route,
		"method", e.Method,
	)
	optional := [...]struct{ key, val string }{
		{"request_id", e.RequestID},
		{"ip", e.IP},
		{"user_id", e.UserID},
		{"tenant_id", e.TenantID},
		{"auth_type", e.AuthType},
		{"reason", e.Reason},
	}
	for _, kv := range optional {
		if kv.val != "" {
			attrs = append(attrs, kv.key, kv.val)
		}
	}
	return attrs
}

type SpikeAlert struct {
	Timestamp     time.Time  `json:"timestamp"`
	SpikeKey      string     `json:"spike_key"`
	StatusCode    int        `json:"status_code"`
	Principal     string     `json:"principal"`
	SpikeCount    int        `json:"spike_count"`
	Threshold     int        `json:"threshold"`
	WindowSeconds int        `json:"window_seconds"`
	Event         AuditEvent `json:"event"`
}
