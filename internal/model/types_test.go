package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipal(t *testing.T) {
	assert.Equal(t, "t1", AuditEvent{TenantID: "t1", IP: "1.1.1.1"}.Principal())
	assert.Equal(t, "1.1.1.1", AuditEvent{IP: "1.1.1.1"}.Principal())
	assert.Equal(t, "unknown", AuditEvent{}.Principal())
}

func TestLogAttrsOmitsEmptyOptionals(t *testing.T) {
	ev := AuditEvent{
		Kind:       KindAuthFailure,
		StatusCode: 401,
		Route:      "/api/login",
		Method:     "POST",
		IP:         "1.2.3.4",
		Reason:     "bad password",
	}
	assert.Equal(t, []any{
		"kind", "auth_failure",
		"status_code", 401,
		"route", "/api/login",
		"method", "POST",
		"ip", "1.2.3.4",
		"reason", "bad password",
	}, ev.LogAttrs())
}

func TestEventKindValid(t *testing.T) {
	for _, k := range []EventKind{KindAuthSuccess, KindAuthFailure, KindAuthzDenied, KindBillingDenied, KindRateLimited} {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, EventKind("login").Valid())
}
