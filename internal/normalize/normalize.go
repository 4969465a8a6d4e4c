// Package normalize turns loosely typed audit records from producers into
// model.AuditEvent values.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"admitguard/internal/model"
)

var (
	ErrMissingOutcome = errors.New("event has neither kind nor status code")
	ErrUnknownKind    = errors.New("unknown event kind")
)

// EventFields holds the raw string values pulled from a producer record.
type EventFields struct {
	Kind      string
	Status    string
	Route     string
	Method    string
	RequestID string
	IP        string
	UserID    string
	TenantID  string
	AuthType  string
	Reason    string
	Timestamp string
	Extras    map[string]string
}

// Normalize validates fields and fills in whichever of kind and status the
// producer left out. A missing timestamp stays zero so the recorder stamps it.
func Normalize(fields EventFields) (model.AuditEvent, error) {
	ev := model.AuditEvent{
		Route:     strings.TrimSpace(fields.Route),
		Method:    strings.ToUpper(strings.TrimSpace(fields.Method)),
		RequestID: strings.TrimSpace(fields.RequestID),
		IP:        strings.TrimSpace(fields.IP),
		UserID:    strings.TrimSpace(fields.UserID),
		TenantID:  strings.TrimSpace(fields.TenantID),
		AuthType:  strings.TrimSpace(fields.AuthType),
		Reason:    strings.TrimSpace(fields.Reason),
	}

	if raw := strings.TrimSpace(fields.Status); raw != "" {
		status, err := strconv.Atoi(raw)
		if err != nil || status < 100 || status > 599 {
			return model.AuditEvent{}, fmt.Errorf("invalid status code %q", raw)
		}
		ev.StatusCode = status
	}

	if raw := strings.ToLower(strings.TrimSpace(fields.Kind)); raw != "" {
		kind := model.EventKind(raw)
		if !kind.Valid() {
			return model.AuditEvent{}, fmt.Errorf("%w: %q", ErrUnknownKind, raw)
		}
		ev.Kind = kind
	}

	switch {
	case ev.Kind == "" && ev.StatusCode == 0:
		return model.AuditEvent{}, ErrMissingOutcome
	case ev.Kind == "":
		kind, ok := InferKind(ev.StatusCode)
		if !ok {
			return model.AuditEvent{}, fmt.Errorf("cannot infer kind from status %d", ev.StatusCode)
		}
		ev.Kind = kind
	case ev.StatusCode == 0:
		ev.StatusCode = DefaultStatus(ev.Kind)
	}

	if fields.Timestamp != "" {
		ts, err := ParseTimestamp(fields.Timestamp, time.UTC)
		if err != nil {
			return model.AuditEvent{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ev.Timestamp = ts.UTC()
	}
	return ev, nil
}

// InferKind maps a response status to the audit kind it usually means.
func InferKind(status int) (model.EventKind, bool) {
	switch {
	case status == 401:
		return model.KindAuthFailure, true
	case status == 402:
		return model.KindBillingDenied, true
	case status == 403:
		return model.KindAuthzDenied, true
	case status == 429:
		return model.KindRateLimited, true
	case status >= 200 && status < 300:
		return model.KindAuthSuccess, true
	}
	return "", false
}

// DefaultStatus is the status a kind is reported with when the producer did
// not say.
func DefaultStatus(kind model.EventKind) int {
	switch kind {
	case model.KindAuthFailure:
		return 401
	case model.KindBillingDenied:
		return 402
	case model.KindAuthzDenied:
		return 403
	case model.KindRateLimited:
		return 429
	}
	return 200
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
