// Package middleware adapts the admission gate and audit recorder to
// net/http handlers.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"admitguard/internal/model"
	"admitguard/internal/ratelimit"
)

// AuditRecorder is satisfied by *engine.Recorder.
type AuditRecorder interface {
	Record(ctx context.Context, ev model.AuditEvent) (model.SpikeAlert, bool)
}

type AdmissionConfig struct {
	Gate   *ratelimit.Gate
	Policy ratelimit.Policy

	// KeyFunc derives the caller identifier. Defaults to the client IP.
	KeyFunc func(*http.Request) string

	// TrustForwardedFor lets X-Forwarded-For and X-Real-IP override the
	// socket address. Enable only behind a proxy that sets them.
	TrustForwardedFor bool

	// Recorder, when set, receives a rate_limited event for every denial.
	Recorder AuditRecorder
}

// Admission rejects requests over the policy budget with a 429.
func Admission(cfg AdmissionConfig) func(http.Handler) http.Handler {
	keyFn := cfg.KeyFunc
	if keyFn == nil {
		keyFn = func(r *http.Request) string {
			return ratelimit.ClientIP(RequestInfoFrom(r, cfg.TrustForwardedFor))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := keyFn(r)
			d := cfg.Gate.Check(id, cfg.Policy)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			WriteDenial(w, d.Denial())
			if cfg.Recorder != nil {
				cfg.Recorder.Record(r.Context(), model.AuditEvent{
					Kind:       model.KindRateLimited,
					StatusCode: http.StatusTooManyRequests,
					Route:      r.URL.Path,
					Method:     r.Method,
					RequestID:  RequestIDFrom(r.Context()),
					IP:         ratelimit.ClientIP(RequestInfoFrom(r, cfg.TrustForwardedFor)),
					Reason:     d.Namespace,
				})
			}
		})
	}
}

// WriteDenial writes the 429 body and quota headers.
func WriteDenial(w http.ResponseWriter, d ratelimit.Denial) {
	for k, v := range d.Headers() {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": d.Message})
}

// RequestInfoFrom builds the IP derivation input for r. Without trust only the
// socket address is used.
func RequestInfoFrom(r *http.Request, trustForwardedFor bool) ratelimit.RequestInfo {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !trustForwardedFor {
		return ratelimit.RequestInfo{RealIP: remote}
	}
	info := ratelimit.RequestInfo{
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-IP"),
	}
	if info.RealIP == "" {
		info.RealIP = remote
	}
	return info
}
