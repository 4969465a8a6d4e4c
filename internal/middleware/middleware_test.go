package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admitguard/internal/model"
	"admitguard/internal/ratelimit"
)

type captureRecorder struct {
	events []model.AuditEvent
}

func (c *captureRecorder) Record(_ context.Context, ev model.AuditEvent) (model.SpikeAlert, bool) {
	c.events = append(c.events, ev)
	return model.SpikeAlert{}, false
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, remote string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmissionDeniesOverBudget(t *testing.T) {
	clk := quartz.NewMock(t)
	gate := ratelimit.NewGate(ratelimit.Options{Clock: clk})
	audit := &captureRecorder{}
	h := RequestID(Admission(AdmissionConfig{
		Gate:     gate,
		Policy:   ratelimit.NewPolicy("auth", time.Minute, 2),
		Recorder: audit,
	})(okHandler))

	for i := 0; i < 2; i++ {
		rec := serve(h, "10.0.0.1:5555", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Retry-After"))
	}

	rec := serve(h, "10.0.0.1:5555", map[string]string{RequestIDHeader: "req-7"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, clk.Now().Add(time.Minute).Unix(), mustInt64(t, rec.Header().Get("X-RateLimit-Reset")))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded. Try again in 60 seconds", body["message"])

	require.Len(t, audit.events, 1)
	ev := audit.events[0]
	assert.Equal(t, model.KindRateLimited, ev.Kind)
	assert.Equal(t, 429, ev.StatusCode)
	assert.Equal(t, "10.0.0.1", ev.IP)
	assert.Equal(t, "req-7", ev.RequestID)
	assert.Equal(t, "/api/login", ev.Route)

	other := serve(h, "10.0.0.2:5555", nil)
	assert.Equal(t, http.StatusOK, other.Code, "other callers keep their own budget")
}

func TestAdmissionIgnoresUntrustedForwardedFor(t *testing.T) {
	gate := ratelimit.NewGate(ratelimit.Options{Clock: quartz.NewMock(t)})
	h := Admission(AdmissionConfig{Gate: gate, Policy: ratelimit.NewPolicy("api", time.Minute, 1)})(okHandler)

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1", map[string]string{"X-Forwarded-For": "1.1.1.1"}).Code)
	rec := serve(h, "10.0.0.1:1", map[string]string{"X-Forwarded-For": "2.2.2.2"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "spoofed header does not buy a new budget")
}

func TestAdmissionCustomKey(t *testing.T) {
	gate := ratelimit.NewGate(ratelimit.Options{Clock: quartz.NewMock(t)})
	h := Admission(AdmissionConfig{
		Gate:    gate,
		Policy:  ratelimit.NewPolicy("user", time.Minute, 1),
		KeyFunc: func(r *http.Request) string { return r.Header.Get("X-User") },
	})(okHandler)

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1", map[string]string{"X-User": "a"}).Code)
	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1", map[string]string{"X-User": "b"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, "10.0.0.1:1", map[string]string{"X-User": "a"}).Code)
}

func TestRequestInfoFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:4000"
	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	req.Header.Set("X-Real-IP", "198.51.100.2")

	assert.Equal(t, ratelimit.RequestInfo{RealIP: "192.168.1.9"}, RequestInfoFrom(req, false))
	info := RequestInfoFrom(req, true)
	assert.Equal(t, "203.0.113.5", ratelimit.ClientIP(info))

	req.Header.Del("X-Forwarded-For")
	req.Header.Del("X-Real-IP")
	assert.Equal(t, "192.168.1.9", ratelimit.ClientIP(RequestInfoFrom(req, true)))
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := serve(h, "1.1.1.1:1", nil)
	assert.NotEmpty(t, seen)
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	serve(h, "1.1.1.1:1", map[string]string{RequestIDHeader: "abc"})
	assert.Equal(t, "abc", seen)
	assert.Empty(t, RequestIDFrom(context.Background()))
}

func mustInt64(t *testing.T, s string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, json.Unmarshal([]byte(s), &n))
	return n
}
