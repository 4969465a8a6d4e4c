package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admitguard/internal/alerts"
	"admitguard/internal/metrics"
	"admitguard/internal/model"
)

type fakeStats struct {
	mu     sync.Mutex
	events []model.AuditEvent
	err    error
	panic  bool
}

func (f *fakeStats) Record(_ context.Context, ev model.AuditEvent) error {
	if f.panic {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

type fakeStorage struct {
	saved []model.SpikeAlert
}

func (f *fakeStorage) Init(context.Context) error { return nil }
func (f *fakeStorage) Close() error               { return nil }
func (f *fakeStorage) SaveAlert(_ context.Context, a model.SpikeAlert) error {
	f.saved = append(f.saved, a)
	return nil
}
func (f *fakeStorage) ListAlerts(context.Context, time.Time, int) ([]model.SpikeAlert, error) {
	return f.saved, nil
}

type fakePublisher struct {
	published []model.SpikeAlert
}

func (f *fakePublisher) Publish(_ context.Context, a model.SpikeAlert) error {
	f.published = append(f.published, a)
	return nil
}

type recorderFixture struct {
	rec   *Recorder
	clk   *quartz.Mock
	logs  *bytes.Buffer
	reg   *prometheus.Registry
	ring  *alerts.Store
	stats *fakeStats
	store *fakeStorage
	pub   *fakePublisher
}

func newRecorderFixture(t *testing.T) *recorderFixture {
	t.Helper()
	clk := quartz.NewMock(t)
	f := &recorderFixture{
		clk:   clk,
		logs:  &bytes.Buffer{},
		reg:   prometheus.NewRegistry(),
		ring:  alerts.NewStore(10),
		stats: &fakeStats{},
		store: &fakeStorage{},
		pub:   &fakePublisher{},
	}
	f.rec = NewRecorder(Options{
		Logger:    slog.New(slog.NewJSONHandler(f.logs, nil)),
		Clock:     clk,
		Detector:  NewSpikeDetector(clk, DefaultSpikePolicy(), 0),
		Alerts:    f.ring,
		Storage:   f.store,
		Publisher: f.pub,
		Stats:     f.stats,
		Metrics:   metrics.New(f.reg),
		QueueSize: 64,
	})
	return f
}

func (f *recorderFixture) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(f.logs.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRecordLogLevels(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()
	f.rec.Record(ctx, model.AuditEvent{Kind: model.KindAuthSuccess, StatusCode: 200, Route: "/api/me", Method: "GET", UserID: "u1"})
	f.rec.Record(ctx, model.AuditEvent{Kind: model.KindAuthzDenied, StatusCode: 403, Route: "/api/admin", Method: "DELETE", TenantID: "t1", Reason: "missing role"})

	recs := f.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "INFO", recs[0]["level"])
	assert.Equal(t, "auth_success", recs[0]["kind"])
	assert.Equal(t, "u1", recs[0]["user_id"])
	assert.NotContains(t, recs[0], "ip", "empty optional fields are omitted")
	assert.NotContains(t, recs[0], "tenant_id")

	assert.Equal(t, "WARN", recs[1]["level"])
	assert.EqualValues(t, 403, recs[1]["status_code"])
	assert.Equal(t, "missing role", recs[1]["reason"])

	assert.EqualValues(t, 1, counterValue(t, f.reg, "admitguard_audit_events_total", "status", "403"))
}

func TestRecordSpikeFansOut(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()
	ev := model.AuditEvent{Kind: model.KindBillingDenied, StatusCode: 402, Route: "/api/export", Method: "POST", TenantID: "acme"}

	var fired int
	for i := 0; i < 10; i++ {
		if _, ok := f.rec.Record(ctx, ev); ok {
			fired++
		}
	}
	require.Equal(t, 1, fired)
	f.rec.Drain(ctx)

	recs := f.records(t)
	last := recs[len(recs)-1]
	assert.Equal(t, "audit spike detected", last["msg"])
	assert.Equal(t, "WARN", last["level"])
	assert.Equal(t, "402:acme", last["spike_key"])
	assert.EqualValues(t, 10, last["spike_count"])
	assert.EqualValues(t, 10, last["threshold"])
	assert.EqualValues(t, 300, last["window_seconds"])
	assert.Equal(t, "acme", last["tenant_id"])

	require.Len(t, f.ring.List(0), 1)
	require.Len(t, f.store.saved, 1)
	require.Len(t, f.pub.published, 1)
	assert.Equal(t, "402:acme", f.pub.published[0].SpikeKey)
	assert.Len(t, f.stats.events, 10)
	assert.Equal(t, f.clk.Now(), f.stats.events[0].Timestamp, "zero timestamps are filled in")
	assert.EqualValues(t, 1, counterValue(t, f.reg, "admitguard_audit_spike_alerts_total", "status", "402"))
}

func TestSinkFaultsAreSwallowed(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()
	f.stats.err = errors.New("redis down")
	f.rec.Record(ctx, model.AuditEvent{Kind: model.KindAuthFailure, StatusCode: 401, IP: "1.1.1.1"})
	f.rec.Drain(ctx)
	assert.EqualValues(t, 1, counterValue(t, f.reg, "admitguard_audit_sink_errors_total", "sink", "stats"))

	f.stats.panic = true
	assert.NotPanics(t, func() {
		f.rec.Record(ctx, model.AuditEvent{Kind: model.KindAuthFailure, StatusCode: 401, IP: "1.1.1.1"})
		f.rec.Drain(ctx)
	})
	assert.EqualValues(t, 2, counterValue(t, f.reg, "admitguard_audit_sink_errors_total", "sink", "stats"))

	var errorLogs int
	for _, rec := range f.records(t) {
		if rec["level"] == "ERROR" {
			errorLogs++
			assert.Equal(t, "stats", rec["sink"])
		}
	}
	assert.Equal(t, 2, errorLogs)
}

func TestFullQueueDropsJobs(t *testing.T) {
	clk := quartz.NewMock(t)
	reg := prometheus.NewRegistry()
	stats := &fakeStats{}
	rec := NewRecorder(Options{
		Clock:     clk,
		Stats:     stats,
		Metrics:   metrics.New(reg),
		QueueSize: 2,
	})
	for i := 0; i < 5; i++ {
		rec.Record(context.Background(), model.AuditEvent{StatusCode: 200})
	}
	rec.Drain(context.Background())
	assert.Len(t, stats.events, 2)
	assert.EqualValues(t, 3, counterValue(t, reg, "admitguard_audit_dropped_total", "queue", "stats"))
}

func TestStartConsumesChannel(t *testing.T) {
	f := newRecorderFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan model.AuditEvent)
	f.rec.Start(ctx, in)
	for i := 0; i < 3; i++ {
		in <- model.AuditEvent{Kind: model.KindAuthSuccess, StatusCode: 200}
	}
	require.Eventually(t, func() bool {
		f.stats.mu.Lock()
		defer f.stats.mu.Unlock()
		return len(f.stats.events) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestRecorderReset(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()
	ev := model.AuditEvent{StatusCode: 429, Kind: model.KindRateLimited, IP: "5.5.5.5"}
	for i := 0; i < 25; i++ {
		f.rec.Record(ctx, ev)
	}
	require.Len(t, f.ring.List(0), 1)
	f.rec.Reset()
	assert.Empty(t, f.ring.List(0))
	assert.Zero(t, f.rec.Detector().Len())
}
