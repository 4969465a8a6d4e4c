// Package metrics exposes Prometheus collectors for admission decisions,
// recorded audit events, spike alerts and telemetry sink faults.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "admitguard"

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	admissions  *prometheus.CounterVec
	auditEvents *prometheus.CounterVec
	spikeAlerts *prometheus.CounterVec
	sinkErrors  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission gate decisions by policy namespace and outcome.",
		}, []string{"namespace", "outcome"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Recorded security audit events by kind and HTTP status.",
		}, []string{"kind", "status"}),
		spikeAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "spike_alerts_total",
			Help:      "Spike alerts raised by HTTP status.",
		}, []string{"status"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "sink_errors_total",
			Help:      "Failures swallowed by best-effort telemetry sinks.",
		}, []string{"sink"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Events or sink jobs dropped because a queue was full.",
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(m.admissions, m.auditEvents, m.spikeAlerts, m.sinkErrors, m.dropped)
	}
	return m
}

func (m *Metrics) Admission(ns string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.admissions.WithLabelValues(ns, outcome).Inc()
}

func (m *Metrics) AuditEvent(kind string, status int) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(kind, strconv.Itoa(status)).Inc()
}

func (m *Metrics) SpikeAlert(status int) {
	if m == nil {
		return
	}
	m.spikeAlerts.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) Dropped(queue string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(queue).Inc()
}
