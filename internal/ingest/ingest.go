// Package ingest accepts audit events from other services over HTTP and
// Kafka and hands them to the recorder through a bounded channel.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"admitguard/internal/metrics"
	"admitguard/internal/model"
)

// Intake is the shared entry point for every transport.
type Intake struct {
	out     chan<- model.AuditEvent
	dedupe  *DedupeCache
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewIntake returns an Intake writing to out. dedupe may be nil.
func NewIntake(out chan<- model.AuditEvent, dedupe *DedupeCache, logger *slog.Logger, m *metrics.Metrics) *Intake {
	return &Intake{out: out, dedupe: dedupe, logger: logger, metrics: m}
}

// Submit queues ev unless it is a redelivery or the queue is full. It reports
// whether the event was accepted.
func (in *Intake) Submit(ctx context.Context, ev model.AuditEvent, source string) bool {
	if in.dedupe != nil && in.dedupe.Seen(ev) {
		if in.logger != nil {
			in.logger.Debug("duplicate audit event dropped", "source", source, "request_id", ev.RequestID)
		}
		return false
	}
	if !SendNonBlocking(ctx, in.out, ev, in.logger) {
		in.metrics.Dropped("ingest")
		return false
	}
	return true
}

func SendNonBlocking(ctx context.Context, out chan<- model.AuditEvent, ev model.AuditEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "kind", ev.Kind, "status_code", ev.StatusCode)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
