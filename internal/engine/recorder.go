package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/time/rate"

	"admitguard/internal/alerts"
	"admitguard/internal/logging"
	"admitguard/internal/metrics"
	"admitguard/internal/model"
	"admitguard/internal/storage"
)

// StatsSink receives every recorded event. Implementations must tolerate
// being called from a single background goroutine.
type StatsSink interface {
	Record(ctx context.Context, ev model.AuditEvent) error
}

// AlertPublisher forwards spike alerts to an external bus.
type AlertPublisher interface {
	Publish(ctx context.Context, alert model.SpikeAlert) error
}

type Options struct {
	Logger    *slog.Logger
	Clock     quartz.Clock
	Detector  *SpikeDetector
	Alerts    *alerts.Store
	Storage   storage.Store
	Publisher AlertPublisher
	Stats     StatsSink
	Metrics   *metrics.Metrics

	// QueueSize bounds the background sink queue. Jobs that do not fit are
	// dropped and counted.
	QueueSize   int
	SinkTimeout time.Duration
}

type sinkJob struct {
	name string
	run  func(ctx context.Context) error
}

// Recorder logs audit events, feeds the spike detector and fans events and
// alerts out to the optional sinks. Record never blocks on a sink and never
// fails the caller.
type Recorder struct {
	logger    *slog.Logger
	clock     quartz.Clock
	detector  *SpikeDetector
	alerts    *alerts.Store
	store     storage.Store
	publisher AlertPublisher
	stats     StatsSink
	metrics   *metrics.Metrics

	jobs        chan sinkJob
	sinkTimeout time.Duration
	faults      *rate.Limiter
}

func NewRecorder(opts Options) *Recorder {
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	detector := opts.Detector
	if detector == nil {
		detector = NewSpikeDetector(clock, DefaultSpikePolicy(), 0)
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 1024
	}
	timeout := opts.SinkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{
		logger:      logger,
		clock:       clock,
		detector:    detector,
		alerts:      opts.Alerts,
		store:       opts.Storage,
		publisher:   opts.Publisher,
		stats:       opts.Stats,
		metrics:     opts.Metrics,
		jobs:        make(chan sinkJob, size),
		sinkTimeout: timeout,
		faults:      rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

func (r *Recorder) Detector() *SpikeDetector {
	return r.detector
}

// Record logs ev, counts it toward spike detection and schedules the sinks.
// It returns the alert raised by this event, if any.
func (r *Recorder) Record(ctx context.Context, ev model.AuditEvent) (alert model.SpikeAlert, fired bool) {
	defer func() {
		if p := recover(); p != nil {
			r.fault("record", fmt.Errorf("panic: %v", p))
		}
	}()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.clock.Now()
	}

	level := slog.LevelInfo
	if ev.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "audit event", ev.LogAttrs()...)
	r.metrics.AuditEvent(string(ev.Kind), ev.StatusCode)

	alert, fired = r.detector.Observe(ev)
	if fired {
		r.emit(ctx, alert)
	}

	if r.stats != nil {
		r.enqueue(sinkJob{name: "stats", run: func(ctx context.Context) error {
			return r.stats.Record(ctx, ev)
		}})
	}
	return alert, fired
}

func (r *Recorder) emit(ctx context.Context, alert model.SpikeAlert) {
	attrs := append(alert.Event.LogAttrs(),
		"spike_key", alert.SpikeKey,
		"spike_count", alert.SpikeCount,
		"threshold", alert.Threshold,
		"window_seconds", alert.WindowSeconds,
	)
	r.logger.Log(ctx, slog.LevelWarn, "audit spike detected", attrs...)
	r.metrics.SpikeAlert(alert.StatusCode)
	if r.alerts != nil {
		r.alerts.Add(alert)
	}
	if r.store != nil {
		r.enqueue(sinkJob{name: "storage", run: func(ctx context.Context) error {
			return r.store.SaveAlert(ctx, alert)
		}})
	}
	if r.publisher != nil {
		r.enqueue(sinkJob{name: "publisher", run: func(ctx context.Context) error {
			return r.publisher.Publish(ctx, alert)
		}})
	}
}

func (r *Recorder) enqueue(job sinkJob) {
	select {
	case r.jobs <- job:
	default:
		r.metrics.Dropped(job.name)
	}
}

// Start consumes events from in and runs the sink worker until ctx is done.
// in may be nil when events only arrive through Record.
func (r *Recorder) Start(ctx context.Context, in <-chan model.AuditEvent) {
	go r.runSinks(ctx)
	if in == nil {
		return
	}
	go func() {
		for {
			select {
			case ev := <-in:
				r.Record(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Recorder) runSinks(ctx context.Context) {
	for {
		select {
		case job := <-r.jobs:
			r.runJob(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

// Drain runs every queued sink job synchronously.
func (r *Recorder) Drain(ctx context.Context) {
	for {
		select {
		case job := <-r.jobs:
			r.runJob(ctx, job)
		default:
			return
		}
	}
}

func (r *Recorder) runJob(ctx context.Context, job sinkJob) {
	defer func() {
		if p := recover(); p != nil {
			r.fault(job.name, fmt.Errorf("panic: %v", p))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.sinkTimeout)
	defer cancel()
	if err := job.run(ctx); err != nil {
		r.fault(job.name, err)
	}
}

func (r *Recorder) fault(sink string, err error) {
	r.metrics.SinkError(sink)
	if r.faults.Allow() {
		r.logger.Error("audit sink failed", "sink", sink, "err", err)
	}
}

// Reset clears spike windows and the in-memory alert ring.
func (r *Recorder) Reset() {
	r.detector.Reset()
	if r.alerts != nil {
		r.alerts.Clear()
	}
}
