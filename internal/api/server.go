// Package api serves the admin HTTP surface: status, recent alerts,
// Prometheus metrics and store maintenance.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"admitguard/internal/alerts"
	"admitguard/internal/config"
	"admitguard/internal/middleware"
	"admitguard/internal/model"
	"admitguard/internal/storage"
)

// CounterStore is a resettable in-memory window store. *ratelimit.Gate and
// *engine.SpikeDetector satisfy it.
type CounterStore interface {
	Len() int
	Reset()
}

type Options struct {
	Config    *config.Manager
	Alerts    *alerts.Store
	Storage   storage.Store
	Admission CounterStore
	Spikes    CounterStore
	Gatherer  prometheus.Gatherer
	// Presets names the admission presets reported by /status.
	Presets []string
	Logger  *slog.Logger
	Clock   quartz.Clock
	Version string
}

type Server struct {
	opts    Options
	clock   quartz.Clock
	started time.Time
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Uptime     string       `json:"uptime"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path,omitempty"`
	Ingest     ingestStatus `json:"ingest"`
	Spike      spikeStatus  `json:"spike"`
	Presets    []string     `json:"presets"`
	Alerts     uint64       `json:"alerts_total"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type spikeStatus struct {
	Window     string         `json:"window"`
	Cooldown   string         `json:"cooldown"`
	Thresholds map[string]int `json:"thresholds"`
}

func NewServer(opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	if opts.Config == nil {
		opts.Config = config.NewStaticManager(config.DefaultConfig())
	}
	return &Server{opts: opts, clock: clock, started: clock.Now()}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/status", s.handleStatus)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/stores", s.handleStores)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/admin", func(r chi.Router) {
		r.Post("/clear", s.handleClear)
		r.Post("/reset", s.handleReset)
	})
	return r
}

// Start serves the admin API until ctx is done. It returns nil when the API
// is disabled.
func Start(ctx context.Context, s *Server) *http.Server {
	logger := s.opts.Logger
	current := s.opts.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.opts.Config.Get()
	now := s.clock.Now()
	thresholds := make(map[string]int, len(cfg.Spike.Thresholds))
	for status, n := range cfg.Spike.Thresholds {
		thresholds[strconv.Itoa(status)] = n
	}
	presets := s.opts.Presets
	if presets == nil {
		presets = []string{}
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       now.UTC().Format(time.RFC3339Nano),
		Uptime:     now.Sub(s.started).Round(time.Second).String(),
		Version:    s.opts.Version,
		ConfigPath: s.opts.Config.Path(),
		Ingest: ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		Spike: spikeStatus{
			Window:     cfg.Spike.Window.String(),
			Cooldown:   cfg.Spike.Cooldown.String(),
			Thresholds: thresholds,
		},
		Presets: presets,
	}
	if s.opts.Alerts != nil {
		resp.Alerts = s.opts.Alerts.Total()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAlerts lists recent alerts from memory, or from the configured store
// when source=storage.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = n
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		since = ts
	}

	var list []model.SpikeAlert
	switch q.Get("source") {
	case "storage":
		if s.opts.Storage == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var err error
		list, err = s.opts.Storage.ListAlerts(r.Context(), since, limit)
		if err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.Error("list stored alerts", "err", err)
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	case "", "memory":
		if s.opts.Alerts == nil {
			break
		}
		if !since.IsZero() {
			list = s.opts.Alerts.Since(since)
			if limit > 0 && len(list) > limit {
				list = list[len(list)-limit:]
			}
		} else {
			list = s.opts.Alerts.List(limit)
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if list == nil {
		list = []model.SpikeAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleStores(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]int{}
	if s.opts.Admission != nil {
		resp["admission_keys"] = s.opts.Admission.Len()
	}
	if s.opts.Spikes != nil {
		resp["spike_keys"] = s.opts.Spikes.Len()
	}
	if s.opts.Alerts != nil {
		resp["alerts"] = len(s.opts.Alerts.List(0))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "alerts"
	}
	switch target {
	case "alerts":
		s.clearAlerts()
	case "admission":
		s.clearStore(s.opts.Admission)
	case "spikes":
		s.clearStore(s.opts.Spikes)
	case "all":
		s.clearAlerts()
		s.clearStore(s.opts.Admission)
		s.clearStore(s.opts.Spikes)
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.logAdmin("admin clear", "target", target)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.clearStore(s.opts.Spikes)
	s.clearAlerts()
	s.logAdmin("admin reset")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) clearAlerts() {
	if s.opts.Alerts != nil {
		s.opts.Alerts.Clear()
	}
}

func (s *Server) clearStore(c CounterStore) {
	if c != nil {
		c.Reset()
	}
}

func (s *Server) logAdmin(msg string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Warn(msg, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
