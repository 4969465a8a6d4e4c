package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"admitguard/internal/alerts"
	"admitguard/internal/api"
	"admitguard/internal/config"
	"admitguard/internal/engine"
	"admitguard/internal/ingest"
	"admitguard/internal/logging"
	"admitguard/internal/metrics"
	"admitguard/internal/middleware"
	"admitguard/internal/model"
	"admitguard/internal/ratelimit"
	"admitguard/internal/stats"
	"admitguard/internal/storage"
)

func newServeCmd(configPath *string) *cobra.Command {
	var watchInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the audit intake, spike detector and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath, watchInterval)
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 3*time.Second, "config file poll interval")
	return cmd
}

func loadConfig(path string) (*config.Manager, error) {
	path = config.ResolvePath(path)
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

func policyFromConfig(name string, p config.PolicyConfig) ratelimit.Policy {
	if p.IsZero() {
		return ratelimit.Policy{}
	}
	return ratelimit.Policy{Namespace: name, Window: p.Window, Capacity: p.Capacity}
}

// buildGate turns the rate_limit section into a Gate and checks that the
// REST intake preset exists.
func buildGate(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, clock quartz.Clock) (*ratelimit.Gate, error) {
	presets := make(map[string]ratelimit.Policy, len(cfg.RateLimit.Presets))
	for name, p := range cfg.RateLimit.Presets {
		if p.IsZero() {
			continue
		}
		policy := policyFromConfig(name, p)
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("preset %s: %w", name, err)
		}
		presets[name] = policy
	}
	gate := ratelimit.NewGate(ratelimit.Options{
		Clock:           clock,
		Logger:          logger,
		Metrics:         m,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
		Presets:         presets,
		IP:              policyFromConfig(ratelimit.NamespaceIP, cfg.RateLimit.IP),
		User:            policyFromConfig(ratelimit.NamespaceUser, cfg.RateLimit.User),
		Tenant:          policyFromConfig(ratelimit.NamespaceTenant, cfg.RateLimit.Tenant),
		Exempt:          cfg.RateLimit.Exempt,
	})
	if cfg.Ingest.REST.Enabled {
		if _, ok := gate.Preset(cfg.Ingest.REST.Preset); !ok {
			return nil, fmt.Errorf("ingest.rest.preset: unknown preset %q", cfg.Ingest.REST.Preset)
		}
	}
	return gate, nil
}

func serve(ctx context.Context, configPath string, watchInterval time.Duration) error {
	mgr, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	clock := quartz.NewReal()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gate, err := buildGate(cfg, logger, m, clock)
	if err != nil {
		return err
	}
	detector := engine.NewSpikeDetector(clock, engine.SpikePolicyFromConfig(cfg.Spike), cfg.Spike.CleanupInterval)
	alertStore := alerts.NewStore(cfg.Alerts.StoreLimit)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		logger.Info("alert storage enabled", "driver", cfg.Storage.Driver)
	}

	opts := engine.Options{
		Logger:   logger,
		Clock:    clock,
		Detector: detector,
		Alerts:   alertStore,
		Storage:  store,
		Metrics:  m,
	}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sink := stats.NewRedisStore(rdb,
			stats.WithPrefix(cfg.Redis.Prefix),
			stats.WithTTL(cfg.Redis.TTL),
			stats.WithTrackPrincipals(cfg.Redis.TrackPrincipals),
		)
		defer sink.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis stats unreachable, continuing", "addr", cfg.Redis.Addr, "err", err)
		}
		opts.Stats = sink
	}
	if cfg.Alerts.Kafka.Enabled {
		pub, err := alerts.NewKafkaPublisher(cfg.Alerts.Kafka.Brokers, cfg.Alerts.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("alert publisher: %w", err)
		}
		defer pub.Close()
		opts.Publisher = pub
	}
	recorder := engine.NewRecorder(opts)

	events := make(chan model.AuditEvent, cfg.Ingest.ChannelBuffer)
	recorder.Start(ctx, events)
	intake := ingest.NewIntake(events, ingest.NewDedupeCache(clock, cfg.Ingest.DedupeWindow), logger, m)

	if cfg.Ingest.REST.Enabled {
		preset, _ := gate.Preset(cfg.Ingest.REST.Preset)
		admission := middleware.Admission(middleware.AdmissionConfig{
			Gate:              gate,
			Policy:            preset,
			TrustForwardedFor: cfg.RateLimit.TrustForwardedFor,
			Recorder:          recorder,
		})
		ingest.StartREST(ctx, cfg.Ingest.REST.Addr, ingest.NewRESTHandler(intake, admission, logger), logger)
	} else {
		logger.Info("rest ingest disabled")
	}
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, intake, logger)

	api.Start(ctx, api.NewServer(api.Options{
		Config:    mgr,
		Alerts:    alertStore,
		Storage:   store,
		Admission: gate,
		Spikes:    detector,
		Gatherer:  reg,
		Presets:   gate.PresetNames(),
		Logger:    logger,
		Clock:     clock,
		Version:   Version,
	}))

	go mgr.Watch(watchInterval, func(next *config.Config) {
		detector.UpdatePolicy(engine.SpikePolicyFromConfig(next.Spike))
		logger.Info("config reloaded", "path", mgr.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	logger.Info("admitguard started", "version", Version)
	<-ctx.Done()
	logger.Info("admitguard stopping")
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recorder.Drain(drainCtx)
	return nil
}
