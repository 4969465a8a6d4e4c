package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Spike     SpikeConfig     `json:"spike" yaml:"spike"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type PolicyConfig struct {
	Window   time.Duration `json:"window" yaml:"window"`
	Capacity int           `json:"capacity" yaml:"capacity"`
}

func (p PolicyConfig) IsZero() bool {
	return p.Window == 0 && p.Capacity == 0
}

// RateLimitConfig is read once at startup; policies are not hot-reloaded.
type RateLimitConfig struct {
	CleanupInterval   time.Duration           `json:"cleanup_interval" yaml:"cleanup_interval"`
	Presets           map[string]PolicyConfig `json:"presets" yaml:"presets"`
	IP                PolicyConfig            `json:"ip" yaml:"ip"`
	User              PolicyConfig            `json:"user" yaml:"user"`
	Tenant            PolicyConfig            `json:"tenant" yaml:"tenant"`
	Exempt            []string                `json:"exempt" yaml:"exempt"`
	TrustForwardedFor bool                    `json:"trust_forwarded_for" yaml:"trust_forwarded_for"`
}

type SpikeConfig struct {
	Window          time.Duration `json:"window" yaml:"window"`
	Cooldown        time.Duration `json:"cooldown" yaml:"cooldown"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	// Thresholds maps an HTTP status to the in-window count that raises an
	// alert. Statuses not listed are never evaluated.
	Thresholds map[int]int `json:"thresholds" yaml:"thresholds"`
}

type IngestConfig struct {
	ChannelBuffer int           `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	REST          RESTConfig    `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	// Preset names the admission policy guarding the intake endpoint.
	Preset string `json:"preset" yaml:"preset"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Addr            string        `json:"addr" yaml:"addr"`
	Password        string        `json:"password" yaml:"password"`
	DB              int           `json:"db" yaml:"db"`
	Prefix          string        `json:"prefix" yaml:"prefix"`
	TTL             time.Duration `json:"ttl" yaml:"ttl"`
	TrackPrincipals bool          `json:"track_principals" yaml:"track_principals"`
}

type AlertsConfig struct {
	StoreLimit int              `json:"store_limit" yaml:"store_limit"`
	Kafka      AlertKafkaConfig `json:"kafka" yaml:"kafka"`
}

type AlertKafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

func DefaultSpikeThresholds() map[int]int {
	return map[int]int{401: 20, 402: 10, 403: 12, 429: 25}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		RateLimit: RateLimitConfig{
			CleanupInterval: 5 * time.Minute,
		},
		Spike: SpikeConfig{
			Window:          5 * time.Minute,
			Cooldown:        2 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			Thresholds:      DefaultSpikeThresholds(),
		},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			DedupeWindow:  time.Minute,
			REST:          RESTConfig{Enabled: true, Addr: ":8080", Preset: "api"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:admitguard.db?_pragma=busy_timeout(5000)"},
		Redis:   RedisConfig{Enabled: false, Prefix: "admitguard:audit", TTL: 24 * time.Hour},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON on top of DefaultConfig and validates the result.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode config: %w", decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.RateLimit.CleanupInterval <= 0 {
		cfg.RateLimit.CleanupInterval = 5 * time.Minute
	}
	if cfg.Spike.Window <= 0 {
		cfg.Spike.Window = 5 * time.Minute
	}
	if cfg.Spike.Cooldown <= 0 {
		cfg.Spike.Cooldown = 2 * time.Minute
	}
	if cfg.Spike.CleanupInterval <= 0 {
		cfg.Spike.CleanupInterval = 5 * time.Minute
	}
	if len(cfg.Spike.Thresholds) == 0 {
		cfg.Spike.Thresholds = DefaultSpikeThresholds()
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.REST.Preset == "" {
		cfg.Ingest.REST.Preset = "api"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "admitguard:audit"
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
}

func validatePolicy(name string, p PolicyConfig) error {
	if p.IsZero() {
		return nil
	}
	if p.Window <= 0 {
		return fmt.Errorf("rate_limit.%s.window must be > 0", name)
	}
	if p.Capacity < 1 {
		return fmt.Errorf("rate_limit.%s.capacity must be >= 1", name)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Alerts.Kafka.Enabled {
		if len(cfg.Alerts.Kafka.Brokers) == 0 || cfg.Alerts.Kafka.Topic == "" {
			return errors.New("alerts.kafka requires brokers and topic")
		}
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr required when redis.enabled is true")
	}
	for name, p := range cfg.RateLimit.Presets {
		if strings.Contains(name, ":") || name == "" {
			return fmt.Errorf("rate_limit.presets: invalid preset name %q", name)
		}
		if err := validatePolicy("presets."+name, p); err != nil {
			return err
		}
	}
	for name, p := range map[string]PolicyConfig{"ip": cfg.RateLimit.IP, "user": cfg.RateLimit.User, "tenant": cfg.RateLimit.Tenant} {
		if err := validatePolicy(name, p); err != nil {
			return err
		}
	}
	for status, threshold := range cfg.Spike.Thresholds {
		if status < 100 || status > 599 {
			return fmt.Errorf("spike.thresholds: invalid status %d", status)
		}
		if threshold < 1 {
			return fmt.Errorf("spike.thresholds[%d] must be >= 1", status)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file; Reload and Watch are
// no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the file's mtime and reloads on change until stop is closed.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
