package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, map[int]int{401: 20, 402: 10, 403: 12, 429: 25}, cfg.Spike.Thresholds)
	assert.Equal(t, 5*time.Minute, cfg.Spike.Window)
	assert.Equal(t, 2*time.Minute, cfg.Spike.Cooldown)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.CleanupInterval)
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
rate_limit:
  exempt: ["10.0.0.1"]
  presets:
    sync:
      window: 30s
      capacity: 5
  ip:
    window: 1m
    capacity: 50
spike:
  cooldown: 1m
  thresholds:
    401: 5
ingest:
  rest:
    addr: ":9000"
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.RateLimit.Exempt)
	assert.Equal(t, PolicyConfig{Window: 30 * time.Second, Capacity: 5}, cfg.RateLimit.Presets["sync"])
	assert.Equal(t, 50, cfg.RateLimit.IP.Capacity)
	assert.Equal(t, time.Minute, cfg.Spike.Cooldown)
	assert.Equal(t, 5*time.Minute, cfg.Spike.Window, "unset fields keep defaults")
	assert.Equal(t, 5, cfg.Spike.Thresholds[401])
	assert.Equal(t, 10, cfg.Spike.Thresholds[402], "thresholds merge over defaults")
	assert.Equal(t, ":9000", cfg.Ingest.REST.Addr)
	assert.Equal(t, "api", cfg.Ingest.REST.Preset)
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"log_level":"warn","spike":{"thresholds":{"403":3}}}`))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Spike.Thresholds[403])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"bad preset":       "rate_limit:\n  presets:\n    auth:\n      window: 1m\n      capacity: 0\n",
		"preset colon":     "rate_limit:\n  presets:\n    \"a:b\":\n      window: 1m\n      capacity: 1\n",
		"bad ip window":    "rate_limit:\n  ip:\n    window: -1s\n    capacity: 1\n",
		"bad threshold":    "spike:\n  thresholds:\n    401: 0\n",
		"bad status":       "spike:\n  thresholds:\n    42: 1\n",
		"kafka incomplete": "ingest:\n  kafka:\n    enabled: true\n",
		"redis no addr":    "redis:\n  enabled: true\n",
		"alerts kafka":     "alerts:\n  kafka:\n    enabled: true\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "admitguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().LogLevel)

	next := *m.Get()
	next.LogLevel = "debug"
	require.NoError(t, Save(path, &next))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	needs, err := m.NeedsReload()
	require.NoError(t, err)
	require.True(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "debug", m.Get().LogLevel)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(DefaultConfig())
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Same(t, m.Get(), cfg)
}
