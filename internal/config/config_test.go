package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "ws://localhost:8080/ws", cfg.Server.WSURL)
	assert.Equal(t, "http://localhost:8080/relay", cfg.Server.FallbackURL)
	assert.Equal(t, 10*time.Second, cfg.Server.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, 50, cfg.Queue.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Registry.Staleness)
	assert.Equal(t, 2*time.Second, cfg.Backoff.BaseInterval)
	assert.Empty(t, cfg.Redis.Addr, "Redis is off by default")
	require.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  ws_url: ws://relay.internal:9000/ws
  fallback_url: http://relay.internal:9000/relay
backoff:
  base_interval: 1s
  max_attempts: 4
queue:
  capacity: 200
redis:
  addr: localhost:6379
  db: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://relay.internal:9000/ws", cfg.Server.WSURL)
	assert.Equal(t, time.Second, cfg.Backoff.BaseInterval)
	assert.Equal(t, 4, cfg.Backoff.MaxAttempts)
	assert.Equal(t, 200, cfg.Queue.Capacity)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)

	// Untouched fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Server.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.PollTimeout)
	assert.Equal(t, 30*time.Second, cfg.Backoff.MaxDelay)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing ws url", func(c *Config) { c.Server.WSURL = "" }, "ws_url"},
		{"missing fallback url", func(c *Config) { c.Server.FallbackURL = "" }, "fallback_url"},
		{"negative capacity", func(c *Config) { c.Queue.Capacity = -1 }, "capacity"},
		{"negative timeout", func(c *Config) { c.Server.PollTimeout = -time.Second }, "timeouts"},
		{"ping not shorter than idle window", func(c *Config) { c.Server.PingInterval = c.Server.IdleWindow }, "ping_interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
server:
  ws_url: ""
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws_url")
}
