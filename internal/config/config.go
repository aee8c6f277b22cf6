// Package config loads the relay client configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/relay/internal/policy"
)

// Config is the full client configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Backoff  policy.Config `yaml:"backoff"`
	Queue    QueueConfig   `yaml:"queue"`
	Registry RegConfig     `yaml:"registry"`
	Redis    RedisConfig   `yaml:"redis"`
}

// ServerConfig points the client at a relay server.
type ServerConfig struct {
	// WSURL is the primary channel endpoint, e.g. ws://host:8080/ws.
	WSURL string `yaml:"ws_url"`
	// FallbackURL is the base URL of the long-poll surface, e.g.
	// http://host:8080/relay.
	FallbackURL string `yaml:"fallback_url"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	IdleWindow     time.Duration `yaml:"idle_window"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// QueueConfig bounds the outbound buffer.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// RegConfig tunes the connection registry.
type RegConfig struct {
	Staleness time.Duration `yaml:"staleness"`
}

// RedisConfig enables the persisted failure counter when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			WSURL:          "ws://localhost:8080/ws",
			FallbackURL:    "http://localhost:8080/relay",
			ConnectTimeout: 10 * time.Second,
			PollTimeout:    30 * time.Second,
			IdleWindow:     45 * time.Second,
			PingInterval:   15 * time.Second,
		},
		Backoff:  policy.DefaultConfig(),
		Queue:    QueueConfig{Capacity: 50},
		Registry: RegConfig{Staleness: 30 * time.Second},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the transport cannot run with.
func (c Config) Validate() error {
	if c.Server.WSURL == "" {
		return fmt.Errorf("config: server.ws_url is required")
	}
	if c.Server.FallbackURL == "" {
		return fmt.Errorf("config: server.fallback_url is required")
	}
	if c.Queue.Capacity < 0 {
		return fmt.Errorf("config: queue.capacity must not be negative")
	}
	if c.Server.PollTimeout < 0 || c.Server.ConnectTimeout < 0 || c.Server.PingInterval < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}
	if c.Server.PingInterval > 0 && c.Server.IdleWindow > 0 && c.Server.PingInterval >= c.Server.IdleWindow {
		return fmt.Errorf("config: server.ping_interval must be shorter than server.idle_window")
	}
	return nil
}
