package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got error: %v", err)
	}
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Relay.Backend)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 0, cfg.Mesh.MaxViewers)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s
relay:
  backend: redis
storage:
  backend: sqlite
sqlite:
  path: /tmp/meshcast-test.db
mesh:
  max_viewers: 8
  heartbeat_interval: 2s
  presence_ttl: 7s
logging:
  level: debug
`)

	t.Setenv("MESHCAST_LOG_LEVEL", "warn")
	t.Setenv("MESHCAST_REDIS_ADDRESS", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "unset values keep defaults")
	assert.Equal(t, "redis", cfg.Relay.Backend)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 8, cfg.Mesh.MaxViewers)
	assert.Equal(t, 2*time.Second, cfg.Mesh.HeartbeatInterval)
	assert.Equal(t, 7*time.Second, cfg.Mesh.PresenceTTL)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "redis:6380", cfg.Redis.Address)
}

func TestLoad_RejectsInvalidYAMLValues(t *testing.T) {
	path := writeTempConfig(t, `
relay:
  backend: carrier-pigeon
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "unknown relay backend",
			mutate: func(c *Config) { c.Relay.Backend = "smtp" },
		},
		{
			name:   "websocket relay needs url",
			mutate: func(c *Config) { c.Relay.Backend = "websocket"; c.Relay.URL = "" },
		},
		{
			name:   "mqtt relay needs broker",
			mutate: func(c *Config) { c.Relay.Backend = "mqtt"; c.MQTT.Broker = "" },
		},
		{
			name:   "sqlite storage needs path",
			mutate: func(c *Config) { c.Storage.Backend = "sqlite"; c.SQLite.Path = "" },
		},
		{
			name:   "redis needs address",
			mutate: func(c *Config) { c.Storage.Backend = "redis"; c.Redis.Address = "" },
		},
		{
			name:   "port range min must be < max",
			mutate: func(c *Config) { c.WebRTC.PortRange.Min = 6000; c.WebRTC.PortRange.Max = 5000 },
		},
		{
			name:   "turn needs public ip",
			mutate: func(c *Config) { c.TURN.Enabled = true; c.TURN.Username = "u"; c.TURN.Password = "p" },
		},
		{
			name:   "max viewers must be >= 0",
			mutate: func(c *Config) { c.Mesh.MaxViewers = -1 },
		},
		{
			name:   "presence ttl must exceed heartbeat interval",
			mutate: func(c *Config) { c.Mesh.PresenceTTL = c.Mesh.HeartbeatInterval },
		},
		{
			name:   "announce interval must be > 0",
			mutate: func(c *Config) { c.Mesh.AnnounceInterval = 0 },
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = time.Second; c.Signal.PingInterval = time.Second },
		},
		{
			name:   "auth secret required when auth enforced",
			mutate: func(c *Config) { c.Signal.RequireAuth = true; c.Auth.JWTSecret = "" },
		},
		{
			name:   "http rps must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 },
		},
		{
			name:   "http burst must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.Burst = 0 },
		},
		{
			name:   "ws messages per second must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 },
		},
		{
			name:   "ws max message size must be >= 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}
