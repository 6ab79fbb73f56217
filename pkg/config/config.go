package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		SubscriberBuffer    int           `yaml:"subscriber_buffer"`
		RequireAuth         bool          `yaml:"require_auth"`
		AllowedOrigins      []string      `yaml:"allowed_origins"`
		InstanceID          string        `yaml:"instance_id"`
		ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`
	} `yaml:"signal"`

	// Relay selects the signaling transport a session publishes through.
	Relay struct {
		Backend string `yaml:"backend"` // memory | redis | mqtt | websocket
		URL     string `yaml:"url"`     // websocket relay server, e.g. ws://localhost:8081/ws
		Token   string `yaml:"token"`
	} `yaml:"relay"`

	Storage struct {
		Backend string `yaml:"backend"` // memory | redis | sqlite
	} `yaml:"storage"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	MQTT struct {
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"client_id"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"mqtt"`

	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	TURN struct {
		Enabled  bool   `yaml:"enabled"`
		Port     int    `yaml:"port"`
		Realm    string `yaml:"realm"`
		PublicIP string `yaml:"public_ip"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		RelayMin uint16 `yaml:"relay_min_port"`
		RelayMax uint16 `yaml:"relay_max_port"`
	} `yaml:"turn"`

	Mesh struct {
		MaxViewers        int           `yaml:"max_viewers"` // 0 = unlimited
		CandidateBuffer   int           `yaml:"candidate_buffer"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PresenceTTL       time.Duration `yaml:"presence_ttl"`
		PresencePoll      time.Duration `yaml:"presence_poll"`
		// AnnounceInterval paces a viewer's viewer-join while it has no
		// connection to the host.
		AnnounceInterval time.Duration `yaml:"announce_interval"`
	} `yaml:"mesh"`

	Media struct {
		Dir        string `yaml:"dir"`
		ScreenFile string `yaml:"screen_file"`
		ScreenLoop bool   `yaml:"screen_loop"`
		MicFile    string `yaml:"mic_file"` // raw s16le 8kHz mono; empty sends a test tone
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

var (
	relayBackends   = map[string]bool{"memory": true, "redis": true, "mqtt": true, "websocket": true}
	storageBackends = map[string]bool{"memory": true, "redis": true, "sqlite": true}
)

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SubscriberBuffer <= 0 {
		return fmt.Errorf("signal.subscriber_buffer must be > 0")
	}

	// Relay
	if !relayBackends[c.Relay.Backend] {
		return fmt.Errorf("relay.backend %q is not one of memory, redis, mqtt, websocket", c.Relay.Backend)
	}
	if c.Relay.Backend == "websocket" && c.Relay.URL == "" {
		return fmt.Errorf("relay.url must not be empty when relay.backend=websocket")
	}
	if c.Relay.Backend == "mqtt" && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must not be empty when relay.backend=mqtt")
	}

	// Storage
	if !storageBackends[c.Storage.Backend] {
		return fmt.Errorf("storage.backend %q is not one of memory, redis, sqlite", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path must not be empty when storage.backend=sqlite")
	}

	// Redis
	if c.Relay.Backend == "redis" || c.Storage.Backend == "redis" {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis is used")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis is used")
		}
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// TURN
	if c.TURN.Enabled {
		if c.TURN.Port <= 0 {
			return fmt.Errorf("turn.port must be > 0 when turn.enabled=true")
		}
		if c.TURN.PublicIP == "" {
			return fmt.Errorf("turn.public_ip must not be empty when turn.enabled=true")
		}
		if c.TURN.Username == "" || c.TURN.Password == "" {
			return fmt.Errorf("turn.username and turn.password must be set when turn.enabled=true")
		}
		if c.TURN.RelayMin >= c.TURN.RelayMax {
			return fmt.Errorf("turn.relay_min_port must be < relay_max_port")
		}
	}

	// Mesh
	if c.Mesh.MaxViewers < 0 {
		return fmt.Errorf("mesh.max_viewers must be >= 0")
	}
	if c.Mesh.CandidateBuffer <= 0 {
		return fmt.Errorf("mesh.candidate_buffer must be > 0")
	}
	if c.Mesh.HeartbeatInterval <= 0 {
		return fmt.Errorf("mesh.heartbeat_interval must be > 0")
	}
	if c.Mesh.PresenceTTL <= c.Mesh.HeartbeatInterval {
		return fmt.Errorf("mesh.presence_ttl must be > mesh.heartbeat_interval")
	}
	if c.Mesh.PresencePoll <= 0 {
		return fmt.Errorf("mesh.presence_poll must be > 0")
	}
	if c.Mesh.AnnounceInterval <= 0 {
		return fmt.Errorf("mesh.announce_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Signal.RequireAuth {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when signal.require_auth=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8081"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SubscriberBuffer = 64
	cfg.Signal.RequireAuth = false
	cfg.Signal.AllowedOrigins = []string{"*"}
	cfg.Signal.ReconnectMaxBackoff = 10 * time.Second

	cfg.Relay.Backend = "memory"
	cfg.Storage.Backend = "memory"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "meshcast"

	cfg.SQLite.Path = "meshcast.db"

	cfg.TURN.Port = 3478
	cfg.TURN.Realm = "meshcast"
	cfg.TURN.RelayMin = 50000
	cfg.TURN.RelayMax = 55000

	cfg.Mesh.MaxViewers = 0
	cfg.Mesh.CandidateBuffer = 64
	cfg.Mesh.HeartbeatInterval = 10 * time.Second
	cfg.Mesh.PresenceTTL = 30 * time.Second
	cfg.Mesh.PresencePoll = 5 * time.Second
	cfg.Mesh.AnnounceInterval = 5 * time.Second

	cfg.Media.Dir = "media"
	cfg.Media.ScreenFile = "screen.ivf"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 12 * time.Hour

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if backend := os.Getenv("MESHCAST_RELAY_BACKEND"); backend != "" {
		c.Relay.Backend = backend
	}
	if url := os.Getenv("MESHCAST_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if backend := os.Getenv("MESHCAST_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if addr := os.Getenv("MESHCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if broker := os.Getenv("MESHCAST_MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if level := os.Getenv("MESHCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MESHCAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if v := os.Getenv("MESHCAST_MAX_VIEWERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Mesh.MaxViewers = n
		}
	}
}
