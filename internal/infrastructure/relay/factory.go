package relay

import (
	"fmt"

	"meshcast/internal/core/ports"
	"meshcast/pkg/config"

	"github.com/redis/go-redis/v9"
)

// Deps carries the shared clients a backend may need.
type Deps struct {
	Redis *redis.Client
	// Token authenticates websocket relay connections. When nil,
	// relay.token from config is sent for every peer.
	Token TokenFunc
}

// New builds the relay selected by relay.backend.
func New(cfg *config.Config, deps Deps, opts Options) (ports.SignalingRelay, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = cfg.Signal.SubscriberBuffer
	}

	switch cfg.Relay.Backend {
	case "memory", "":
		return NewMemoryRelay(opts), nil

	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis relay requires a redis client")
		}
		return NewRedisRelay(deps.Redis, opts), nil

	case "mqtt":
		return NewMQTTRelay(MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, opts)

	case "websocket":
		token := deps.Token
		if token == nil && cfg.Relay.Token != "" {
			token = StaticToken(cfg.Relay.Token)
		}
		return NewWebSocketRelay(WebSocketConfig{
			URL:          cfg.Relay.URL,
			Token:        token,
			WriteTimeout: cfg.Signal.WriteTimeout,
			PongTimeout:  cfg.Signal.PongTimeout,
		}, opts), nil

	default:
		return nil, fmt.Errorf("unsupported relay backend: %s", cfg.Relay.Backend)
	}
}
