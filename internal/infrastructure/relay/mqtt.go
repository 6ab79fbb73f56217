package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	mqttTopicPrefix = "meshcast/signal/"
	// Signaling is best effort, so QoS 0 matches the relay contract.
	mqttQoS = 0

	mqttConnectTimeout = 10 * time.Second
	mqttWriteTimeout   = time.Second
	mqttPingTimeout    = 10 * time.Second
)

func mqttTopic(streamID domain.StreamID) string {
	return mqttTopicPrefix + string(streamID)
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// MQTTRelay carries envelopes over an MQTT broker. A stream's topic is
// subscribed while it has at least one local subscriber.
type MQTTRelay struct {
	client mqtt.Client
	opts   Options
	fanout *fanout

	mu     sync.Mutex
	closed bool
}

// NewMQTTRelay connects to the broker and returns a relay bound to it.
func NewMQTTRelay(cfg MQTTConfig, opts Options) (*MQTTRelay, error) {
	r := &MQTTRelay{opts: opts.withDefaults()}
	r.fanout = newFanout(r.opts)

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(cfg.Broker)
	clientOpts.SetClientID(cfg.ClientID + "-" + uuid.NewString())
	clientOpts.SetUsername(cfg.Username)
	clientOpts.SetPassword(cfg.Password)
	// Handlers never block, and envelopes are unordered anyway.
	clientOpts.SetOrderMatters(false)
	clientOpts.SetCleanSession(true)
	clientOpts.SetWriteTimeout(mqttWriteTimeout)
	clientOpts.SetPingTimeout(mqttPingTimeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectionLostHandler(r.onConnectionLost)
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		r.opts.Logger.Infow("Connected to MQTT broker", "broker", cfg.Broker)
	})
	clientOpts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		r.opts.Logger.Infow("Reconnecting to MQTT broker", "broker", cfg.Broker)
	})

	r.client = mqtt.NewClient(clientOpts)
	if t := r.client.Connect(); t.WaitTimeout(mqttConnectTimeout) && t.Error() != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", domain.ErrTransportUnavailable, cfg.Broker, t.Error())
	}
	return r, nil
}

func (r *MQTTRelay) Subscribe(ctx context.Context, streamID domain.StreamID, self domain.PeerID) (ports.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: relay closed", domain.ErrTransportUnavailable)
	}
	if !r.client.IsConnectionOpen() {
		return nil, fmt.Errorf("%w: broker not connected", domain.ErrTransportUnavailable)
	}

	sub := newSubscription(streamID, self, r.opts.Buffer)
	if first := r.fanout.add(sub); first {
		t := r.client.Subscribe(mqttTopic(streamID), mqttQoS, r.onMessage)
		if err := waitToken(ctx, t); err != nil {
			r.fanout.remove(sub)
			return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrTransportUnavailable, streamID, err)
		}
	}
	return sub, nil
}

// Publish hands the envelope to paho and returns. Delivery errors are only
// logged.
func (r *MQTTRelay) Publish(ctx context.Context, env *domain.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if !r.client.IsConnectionOpen() {
		return fmt.Errorf("%w: broker not connected", domain.ErrTransportUnavailable)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	topic := mqttTopic(env.StreamID)
	t := r.client.Publish(topic, mqttQoS, false, data)
	go func() {
		<-t.Done()
		if t.Error() != nil {
			r.opts.Logger.Warnw("Could not publish signal envelope",
				"topic", topic,
				"type", env.Type,
				"error", t.Error(),
			)
		}
	}()
	return nil
}

func (r *MQTTRelay) Unsubscribe(s ports.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.fanout.lookup(s)
	if !ok {
		return nil
	}
	_, last := r.fanout.remove(sub)
	sub.close(nil)

	if last && !r.closed && r.client.IsConnectionOpen() {
		topic := mqttTopic(sub.streamID)
		t := r.client.Unsubscribe(topic)
		go func() {
			<-t.Done()
			if t.Error() != nil {
				r.opts.Logger.Warnw("Could not unsubscribe", "topic", topic, "error", t.Error())
			}
		}()
	}
	return nil
}

func (r *MQTTRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.fanout.closeAll(nil)
	r.client.Disconnect(250)
	return nil
}

func (r *MQTTRelay) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var env domain.SignalEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		r.opts.Logger.Warnw("Failed to unmarshal signal envelope", "topic", msg.Topic(), "error", err)
		return
	}
	streamID := domain.StreamID(strings.TrimPrefix(msg.Topic(), mqttTopicPrefix))
	if env.StreamID != streamID || env.Validate() != nil {
		r.opts.Logger.Warnw("Discarding malformed signal envelope", "topic", msg.Topic())
		return
	}
	r.fanout.dispatch(&env)
}

// onConnectionLost closes every subscription. paho drops topic
// subscriptions with a clean session, so callers must resubscribe.
func (r *MQTTRelay) onConnectionLost(_ mqtt.Client, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Logger.Warnw("MQTT connection lost", "error", err)
	r.fanout.closeAll(err)
}

func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
