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

	"github.com/redis/go-redis/v9"
)

const (
	redisChannelPrefix  = "meshcast:signal:"
	redisHealthInterval = 5 * time.Second
)

func redisChannel(streamID domain.StreamID) string {
	return redisChannelPrefix + string(streamID)
}

// RedisRelay carries envelopes over Redis Pub/Sub. One PubSub connection
// serves every local subscription; a stream's channel is subscribed while it
// has at least one local subscriber.
type RedisRelay struct {
	client *redis.Client
	opts   Options
	fanout *fanout
	pubsub *redis.PubSub

	mu     sync.Mutex // serializes channel (un)subscribe against fanout changes
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewRedisRelay(client *redis.Client, opts Options) *RedisRelay {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &RedisRelay{
		client: client,
		opts:   opts,
		fanout: newFanout(opts),
		pubsub: client.Subscribe(ctx),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.receiveLoop()
	go r.healthLoop(ctx)
	return r
}

func (r *RedisRelay) Subscribe(ctx context.Context, streamID domain.StreamID, self domain.PeerID) (ports.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: relay closed", domain.ErrTransportUnavailable)
	}

	sub := newSubscription(streamID, self, r.opts.Buffer)
	if first := r.fanout.add(sub); first {
		if err := r.pubsub.Subscribe(ctx, redisChannel(streamID)); err != nil {
			r.fanout.remove(sub)
			return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrTransportUnavailable, streamID, err)
		}
	}

	r.opts.Logger.Debugw("Subscribed to signal channel",
		"stream_id", streamID,
		"peer_id", self,
		"subscription_id", sub.id,
	)
	return sub, nil
}

func (r *RedisRelay) Publish(ctx context.Context, env *domain.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, redisChannel(env.StreamID), data).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (r *RedisRelay) Unsubscribe(s ports.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.fanout.lookup(s)
	if !ok {
		return nil
	}
	_, last := r.fanout.remove(sub)
	sub.close(nil)

	if last && !r.closed {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.pubsub.Unsubscribe(ctx, redisChannel(sub.streamID)); err != nil {
			r.opts.Logger.Warnw("Failed to unsubscribe signal channel",
				"stream_id", sub.streamID,
				"error", err,
			)
		}
	}
	return nil
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	err := r.pubsub.Close()
	<-r.done
	r.fanout.closeAll(nil)
	return err
}

func (r *RedisRelay) receiveLoop() {
	defer close(r.done)

	for msg := range r.pubsub.Channel() {
		var env domain.SignalEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.opts.Logger.Warnw("Failed to unmarshal signal envelope",
				"channel", msg.Channel,
				"error", err,
			)
			continue
		}
		if id, ok := streamFromChannel(msg.Channel); !ok || id != env.StreamID || env.Validate() != nil {
			r.opts.Logger.Warnw("Discarding malformed signal envelope", "channel", msg.Channel)
			continue
		}
		r.fanout.dispatch(&env)
	}
}

// healthLoop closes every subscription when Redis stops answering so that
// callers resubscribe once it is back. go-redis reconnects the PubSub on its
// own, and anything published meanwhile is lost.
func (r *RedisRelay) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(redisHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, redisHealthInterval/2)
			err := r.client.Ping(pingCtx).Err()
			cancel()
			if err == nil || ctx.Err() != nil {
				continue
			}

			r.mu.Lock()
			streams := r.fanout.streamIDs()
			r.fanout.closeAll(err)
			if len(streams) > 0 {
				channels := make([]string, len(streams))
				for i, id := range streams {
					channels[i] = redisChannel(id)
				}
				unsubCtx, cancel := context.WithTimeout(ctx, redisHealthInterval/2)
				_ = r.pubsub.Unsubscribe(unsubCtx, channels...)
				cancel()
			}
			r.mu.Unlock()

			if len(streams) > 0 {
				r.opts.Logger.Warnw("Redis unreachable, dropped signal subscriptions",
					"streams", len(streams),
					"error", err,
				)
			}
		}
	}
}

// streamFromChannel is the inverse of redisChannel.
func streamFromChannel(channel string) (domain.StreamID, bool) {
	if !strings.HasPrefix(channel, redisChannelPrefix) {
		return "", false
	}
	return domain.StreamID(strings.TrimPrefix(channel, redisChannelPrefix)), true
}
