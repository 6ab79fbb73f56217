package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/gorilla/websocket"
)

// TokenFunc returns the bearer token the relay server authenticates peer
// with.
type TokenFunc func(peer domain.PeerID) (string, error)

// StaticToken returns a TokenFunc that always yields token.
func StaticToken(token string) TokenFunc {
	return func(domain.PeerID) (string, error) { return token, nil }
}

type WebSocketConfig struct {
	URL          string
	Token        TokenFunc
	WriteTimeout time.Duration
	// PongTimeout bounds the silence tolerated from the server, which pings
	// periodically.
	PongTimeout time.Duration
}

// WebSocketRelay is a client of the relay server. Every subscription owns
// one connection, authenticated as the subscribing peer, and envelopes from
// that peer are published through it.
type WebSocketRelay struct {
	cfg    WebSocketConfig
	opts   Options
	dialer *websocket.Dialer

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

type wsConn struct {
	sub  *subscription
	conn *websocket.Conn

	writeMu sync.Mutex
	closing bool
	done    chan struct{}
}

func NewWebSocketRelay(cfg WebSocketConfig, opts Options) *WebSocketRelay {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	return &WebSocketRelay{
		cfg:  cfg,
		opts: opts.withDefaults(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		conns: make(map[string]*wsConn),
	}
}

func (r *WebSocketRelay) Subscribe(ctx context.Context, streamID domain.StreamID, self domain.PeerID) (ports.Subscription, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: relay closed", domain.ErrTransportUnavailable)
	}

	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("stream_id", string(streamID))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if r.cfg.Token != nil {
		token, err := r.cfg.Token(self)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain relay token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial relay: %v (status %d)", domain.ErrTransportUnavailable, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial relay: %v", domain.ErrTransportUnavailable, err)
	}

	c := &wsConn{
		sub:  newSubscription(streamID, self, r.opts.Buffer),
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(r.cfg.WriteTimeout))
	})

	r.mu.Lock()
	r.conns[c.sub.id] = c
	r.mu.Unlock()

	go r.readLoop(c)
	return c.sub, nil
}

func (r *WebSocketRelay) readLoop(c *wsConn) {
	defer close(c.done)

	var cause error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))

		var env domain.SignalEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.opts.Logger.Warnw("Failed to unmarshal relay frame", "error", err)
			continue
		}
		if env.Type == domain.EnvelopeError {
			r.opts.Logger.Warnw("Relay server rejected a frame",
				"stream_id", c.sub.streamID,
				"peer_id", c.sub.self,
				"payload", string(env.Payload),
			)
			continue
		}
		if env.StreamID != c.sub.streamID || env.Validate() != nil || !env.DeliverableTo(c.sub.self) {
			continue
		}
		if !c.sub.deliver(&env) && r.opts.Metrics != nil {
			r.opts.Metrics.RecordEnvelopeDropped("subscriber_full")
		}
	}

	r.mu.Lock()
	delete(r.conns, c.sub.id)
	r.mu.Unlock()

	c.writeMu.Lock()
	closing := c.closing
	c.writeMu.Unlock()

	c.conn.Close()
	if closing {
		c.sub.close(nil)
		return
	}
	r.opts.Logger.Warnw("Relay connection lost",
		"stream_id", c.sub.streamID,
		"peer_id", c.sub.self,
		"error", cause,
	)
	c.sub.close(cause)
}

func (r *WebSocketRelay) Publish(ctx context.Context, env *domain.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	var c *wsConn
	for _, candidate := range r.conns {
		if candidate.sub.streamID == env.StreamID && candidate.sub.self == env.From {
			c = candidate
			break
		}
	}
	r.mu.Unlock()

	if c == nil {
		return fmt.Errorf("%w: no relay connection for %s on %s", domain.ErrTransportUnavailable, env.From, env.StreamID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(r.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (r *WebSocketRelay) Unsubscribe(s ports.Subscription) error {
	r.mu.Lock()
	c, ok := r.conns[s.ID()]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.shutdown(c)
	return nil
}

func (r *WebSocketRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*wsConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.shutdown(c)
	}
	return nil
}

func (r *WebSocketRelay) shutdown(c *wsConn) {
	c.writeMu.Lock()
	c.closing = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		c.conn.Close()
		<-c.done
	}
}
