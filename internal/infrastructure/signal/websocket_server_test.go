package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/services"
	"meshcast/internal/infrastructure/middleware"
	"meshcast/internal/infrastructure/monitoring"
	"meshcast/internal/infrastructure/relay"
	"meshcast/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testStream = "stream-1"

type testServer struct {
	url    string
	tokens *services.TokenService
	server *WebSocketServer
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Signal.RequireAuth = true
	cfg.Signal.PingInterval = time.Second
	cfg.Signal.PongTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	tokens := services.NewTokenService("test-secret", time.Hour)
	backing := relay.NewMemoryRelay(relay.Options{})
	t.Cleanup(func() { backing.Close() })

	ws := NewWebSocketServer(backing, tokens, monitoring.NopCollector{}, cfg, zap.NewNop())

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	ws.SetupRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		ws.CloseAll()
		srv.Close()
	})

	return &testServer{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		tokens: tokens,
		server: ws,
	}
}

func (ts *testServer) dial(t *testing.T, peer domain.PeerID) *websocket.Conn {
	t.Helper()
	token, err := ts.tokens.IssueToken(peer)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(ts.url+"?stream_id="+testStream, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func read(t *testing.T, conn *websocket.Conn) domain.SignalEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env domain.SignalEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var env domain.SignalEnvelope
	err := conn.ReadJSON(&env)
	require.Error(t, err, "unexpected frame %s from %s", env.Type, env.From)
}

func TestWebSocketServer_StampsAuthenticatedSender(t *testing.T) {
	ts := newTestServer(t, nil)
	host := ts.dial(t, "host")
	alice := ts.dial(t, "alice")

	send(t, alice, map[string]interface{}{
		"type":    "viewer-join",
		"from":    "mallory",
		"payload": nil,
	})

	env := read(t, host)
	assert.Equal(t, domain.EnvelopeViewerJoin, env.Type)
	assert.Equal(t, domain.PeerID("alice"), env.From)
	assert.Equal(t, domain.StreamID(testStream), env.StreamID)
	expectSilence(t, alice)
}

func TestWebSocketServer_AddressedDelivery(t *testing.T) {
	ts := newTestServer(t, nil)
	host := ts.dial(t, "host")
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")

	send(t, host, map[string]interface{}{
		"type":    "offer",
		"to":      "alice",
		"payload": map[string]string{"type": "offer", "sdp": "v=0"},
	})

	env := read(t, alice)
	assert.Equal(t, domain.EnvelopeOffer, env.Type)
	assert.Equal(t, domain.PeerID("host"), env.From)
	expectSilence(t, bob)
}

func TestWebSocketServer_RejectsInvalidFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.dial(t, "alice")

	cases := []struct {
		name  string
		frame map[string]interface{}
	}{
		{name: "unknown type", frame: map[string]interface{}{"type": "chat"}},
		{name: "unaddressed offer", frame: map[string]interface{}{"type": "offer", "payload": map[string]string{"sdp": "v=0"}}},
		{name: "foreign stream", frame: map[string]interface{}{"type": "viewer-join", "streamId": "other"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			send(t, alice, tc.frame)
			env := read(t, alice)
			require.Equal(t, domain.EnvelopeError, env.Type)

			var payload errorPayload
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
			assert.Equal(t, "INVALID_INPUT", string(payload.Code))
		})
	}
}

func TestWebSocketServer_RateLimitsFrames(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimiting.Enabled = true
		cfg.RateLimiting.WebSocket.MessagesPerSecond = 0.01
		cfg.RateLimiting.WebSocket.Burst = 1
	})
	host := ts.dial(t, "host")
	alice := ts.dial(t, "alice")

	join := map[string]interface{}{"type": "viewer-join"}
	send(t, alice, join)
	send(t, alice, join)

	read(t, host)
	env := read(t, alice)
	require.Equal(t, domain.EnvelopeError, env.Type)
	var payload errorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", string(payload.Code))
	expectSilence(t, host)
}

func TestWebSocketServer_Handshake(t *testing.T) {
	ts := newTestServer(t, nil)

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(ts.url+"?stream_id="+testStream, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad stream id", func(t *testing.T) {
		token, _ := ts.tokens.IssueToken("alice")
		_, resp, err := websocket.DefaultDialer.Dial(ts.url+"?stream_id=a/b&token="+token, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("peer id without auth", func(t *testing.T) {
		open := newTestServer(t, func(cfg *config.Config) { cfg.Signal.RequireAuth = false })
		conn, _, err := websocket.DefaultDialer.Dial(open.url+"?stream_id="+testStream+"&peer_id=carol", nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Eventually(t, func() bool {
			return open.server.IsPeerConnected(testStream, "carol")
		}, time.Second, 10*time.Millisecond)
	})
}

func TestWebSocketServer_ReconnectReplacesConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	first := ts.dial(t, "alice")
	ts.dial(t, "alice")

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "old connection must be closed")
	assert.Eventually(t, func() bool { return ts.server.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocketRelayClient_EndToEnd(t *testing.T) {
	ts := newTestServer(t, nil)

	client := relay.NewWebSocketRelay(relay.WebSocketConfig{
		URL: ts.url,
		Token: func(peer domain.PeerID) (string, error) {
			return ts.tokens.IssueToken(peer)
		},
	}, relay.Options{})
	defer client.Close()

	ctx := context.Background()
	hostSub, err := client.Subscribe(ctx, testStream, "host")
	require.NoError(t, err)
	viewerSub, err := client.Subscribe(ctx, testStream, "alice")
	require.NoError(t, err)

	join, err := domain.NewBroadcastEnvelope(domain.EnvelopeViewerJoin, testStream, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, join))

	select {
	case env := <-hostSub.Envelopes():
		assert.Equal(t, domain.PeerID("alice"), env.From)
	case <-time.After(2 * time.Second):
		t.Fatal("host never saw the join")
	}

	offer, err := domain.NewAddressedEnvelope(domain.EnvelopeOffer, testStream, "host", "alice", map[string]string{"sdp": "v=0"})
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, offer))

	select {
	case env := <-viewerSub.Envelopes():
		assert.Equal(t, domain.EnvelopeOffer, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("viewer never saw the offer")
	}

	// publishing as a peer without a connection fails
	stray, _ := domain.NewBroadcastEnvelope(domain.EnvelopeViewerJoin, testStream, "nobody", nil)
	assert.ErrorIs(t, client.Publish(ctx, stray), domain.ErrTransportUnavailable)

	require.NoError(t, client.Unsubscribe(viewerSub))
	_, ok := <-viewerSub.Envelopes()
	assert.False(t, ok)
	assert.NoError(t, viewerSub.Err())
}

func TestWebSocketRelayClient_ServerGoneReportsTransportError(t *testing.T) {
	ts := newTestServer(t, nil)
	client := relay.NewWebSocketRelay(relay.WebSocketConfig{
		URL:   ts.url,
		Token: func(peer domain.PeerID) (string, error) { return ts.tokens.IssueToken(peer) },
	}, relay.Options{})
	defer client.Close()

	sub, err := client.Subscribe(context.Background(), testStream, "alice")
	require.NoError(t, err)

	ts.server.CloseAll()

	select {
	case _, ok := <-sub.Envelopes():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	assert.ErrorIs(t, sub.Err(), domain.ErrTransportUnavailable)
}
