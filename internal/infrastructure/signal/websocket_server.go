package signal

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/internal/infrastructure/middleware"
	"meshcast/pkg/config"
	"meshcast/pkg/errors"
	"meshcast/pkg/logger"
	"meshcast/pkg/tracing"
	"meshcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebSocketServer is the relay server. Each websocket connection is one
// (stream, peer) subscription on a backing relay; frames from the client are
// stamped with the authenticated peer id and published to that relay.
type WebSocketServer struct {
	relay     ports.SignalingRelay
	validator ports.TokenValidator
	metrics   ports.MetricsCollector
	limiter   *middleware.ConnectionLimiter
	cfg       *config.Config

	upgrader websocket.Upgrader

	connections map[connKey]*connection
	mu          sync.RWMutex

	logger *logger.ContextLogger
}

type connKey struct {
	streamID domain.StreamID
	peerID   domain.PeerID
}

type connection struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func NewWebSocketServer(
	relay ports.SignalingRelay,
	validator ports.TokenValidator,
	metrics ports.MetricsCollector,
	cfg *config.Config,
	log *zap.Logger,
) *WebSocketServer {
	s := &WebSocketServer{
		relay:       relay,
		validator:   validator,
		metrics:     metrics,
		limiter:     middleware.NewConnectionLimiter(cfg),
		cfg:         cfg,
		connections: make(map[connKey]*connection),
		logger:      logger.NewContextLogger(log),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *WebSocketServer) SetupRoutes(router gin.IRouter) {
	router.GET("/ws", s.HandleWebSocket)
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Signal.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// authenticate resolves the peer id of a handshake. Without require_auth a
// peer_id query parameter is accepted when no token is sent.
func (s *WebSocketServer) authenticate(r *http.Request) (domain.PeerID, *errors.AppError) {
	token, hasToken := middleware.BearerToken(r)
	if !hasToken {
		if s.cfg.Signal.RequireAuth {
			return "", errors.NewUnauthorizedError("bearer token required")
		}
		peerID := r.URL.Query().Get("peer_id")
		if err := validation.ValidatePeerID(peerID); err != nil {
			return "", errors.NewInvalidInputError(err.Error())
		}
		return domain.PeerID(peerID), nil
	}

	if s.validator == nil {
		return "", errors.NewUnauthorizedError("token authentication is not configured")
	}
	peerID, err := s.validator.ValidateToken(token)
	if err != nil {
		return "", errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	}
	return peerID, nil
}

func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	streamID := c.Query("stream_id")
	if err := validation.ValidateStreamID(streamID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	peerID, appErr := s.authenticate(c.Request)
	if appErr != nil {
		c.Error(appErr)
		return
	}

	release, ok := s.limiter.Acquire()
	if !ok {
		c.Error(errors.NewCapacityError("too many websocket connections"))
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(logger.WithPeer(context.Background(), string(peerID), streamID))
	defer cancel()
	log := s.logger.WithContext(ctx)

	sub, err := s.relay.Subscribe(ctx, domain.StreamID(streamID), peerID)
	if err != nil {
		log.Warnw("Backing relay subscribe failed", "error", err)
		c.Error(errors.NewTransportUnavailableError(err))
		return
	}
	defer s.relay.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if limit := s.cfg.RateLimiting.WebSocket.MaxMessageSizeBytes; s.cfg.RateLimiting.Enabled && limit > 0 {
		conn.SetReadLimit(limit)
	}

	key := connKey{streamID: domain.StreamID(streamID), peerID: peerID}
	s.mu.Lock()
	existing, isReconnect := s.connections[key]
	s.connections[key] = &connection{conn: conn, cancel: cancel}
	s.mu.Unlock()
	if isReconnect {
		// a peer holds at most one connection per stream
		existing.cancel()
		log.Infow("closing old connection for reconnecting peer")
	}

	log.Infow("peer connected via WebSocket", "reconnect", isReconnect)
	s.serve(ctx, conn, sub, key, log)

	s.mu.Lock()
	if current, ok := s.connections[key]; ok && current.conn == conn {
		delete(s.connections, key)
	}
	s.mu.Unlock()

	log.Infow("peer disconnected")
}

// serve owns every write to conn. The reader goroutine only forwards frames.
func (s *WebSocketServer) serve(ctx context.Context, conn *websocket.Conn, sub ports.Subscription, key connKey, log *zap.SugaredLogger) {
	pongTimeout := s.cfg.Signal.PongTimeout
	writeTimeout := s.cfg.Signal.WriteTimeout

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.Signal.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			select {
			case messageChan <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	limiter := middleware.NewMessageLimiter(s.cfg)
	write := func(v interface{}) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}

	for {
		select {
		case data := <-messageChan:
			if appErr := s.handleFrame(ctx, key, data, limiter); appErr != nil {
				log.Infow("rejected frame from peer", "code", appErr.Code, "error", appErr.Message)
				if err := write(errorFrame(key, appErr)); err != nil {
					return
				}
			}

		case env, ok := <-sub.Envelopes():
			if !ok {
				if err := sub.Err(); err != nil {
					log.Warnw("backing relay failed, closing connection", "error", err)
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable"),
						time.Now().Add(writeTimeout))
				}
				return
			}
			if err := write(env); err != nil {
				log.Infow("error writing envelope", "error", err)
				return
			}
			s.metrics.RecordEnvelope("out", env.Type)

		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Infow("error sending ping", "error", err)
				return
			}

		case err := <-errorChan:
			if stderrors.Is(err, websocket.ErrReadLimit) {
				s.metrics.RecordEnvelopeDropped("too_large")
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "message too large"),
					time.Now().Add(writeTimeout))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("error reading message from peer", "error", err)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *WebSocketServer) handleFrame(ctx context.Context, key connKey, data []byte, limiter *rate.Limiter) *errors.AppError {
	if limiter != nil && !limiter.Allow() {
		s.metrics.RecordEnvelopeDropped("rate_limited")
		return errors.NewRateLimitError()
	}

	var env domain.SignalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errors.NewInvalidInputError("frame is not a signal envelope")
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, string(env.Type), string(key.peerID), string(key.streamID))
	defer span.End()

	if env.StreamID != "" && env.StreamID != key.streamID {
		return errors.NewInvalidInputError("envelope stream does not match connection")
	}
	env.StreamID = key.streamID
	env.From = key.peerID
	if err := env.Validate(); err != nil {
		tracing.RecordError(ctx, err)
		return errors.NewInvalidInputError(err.Error())
	}
	s.metrics.RecordEnvelope("in", env.Type)

	if err := s.relay.Publish(ctx, &env); err != nil {
		tracing.RecordError(ctx, err)
		return errors.NewTransportUnavailableError(err)
	}
	return nil
}

type errorPayload struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func errorFrame(key connKey, appErr *errors.AppError) *domain.SignalEnvelope {
	payload, _ := json.Marshal(errorPayload{Code: appErr.Code, Message: appErr.Message})
	to := key.peerID
	return &domain.SignalEnvelope{
		Type:     domain.EnvelopeError,
		StreamID: key.streamID,
		From:     "",
		To:       &to,
		Payload:  payload,
	}
}

// ConnectionCount returns the number of open websocket connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// IsPeerConnected reports whether peerID holds a connection on streamID.
func (s *WebSocketServer) IsPeerConnected(streamID domain.StreamID, peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[connKey{streamID: streamID, peerID: peerID}]
	return ok
}

// HealthCheck reports connection statistics for the /health endpoint.
func (s *WebSocketServer) HealthCheck() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := make(map[domain.StreamID]int)
	for key := range s.connections {
		streams[key.streamID]++
	}
	return map[string]interface{}{
		"connections": len(s.connections),
		"streams":     len(streams),
	}
}

// CloseAll drops every connection, used on shutdown.
func (s *WebSocketServer) CloseAll() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.cancel()
	}
}
