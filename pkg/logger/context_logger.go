package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	peerIDKey    contextKey = "peer_id"
	streamIDKey  contextKey = "stream_id"
)

// WithRequestID stores a request id for WithContext to pick up.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithPeer stores the authenticated peer and its stream.
func WithPeer(ctx context.Context, peerID, streamID string) context.Context {
	ctx = context.WithValue(ctx, peerIDKey, peerID)
	return context.WithValue(ctx, streamIDKey, streamID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext returns a logger carrying the request, peer and stream ids
// found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	fields := []zapcore.Field{}

	for _, key := range []contextKey{requestIDKey, peerIDKey, streamIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}

	if len(fields) == 0 {
		return cl.logger.Sugar()
	}
	return cl.logger.With(fields...).Sugar()
}

// Sugar returns the underlying logger without context fields.
func (cl *ContextLogger) Sugar() *zap.SugaredLogger {
	return cl.logger.Sugar()
}
