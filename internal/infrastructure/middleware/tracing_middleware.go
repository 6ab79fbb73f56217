package middleware

import (
	"time"

	"meshcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per request named after the route
// template, so /api/v1/sessions/:id groups every session lookup. The
// websocket upgrade gets a span too; it ends when the connection closes.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		if streamID := c.Param("id"); streamID != "" {
			span.SetAttributes(attribute.String("meshcast.path_id", streamID))
		} else if streamID := c.Query("stream_id"); streamID != "" {
			span.SetAttributes(attribute.String("meshcast.stream_id", streamID))
		}

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		// set by the auth middlewares further down the chain
		if peerID, ok := PeerFromContext(c); ok {
			span.SetAttributes(attribute.String("meshcast.peer_id", string(peerID)))
		}
		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int("http.response_size", c.Writer.Size()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)

		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
