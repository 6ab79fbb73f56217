package middleware

import (
	"net/http"
	"strings"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// PeerIDKey is the gin context key holding the authenticated peer id.
const PeerIDKey = "peer_id"

// BearerToken extracts a token from the Authorization header, falling back
// to the token query parameter for browsers that cannot set headers on a
// websocket handshake.
func BearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

func AuthMiddleware(validator ports.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.Request)
		if !ok {
			c.Error(errors.NewUnauthorizedError("bearer token required"))
			c.Abort()
			return
		}

		peerID, err := validator.ValidateToken(token)
		if err != nil {
			c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			c.Abort()
			return
		}

		c.Set(PeerIDKey, peerID)
		c.Next()
	}
}

// OptionalAuthMiddleware sets the peer id when a valid token is present and
// lets the request through either way.
func OptionalAuthMiddleware(validator ports.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := BearerToken(c.Request); ok {
			if peerID, err := validator.ValidateToken(token); err == nil {
				c.Set(PeerIDKey, peerID)
			}
		}
		c.Next()
	}
}

// PeerFromContext returns the peer id set by the auth middlewares.
func PeerFromContext(c *gin.Context) (domain.PeerID, bool) {
	v, ok := c.Get(PeerIDKey)
	if !ok {
		return "", false
	}
	peerID, ok := v.(domain.PeerID)
	return peerID, ok && peerID != ""
}
