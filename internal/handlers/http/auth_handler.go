package http

import (
	"net/http"
	"strings"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/services"
	"meshcast/pkg/errors"
	"meshcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuthHandler issues relay tokens. There is no user store: whoever can
// reach the endpoint may pick a peer id, so deployments that need real
// identities put their own issuer in front and share the secret.
type AuthHandler struct {
	tokens *services.TokenService
	ttl    time.Duration
}

func NewAuthHandler(tokens *services.TokenService, ttl time.Duration) *AuthHandler {
	return &AuthHandler{tokens: tokens, ttl: ttl}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	PeerID   string `json:"peer_id" binding:"max=100"`
	StreamID string `json:"stream_id" binding:"max=100"`
}

type TokenResponse struct {
	PeerID    domain.PeerID   `json:"peer_id"`
	StreamID  domain.StreamID `json:"stream_id,omitempty"`
	Token     string          `json:"token"`
	ExpiresIn int             `json:"expires_in"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.PeerID = strings.TrimSpace(req.PeerID)
	if req.PeerID == "" {
		req.PeerID = uuid.NewString()
	}
	if err := validation.ValidatePeerID(req.PeerID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.StreamID != "" {
		if err := validation.ValidateStreamID(req.StreamID); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	token, err := h.tokens.IssueStreamToken(domain.PeerID(req.PeerID), domain.StreamID(req.StreamID))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to issue token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{
		PeerID:    domain.PeerID(req.PeerID),
		StreamID:  domain.StreamID(req.StreamID),
		Token:     token,
		ExpiresIn: int(h.ttl / time.Second),
	})
}
