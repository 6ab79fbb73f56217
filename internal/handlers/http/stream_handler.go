package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/internal/core/services"
	"meshcast/internal/infrastructure/middleware"
	"meshcast/pkg/cache"
	"meshcast/pkg/errors"
	"meshcast/pkg/validation"

	"github.com/gin-gonic/gin"
)

// StreamHandler exposes broadcast sessions and viewer counts to clients
// that cannot reach the stores directly, such as browsers.
type StreamHandler struct {
	sessions ports.SessionRepository
	presence *services.PresenceTracker
	ttl      time.Duration
	// viewer counts are polled by every open page
	counts *cache.Cache[domain.StreamID, int]
}

const viewerCountTTL = time.Second

func NewStreamHandler(sessions ports.SessionRepository, presence *services.PresenceTracker, ttl time.Duration) *StreamHandler {
	return &StreamHandler{
		sessions: sessions,
		presence: presence,
		ttl:      ttl,
		counts:   cache.New[domain.StreamID, int](viewerCountTTL),
	}
}

// SetupRoutes registers the read endpoints on router and the heartbeat on
// authed, which must carry the auth middleware.
func (h *StreamHandler) SetupRoutes(router gin.IRouter, authed gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/streams/:id/session", h.GetLiveSession)
		api.GET("/streams/:id/viewers", h.GetViewers)
		api.GET("/sessions/:id", h.GetSession)
	}
	authed.POST("/api/v1/streams/:id/heartbeat", h.Heartbeat)
}

func streamParam(c *gin.Context) (domain.StreamID, bool) {
	id := c.Param("id")
	if err := validation.ValidateStreamID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.StreamID(id), true
}

// GetLiveSession returns the newest live session of a stream.
func (h *StreamHandler) GetLiveSession(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	live, err := h.sessions.ListLive(c.Request.Context(), streamID)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to list sessions", http.StatusInternalServerError))
		return
	}
	if len(live) == 0 {
		c.Error(errors.NewNotFoundError("live session"))
		return
	}
	c.JSON(http.StatusOK, live[len(live)-1])
}

func (h *StreamHandler) GetSession(c *gin.Context) {
	session, err := h.sessions.GetByID(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		if stderrors.Is(err, domain.ErrSessionNotFound) {
			c.Error(errors.NewNotFoundError("session"))
			return
		}
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to load session", http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetViewers counts the participants seen within the presence TTL, not
// counting the host of the live session.
func (h *StreamHandler) GetViewers(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}
	viewers, err := h.counts.GetOrLoad(c.Request.Context(), streamID, func(ctx context.Context) (int, error) {
		return h.countViewers(ctx, streamID)
	})
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to count viewers", http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id":      streamID,
		"active_viewers": viewers,
		"ttl_seconds":    int(h.ttl / time.Second),
	})
}

func (h *StreamHandler) countViewers(ctx context.Context, streamID domain.StreamID) (int, error) {
	recs, err := h.presence.ListActive(ctx, streamID, h.ttl)
	if err != nil {
		return 0, err
	}
	hosts := make(map[domain.UserID]bool)
	if live, err := h.sessions.ListLive(ctx, streamID); err == nil {
		for _, s := range live {
			hosts[domain.UserID(s.HostID)] = true
		}
	}

	viewers := 0
	for _, r := range recs {
		if !hosts[r.UserID] {
			viewers++
		}
	}
	return viewers, nil
}

// Heartbeat records the authenticated peer as present on the stream.
func (h *StreamHandler) Heartbeat(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}
	peerID, ok := middleware.PeerFromContext(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("peer id required"))
		return
	}

	if err := h.presence.Heartbeat(c.Request.Context(), streamID, domain.UserID(peerID)); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodePresenceWrite, "failed to record presence", http.StatusServiceUnavailable))
		return
	}
	c.Status(http.StatusNoContent)
}
