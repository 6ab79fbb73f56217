package domain

import (
	"fmt"
	"time"
)

type StreamID string
type PeerID string
type SessionID string
type UserID string

// SessionStatus is the persisted state of a broadcast. It only ever moves
// from LIVE to ENDED.
type SessionStatus string

const (
	SessionLive  SessionStatus = "LIVE"
	SessionEnded SessionStatus = "ENDED"
)

type StreamSession struct {
	ID        SessionID     `json:"id"`
	StreamID  StreamID      `json:"stream_id"`
	HostID    PeerID        `json:"host_id"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// NewStreamSession returns a LIVE session started at now.
func NewStreamSession(id SessionID, streamID StreamID, hostID PeerID, now time.Time) *StreamSession {
	return &StreamSession{
		ID:        id,
		StreamID:  streamID,
		HostID:    hostID,
		Status:    SessionLive,
		StartedAt: now,
	}
}

// End marks the session ENDED. Ending an already ended session is a no-op.
func (s *StreamSession) End(now time.Time) error {
	switch s.Status {
	case SessionEnded:
		return nil
	case SessionLive:
		s.Status = SessionEnded
		s.EndedAt = &now
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, SessionEnded)
	}
}

func (s *StreamSession) IsLive() bool {
	return s.Status == SessionLive
}

// LifecycleState is the in-process state of a StreamLifecycleManager.
type LifecycleState string

const (
	LifecycleIdle  LifecycleState = "IDLE"
	LifecycleLive  LifecycleState = "LIVE"
	LifecycleEnded LifecycleState = "ENDED"
)
