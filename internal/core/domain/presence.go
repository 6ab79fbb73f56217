package domain

import "time"

type PresenceRecord struct {
	StreamID   StreamID  `json:"stream_id"`
	UserID     UserID    `json:"user_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
