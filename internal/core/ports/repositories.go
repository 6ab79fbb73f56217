package ports

import (
	"context"
	"time"

	"meshcast/internal/core/domain"
)

type SessionRepository interface {
	// Save inserts or replaces the session.
	Save(ctx context.Context, session *domain.StreamSession) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error)
	ListLive(ctx context.Context, streamID domain.StreamID) ([]*domain.StreamSession, error)
}

type PresenceRepository interface {
	// Upsert stores rec, keeping the latest LastSeenAt per (stream, user).
	Upsert(ctx context.Context, rec domain.PresenceRecord) error
	// CountActive counts distinct users last seen inside [from, to].
	CountActive(ctx context.Context, streamID domain.StreamID, from, to time.Time) (int, error)
	ListActive(ctx context.Context, streamID domain.StreamID, from, to time.Time) ([]domain.PresenceRecord, error)
}
