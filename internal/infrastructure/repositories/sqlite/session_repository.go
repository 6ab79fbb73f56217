package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/tracing"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) ports.SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Save(ctx context.Context, session *domain.StreamSession) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "upsert", "stream_sessions")
	defer span.End()

	var endedAt sql.NullInt64
	if session.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: session.EndedAt.UnixMilli(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stream_sessions (id, stream_id, host_id, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at`,
		string(session.ID), string(session.StreamID), string(session.HostID),
		string(session.Status), session.StartedAt.UnixMilli(), endedAt,
	)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", "stream_sessions")
	defer span.End()

	row := r.db.QueryRowContext(ctx, `
		SELECT id, stream_id, host_id, status, started_at, ended_at
		FROM stream_sessions WHERE id = ?`, string(id))

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (r *SessionRepository) ListLive(ctx context.Context, streamID domain.StreamID) ([]*domain.StreamSession, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select_live", "stream_sessions")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, stream_id, host_id, status, started_at, ended_at
		FROM stream_sessions WHERE stream_id = ? AND status = ?
		ORDER BY started_at`, string(streamID), string(domain.SessionLive))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.StreamSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(s scanner) (*domain.StreamSession, error) {
	var (
		id, streamID, hostID, status string
		startedAt                    int64
		endedAt                      sql.NullInt64
	)
	if err := s.Scan(&id, &streamID, &hostID, &status, &startedAt, &endedAt); err != nil {
		return nil, err
	}

	session := &domain.StreamSession{
		ID:        domain.SessionID(id),
		StreamID:  domain.StreamID(streamID),
		HostID:    domain.PeerID(hostID),
		Status:    domain.SessionStatus(status),
		StartedAt: time.UnixMilli(startedAt),
	}
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		session.EndedAt = &t
	}
	return session, nil
}
