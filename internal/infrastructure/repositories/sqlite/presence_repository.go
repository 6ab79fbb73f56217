package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
)

type PresenceRepository struct {
	db *sql.DB
}

func NewPresenceRepository(db *sql.DB) ports.PresenceRepository {
	return &PresenceRepository{db: db}
}

func (r *PresenceRepository) Upsert(ctx context.Context, rec domain.PresenceRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO presence (stream_id, user_id, last_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(stream_id, user_id) DO UPDATE SET
			last_seen_at = MAX(last_seen_at, excluded.last_seen_at)`,
		string(rec.StreamID), string(rec.UserID), rec.LastSeenAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (r *PresenceRepository) CountActive(ctx context.Context, streamID domain.StreamID, from, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM presence
		WHERE stream_id = ? AND last_seen_at BETWEEN ? AND ?`,
		string(streamID), from.UnixMilli(), to.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}
	return n, nil
}

func (r *PresenceRepository) ListActive(ctx context.Context, streamID domain.StreamID, from, to time.Time) ([]domain.PresenceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, last_seen_at FROM presence
		WHERE stream_id = ? AND last_seen_at BETWEEN ? AND ?
		ORDER BY last_seen_at`,
		string(streamID), from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	var records []domain.PresenceRecord
	for rows.Next() {
		var (
			userID   string
			lastSeen int64
		)
		if err := rows.Scan(&userID, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		records = append(records, domain.PresenceRecord{
			StreamID:   streamID,
			UserID:     domain.UserID(userID),
			LastSeenAt: time.UnixMilli(lastSeen),
		})
	}
	return records, rows.Err()
}
