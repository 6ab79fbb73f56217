package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
)

type MemoryPresenceRepository struct {
	// stream -> user -> last seen
	records map[domain.StreamID]map[domain.UserID]time.Time
	mu      sync.RWMutex
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		records: make(map[domain.StreamID]map[domain.UserID]time.Time),
	}
}

func (r *MemoryPresenceRepository) Upsert(ctx context.Context, rec domain.PresenceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.records[rec.StreamID]
	if !ok {
		users = make(map[domain.UserID]time.Time)
		r.records[rec.StreamID] = users
	}
	if last, ok := users[rec.UserID]; !ok || rec.LastSeenAt.After(last) {
		users[rec.UserID] = rec.LastSeenAt
	}
	return nil
}

func (r *MemoryPresenceRepository) CountActive(ctx context.Context, streamID domain.StreamID, from, to time.Time) (int, error) {
	recs, err := r.ListActive(ctx, streamID, from, to)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (r *MemoryPresenceRepository) ListActive(ctx context.Context, streamID domain.StreamID, from, to time.Time) ([]domain.PresenceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []domain.PresenceRecord
	for userID, seen := range r.records[streamID] {
		if seen.Before(from) || seen.After(to) {
			continue
		}
		active = append(active, domain.PresenceRecord{
			StreamID:   streamID,
			UserID:     userID,
			LastSeenAt: seen,
		})
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastSeenAt.Before(active[j].LastSeenAt)
	})
	return active, nil
}
