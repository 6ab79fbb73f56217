package memory

import (
	"context"
	"sort"
	"sync"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]*domain.StreamSession
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]*domain.StreamSession),
	}
}

func (r *MemorySessionRepository) Save(ctx context.Context, session *domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[session.ID] = copySession(session)
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(session), nil
}

func (r *MemorySessionRepository) ListLive(ctx context.Context, streamID domain.StreamID) ([]*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var live []*domain.StreamSession
	for _, session := range r.sessions {
		if session.StreamID == streamID && session.IsLive() {
			live = append(live, copySession(session))
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].StartedAt.Before(live[j].StartedAt)
	})
	return live, nil
}

// callers mutate sessions they hold (End), so the store keeps its own copy
func copySession(s *domain.StreamSession) *domain.StreamSession {
	c := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
