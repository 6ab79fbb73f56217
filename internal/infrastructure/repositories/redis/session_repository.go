package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const sessionPrefix = keyPrefix + "session:"

func sessionKey(id domain.SessionID) string {
	return sessionPrefix + string(id)
}

// liveKey indexes the LIVE sessions of a stream.
func liveKey(streamID domain.StreamID) string {
	return keyPrefix + "stream:" + string(streamID) + ":live"
}

type RedisSessionRepository struct {
	client *redis.Client
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{client: client}
}

func (r *RedisSessionRepository) Save(ctx context.Context, session *domain.StreamSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(session.ID), data, 0)
		if session.IsLive() {
			pipe.SAdd(ctx, liveKey(session.StreamID), string(session.ID))
		} else {
			pipe.SRem(ctx, liveKey(session.StreamID), string(session.ID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session in Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.StreamSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) ListLive(ctx context.Context, streamID domain.StreamID) ([]*domain.StreamSession, error) {
	ids, err := r.client.SMembers(ctx, liveKey(streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get live sessions from Redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(domain.SessionID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load live sessions from Redis: %w", err)
	}

	var sessions []*domain.StreamSession
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// indexed but the session key is gone
			continue
		}
		var session domain.StreamSession
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if session.IsLive() {
			sessions = append(sessions, &session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}
