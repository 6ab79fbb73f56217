package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	presencePrefix = keyPrefix + "presence:"

	// presenceRetention expires a stream's presence set once nobody has
	// written to it for this long.
	presenceRetention = 24 * time.Hour
)

func presenceKey(streamID domain.StreamID) string {
	return presencePrefix + string(streamID)
}

// RedisPresenceRepository keeps one sorted set per stream: members are user
// ids, scores are last-seen unix milliseconds.
type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) ports.PresenceRepository {
	return &RedisPresenceRepository{client: client}
}

func (r *RedisPresenceRepository) Upsert(ctx context.Context, rec domain.PresenceRecord) error {
	key := presenceKey(rec.StreamID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// GT only moves a score forward, so a late write never rewinds lastSeenAt
		pipe.ZAddGT(ctx, key, redis.Z{
			Score:  float64(rec.LastSeenAt.UnixMilli()),
			Member: string(rec.UserID),
		})
		pipe.Expire(ctx, key, presenceRetention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert presence in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) CountActive(ctx context.Context, streamID domain.StreamID, from, to time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, presenceKey(streamID), scoreOf(from), scoreOf(to)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count presence in Redis: %w", err)
	}
	return int(n), nil
}

func (r *RedisPresenceRepository) ListActive(ctx context.Context, streamID domain.StreamID, from, to time.Time) ([]domain.PresenceRecord, error) {
	members, err := r.client.ZRangeByScoreWithScores(ctx, presenceKey(streamID), &redis.ZRangeBy{
		Min: scoreOf(from),
		Max: scoreOf(to),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence from Redis: %w", err)
	}

	records := make([]domain.PresenceRecord, 0, len(members))
	for _, m := range members {
		userID, _ := m.Member.(string)
		records = append(records, domain.PresenceRecord{
			StreamID:   streamID,
			UserID:     domain.UserID(userID),
			LastSeenAt: time.UnixMilli(int64(m.Score)),
		})
	}
	return records, nil
}

func scoreOf(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
