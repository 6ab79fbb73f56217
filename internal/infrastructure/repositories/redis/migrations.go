package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	migrationLockKey     = keyPrefix + "lock:migrate"
	currentSchemaVersion = 2
)

type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations. Instances starting together
// serialize on a lock, so each migration runs once.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	return distributed.WithLock(ctx, client, migrationLockKey, 30*time.Second, time.Minute, func(ctx context.Context) error {
		return migrate(ctx, client, logger)
	})
}

func migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration",
				"version", migration.Version,
				"description", migration.Description,
			)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed",
			"final_version", currentSchemaVersion,
		)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

// scanKeys calls fn for every key matching pattern.
func scanKeys(ctx context.Context, client *redis.Client, pattern string, fn func(key string) error) error {
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "rebuild per-stream live session indexes",
			Up: func(ctx context.Context, client *redis.Client) error {
				return scanKeys(ctx, client, sessionPrefix+"*", func(key string) error {
					data, err := client.Get(ctx, key).Bytes()
					if err == redis.Nil {
						return nil
					}
					if err != nil {
						return err
					}
					var session domain.StreamSession
					if err := json.Unmarshal(data, &session); err != nil {
						// not ours; leave it alone
						return nil
					}
					if !session.IsLive() {
						return client.SRem(ctx, liveKey(session.StreamID), string(session.ID)).Err()
					}
					return client.SAdd(ctx, liveKey(session.StreamID), string(session.ID)).Err()
				})
			},
		},
		{
			Version:     2,
			Description: "expire idle presence sets",
			Up: func(ctx context.Context, client *redis.Client) error {
				return scanKeys(ctx, client, presencePrefix+"*", func(key string) error {
					ttl, err := client.TTL(ctx, key).Result()
					if err != nil {
						return err
					}
					// -1 means the key has no expiry
					if ttl < 0 {
						return client.Expire(ctx, key, presenceRetention).Err()
					}
					return nil
				})
			},
		},
	}
}
