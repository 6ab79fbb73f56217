package repositories

import (
	"context"
	"database/sql"
	"time"

	"meshcast/internal/core/ports"
	"meshcast/internal/infrastructure/monitoring"
	"meshcast/internal/infrastructure/repositories/memory"
	redisrepo "meshcast/internal/infrastructure/repositories/redis"
	"meshcast/internal/infrastructure/repositories/sqlite"
	"meshcast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates the session and presence stores selected by
// storage.backend. A redis backend that cannot be reached falls back to
// memory.
type RepositoryFactory struct {
	backend     string
	redisClient *redis.Client
	db          *sql.DB
	logger      *zap.SugaredLogger

	sessions ports.SessionRepository
	presence ports.PresenceRepository
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend: cfg.Storage.Backend,
		logger:  logger,
	}

	// the redis relay shares the client with the stores
	if cfg.Storage.Backend == "redis" || cfg.Relay.Backend == "redis" {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis", "error", err)
		} else {
			factory.redisClient = client
		}
	}

	switch cfg.Storage.Backend {
	case "redis":
		if factory.redisClient != nil {
			factory.sessions = redisrepo.NewRedisSessionRepository(factory.redisClient)
			factory.presence = redisrepo.NewRedisPresenceRepository(factory.redisClient)
			logger.Info("using Redis repositories")
			break
		}
		logger.Warn("falling back to memory repositories")
		factory.backend = "memory"
		factory.useMemory()

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			factory.Close()
			return nil, err
		}
		factory.db = db
		factory.sessions = sqlite.NewSessionRepository(db)
		factory.presence = sqlite.NewPresenceRepository(db)
		logger.Infow("using SQLite repositories", "path", cfg.SQLite.Path)

	default:
		factory.useMemory()
		logger.Info("using memory repositories")
	}

	return factory, nil
}

func (f *RepositoryFactory) useMemory() {
	f.sessions = memory.NewMemorySessionRepository()
	f.presence = memory.NewMemoryPresenceRepository()
}

// Backend is the storage backend actually in use.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

func (f *RepositoryFactory) SessionRepository() ports.SessionRepository {
	return f.sessions
}

func (f *RepositoryFactory) PresenceRepository() ports.PresenceRepository {
	return f.presence
}

// RedisClient is nil unless redis is configured and reachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// RegisterHealthChecks adds a check for every backing store in use.
func (f *RepositoryFactory) RegisterHealthChecks(h *monitoring.HealthChecker, timeout time.Duration) {
	if f.redisClient != nil {
		h.AddRedisCheck(f.redisClient, timeout)
	}
	if f.db != nil {
		h.AddSQLCheck(f.db, timeout)
	}
}

func (f *RepositoryFactory) Close() error {
	var firstErr error
	if f.redisClient != nil {
		if err := redisrepo.CloseRedisClient(f.redisClient); err != nil {
			firstErr = err
		}
	}
	if f.db != nil {
		if err := f.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	if f.db != nil {
		return sqlite.Ping(ctx, f.db)
	}
	return nil
}
