package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps are the shared clients a backend may need.
type Deps struct {
	Redis  redis.UniversalClient
	DB     *gorm.DB
	Logger *zap.Logger
}

// Config selects and configures a backend.
type Config struct {
	Type           StoreType
	RedisKeyPrefix string
	Mongo          MongoConfig
}

// NewStore creates the Store named by cfg.Type.
func NewStore(ctx context.Context, cfg Config, deps Deps) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("task store %q requires a redis client", cfg.Type)
		}
		return NewRedisStore(deps.Redis, cfg.RedisKeyPrefix, deps.Logger), nil
	case StoreTypeDatabase:
		if deps.DB == nil {
			return nil, fmt.Errorf("task store %q requires a database", cfg.Type)
		}
		return NewGormStore(deps.DB, deps.Logger), nil
	case StoreTypeMongoDB:
		return NewMongoStore(ctx, cfg.Mongo, deps.Logger)
	default:
		return nil, fmt.Errorf("unsupported task store type: %s", cfg.Type)
	}
}
