package store

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Backend         string
	Prefix          string
	CleanupInterval time.Duration
}

// NewBackend returns the Backend named by cfg.Backend. redisClient is only
// used (and required) for the redis backend.
func NewBackend(cfg Config, redisClient *redis.Client) (Backend, error) {
	switch cfg.Backend {
	case BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis backend requires a client")
		}
		return NewRedis(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		}), nil
	case BackendMemory, "":
		return NewMemory(cfg.CleanupInterval), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
