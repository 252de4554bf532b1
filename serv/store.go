package serv

import (
	"github.com/linkhub/linkhub/core"
	"go.uber.org/zap"
)

// Store backend names as reported by the check command and logs
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// newStore returns a Redis store when a URL is configured and reachable,
// otherwise the in-memory store. Running without Redis is never fatal.
func newStore(conf *Config, log *zap.SugaredLogger) (core.Store, string, error) {
	if conf.Redis.URL != "" {
		rs, err := NewRedisStore(conf.Redis.URL, conf.Redis.Timeout)
		if err == nil {
			log.Info("Redis cache store enabled")
			if !conf.Redis.Breaker.Enable {
				return rs, StoreRedis, nil
			}
			return newBreakerStore(rs, conf.Redis.Breaker, log), StoreRedis, nil
		}
		log.Warnf("Redis unavailable, falling back to in-memory store: %s", err)
	}

	ms, err := core.NewMemoryStore(conf.Cache.MemoryEntries)
	if err != nil {
		return nil, "", err
	}

	if conf.Redis.URL == "" {
		log.Info("Using in-memory cache store (no Redis URL configured)")
	} else {
		log.Info("Using in-memory cache store (Redis unavailable)")
	}
	return ms, StoreMemory, nil
}
