package core

import (
	"context"
	"time"
)

// Store is the key-value store the cache layer runs on. RedisStore in the
// serv package and MemoryStore implement it.
//
// Get reports (nil, false, nil) for an absent or expired key. Keys takes a
// Redis glob; MemoryStore supports '*' and '?' but not '[...]' classes.
// Score bounds for ZRemRangeByScore use Redis syntax: a number, "-inf",
// "+inf", or a number prefixed with "(" for an exclusive bound.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	ZRemRangeByScore(ctx context.Context, key, min, max string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZAdd(ctx context.Context, key string, m ZMember) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// ZMember is one scored member of a sorted set.
type ZMember struct {
	Score  float64
	Member string
}
