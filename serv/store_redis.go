package serv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linkhub/linkhub/core"
	"github.com/redis/go-redis/v9"
)

const (
	scanBatch      = 100
	scanTimeoutMul = 10 // scans walk the whole keyspace
)

// RedisStore is a core.Store backed by Redis
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection with a ping
func NewRedisStore(redisURL string, timeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}

	s := &RedisStore{
		client:  redis.NewClient(opts),
		timeout: timeout,
	}

	if err := s.Ping(context.Background()); err != nil {
		s.client.Close() //nolint:errcheck
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return s, nil
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.Del(ctx, keys...).Err()
}

// Keys walks the keyspace with SCAN so a large database does not block the
// server the way KEYS would.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout*scanTimeoutMul)
	defer cancel()

	seen := make(map[string]struct{})
	var keys []string

	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		// SCAN may return a key more than once
		k := iter.Val()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.ZRemRangeByScore(ctx, key, min, max).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]core.ZMember, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}

	members := make([]core.ZMember, 0, len(zs))
	for _, z := range zs {
		members = append(members, core.ZMember{
			Score:  z.Score,
			Member: fmt.Sprint(z.Member),
		})
	}
	return members, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, m core.ZMember) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.ZAdd(ctx, key, redis.Z{Score: m.Score, Member: m.Member}).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.Expire(ctx, key, ttl).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
