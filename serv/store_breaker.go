package serv

import (
	"context"
	"errors"
	"time"

	"github.com/linkhub/linkhub/core"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker configures the circuit breaker in front of Redis. After Failures
// consecutive errors every store call fails fast for Timeout, then a single
// trial request decides whether the breaker closes again.
type Breaker struct {
	Enable   bool          `mapstructure:"enable"`
	Failures uint32        `mapstructure:"failures" validate:"min=1"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// breakerStore fails fast with gobreaker.ErrOpenState while the breaker is
// open. Callers see it as an ordinary store error.
type breakerStore struct {
	core.Store
	cb *gobreaker.CircuitBreaker
}

func newBreakerStore(s core.Store, conf Breaker, log *zap.SugaredLogger) *breakerStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     conf.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= conf.Failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker '%s' changed from %s to %s", name, from, to)
		},
	})
	return &breakerStore{Store: s, cb: cb}
}

func (b *breakerStore) State() gobreaker.State {
	return b.cb.State()
}

func execute[T any](b *breakerStore, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func run(b *breakerStore, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

type getResult struct {
	value []byte
	found bool
}

func (b *breakerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := execute(b, func() (getResult, error) {
		v, found, err := b.Store.Get(ctx, key)
		return getResult{v, found}, err
	})
	return r.value, r.found, err
}

func (b *breakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return run(b, func() error { return b.Store.Set(ctx, key, value, ttl) })
}

func (b *breakerStore) Del(ctx context.Context, keys ...string) error {
	return run(b, func() error { return b.Store.Del(ctx, keys...) })
}

func (b *breakerStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return execute(b, func() ([]string, error) { return b.Store.Keys(ctx, pattern) })
}

func (b *breakerStore) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return run(b, func() error { return b.Store.ZRemRangeByScore(ctx, key, min, max) })
}

func (b *breakerStore) ZCard(ctx context.Context, key string) (int64, error) {
	return execute(b, func() (int64, error) { return b.Store.ZCard(ctx, key) })
}

func (b *breakerStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]core.ZMember, error) {
	return execute(b, func() ([]core.ZMember, error) { return b.Store.ZRangeWithScores(ctx, key, start, stop) })
}

func (b *breakerStore) ZAdd(ctx context.Context, key string, m core.ZMember) error {
	return run(b, func() error { return b.Store.ZAdd(ctx, key, m) })
}

func (b *breakerStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return run(b, func() error { return b.Store.Expire(ctx, key, ttl) })
}
