package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unreachable")

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errStoreDown
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) Del(context.Context, ...string) error { return errStoreDown }
func (failingStore) Keys(context.Context, string) ([]string, error) {
	return nil, errStoreDown
}

func (failingStore) ZRemRangeByScore(context.Context, string, string, string) error {
	return errStoreDown
}
func (failingStore) ZCard(context.Context, string) (int64, error) { return 0, errStoreDown }
func (failingStore) ZRangeWithScores(context.Context, string, int64, int64) ([]ZMember, error) {
	return nil, errStoreDown
}
func (failingStore) ZAdd(context.Context, string, ZMember) error { return errStoreDown }
func (failingStore) Expire(context.Context, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) Close() error { return nil }

// fakeClock is a manually advanced clock shared by stores and components.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, clock *fakeClock) *MemoryStore {
	t.Helper()

	var opts []MemoryOption
	if clock != nil {
		opts = append(opts, WithMemoryClock(clock.Now))
	}
	s, err := NewMemoryStore(100, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// countingProducer returns value and counts how often it ran.
type countingProducer[T any] struct {
	mu    sync.Mutex
	calls int
	value T
	err   error
}

func (p *countingProducer[T]) produce(context.Context) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.value, p.err
}

func (p *countingProducer[T]) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
