package core

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFetch_HitSkipsProducer(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newTestStore(t, nil), WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, c.Put(ctx, "profile:alice", "cached", time.Hour))

	p := &countingProducer[string]{value: "fresh"}
	got, err := Fetch(ctx, c, "profile:alice", time.Hour, p.produce)

	require.NoError(t, err)
	assert.Equal(t, "cached", got)
	assert.Equal(t, 0, p.Calls())
	assert.Equal(t, int64(1), c.Metrics().Hits.Load())
}

func TestFetch_MissPopulates(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newTestStore(t, nil))

	p := &countingProducer[Stats]{value: Stats{TotalViews: 42, CTR: "1.5"}}

	first, err := Fetch(ctx, c, StatsKey("u1", 30), time.Minute, p.produce)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Calls())

	second, err := Fetch(ctx, c, StatsKey("u1", 30), time.Minute, p.produce)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Calls(), "second fetch must be served from the store")
	assert.Equal(t, first, second)

	snapshot := c.Metrics().Snapshot()
	assert.Equal(t, int64(1), snapshot["misses"])
	assert.Equal(t, int64(1), snapshot["hits"])
}

func TestFetch_TTLExpiryRecomputes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewCache(newTestStore(t, clock))

	p := &countingProducer[int]{value: 7}

	_, err := Fetch(ctx, c, "user:u1", time.Second, p.produce)
	require.NoError(t, err)

	clock.Advance(500 * time.Millisecond)
	_, err = Fetch(ctx, c, "user:u1", time.Second, p.produce)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Calls())

	clock.Advance(time.Second)
	_, err = Fetch(ctx, c, "user:u1", time.Second, p.produce)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Calls())
}

func TestFetch_StoreFailureDegrades(t *testing.T) {
	ctx := context.Background()
	c := NewCache(failingStore{}, WithLogger(zaptest.NewLogger(t)))

	p := &countingProducer[string]{value: "from db"}

	for i := 1; i <= 2; i++ {
		got, err := Fetch(ctx, c, "profile:alice", time.Hour, p.produce)
		require.NoError(t, err)
		assert.Equal(t, "from db", got)
		assert.Equal(t, i, p.Calls())
	}
	assert.Equal(t, int64(2), c.Metrics().Errors.Load())
}

// writeFailStore reads fine but rejects writes.
type writeFailStore struct {
	*MemoryStore
}

func (writeFailStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}

func TestFetch_WriteFailureDoesNotFailCall(t *testing.T) {
	ctx := context.Background()
	c := NewCache(writeFailStore{newTestStore(t, nil)})

	p := &countingProducer[string]{value: "v"}
	got, err := Fetch(ctx, c, "k", time.Minute, p.produce)

	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestFetch_ProducerErrorPropagates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	c := NewCache(store)

	dbErr := errors.New("db down")
	p := &countingProducer[string]{err: dbErr}

	_, err := Fetch(ctx, c, "k", time.Minute, p.produce)
	assert.ErrorIs(t, err, dbErr)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "failed producer output must not be cached")

	// The degraded path passes producer errors through too.
	_, err = Fetch(ctx, NewCache(failingStore{}), "k", time.Minute, p.produce)
	assert.ErrorIs(t, err, dbErr)
}

func TestFetch_UndecodableEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	c := NewCache(store)

	require.NoError(t, store.Set(ctx, "k", []byte("not json"), time.Minute))

	p := &countingProducer[string]{value: "v"}
	got, err := Fetch(ctx, c, "k", time.Minute, p.produce)
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.Equal(t, 1, p.Calls())

	_, err = Fetch(ctx, c, "k", time.Minute, p.produce)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Calls(), "entry should have been rewritten")
}

func TestFetch_LargePayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	c := NewCache(store)

	big := strings.Repeat(`{"title": "my link", "url": "https://example.com"}`, 100)
	p := &countingProducer[string]{value: big}

	_, err := Fetch(ctx, c, "k", time.Minute, p.produce)
	require.NoError(t, err)

	raw, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Less(t, len(raw), len(big), "large payloads should be stored compressed")

	got, err := Fetch(ctx, c, "k", time.Minute, p.produce)
	require.NoError(t, err)
	assert.Equal(t, big, got)
	assert.Equal(t, 1, p.Calls())
}

func TestFetch_Coalescing(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newTestStore(t, nil), WithCoalescing(true))

	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0

	produce := func(context.Context) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = Fetch(ctx, c, "k", time.Minute, produce)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "v", r)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, calls, 5)
}

func TestInvalidate_ForcesMiss(t *testing.T) {
	ctx := context.Background()
	c := NewCache(newTestStore(t, nil))

	require.NoError(t, c.Put(ctx, "profile:alice", "old", time.Hour))
	c.Invalidate(ctx, "profile:alice")

	p := &countingProducer[string]{value: "new"}
	got, err := Fetch(ctx, c, "profile:alice", time.Hour, p.produce)
	require.NoError(t, err)
	assert.Equal(t, "new", got)
	assert.Equal(t, 1, p.Calls())
}

func TestInvalidate_AbsentKeyIsNoop(t *testing.T) {
	c := NewCache(newTestStore(t, nil))
	c.Invalidate(context.Background(), "missing")
	assert.Equal(t, int64(0), c.Metrics().Errors.Load())
}

func TestInvalidate_StoreFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	c := NewCache(failingStore{}, WithLogger(zaptest.NewLogger(t)))

	c.Invalidate(ctx, "k")
	assert.Equal(t, 0, c.InvalidatePattern(ctx, "stats:*"))
	assert.Equal(t, int64(2), c.Metrics().Errors.Load())
}

func TestInvalidatePattern_Scope(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	c := NewCache(store)

	for _, k := range []string{"stats:u1:7", "stats:u1:30", "stats:u2:7"} {
		require.NoError(t, c.Put(ctx, k, k, time.Hour))
	}

	n := c.InvalidatePattern(ctx, "stats:u1:*")
	assert.Equal(t, 2, n)

	keys, err := store.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"stats:u2:7"}, keys)
}

func TestInvalidatePattern_NoMatches(t *testing.T) {
	c := NewCache(newTestStore(t, nil))
	assert.Equal(t, 0, c.InvalidatePattern(context.Background(), "nothing:*"))
}

func TestInvalidateStats_AllDayRanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	c := NewCache(store)

	for _, k := range []string{StatsKey("u1", 0), StatsKey("u1", 7), StatsKey("u1", 30), StatsKey("u2", 30)} {
		require.NoError(t, c.Put(ctx, k, 1, time.Hour))
	}

	c.InvalidateStats(ctx, "u1")

	keys, err := store.Keys(ctx, "stats:*")
	require.NoError(t, err)
	assert.Equal(t, []string{StatsKey("u2", 30)}, keys)
}

func TestInvalidateLinks_EvictsEmbeddingProfile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	c := NewCache(store)

	require.NoError(t, c.Put(ctx, LinksKey("u1"), 1, time.Hour))
	require.NoError(t, c.Put(ctx, ProfileKey("alice"), 1, time.Hour))
	require.NoError(t, c.Put(ctx, UserKey("u1"), 1, time.Hour))

	c.InvalidateLinks(ctx, "u1", "alice")

	keys, err := store.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{UserKey("u1")}, keys)

	c.InvalidateProfile(ctx, "u1", "alice")
	keys, err = store.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCodec_CompressionThreshold(t *testing.T) {
	small, err := encode("tiny")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(small, []byte(`"c":`)))

	large, err := encode(strings.Repeat("x", 4*compressionThreshold))
	require.NoError(t, err)
	assert.True(t, bytes.Contains(large, []byte(`"c":true`)))

	var out string
	require.NoError(t, decode(large, &out))
	assert.Len(t, out, 4*compressionThreshold)
}

func TestCacheMetrics_HitRate(t *testing.T) {
	tests := []struct {
		name   string
		hits   int64
		misses int64
		want   float64
	}{
		{"no requests", 0, 0, 0.0},
		{"all hits", 100, 0, 1.0},
		{"all misses", 0, 100, 0.0},
		{"75% hit rate", 75, 25, 0.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &CacheMetrics{}
			m.Hits.Store(tt.hits)
			m.Misses.Store(tt.misses)
			assert.Equal(t, tt.want, m.HitRate())
		})
	}
}
