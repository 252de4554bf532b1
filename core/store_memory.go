package core

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/match"
)

// Default memory store size (number of string entries)
const defaultMemoryStoreSize = 10000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memoryZSet struct {
	members   map[string]float64
	expiresAt time.Time
}

// MemoryStore is an in-process Store. It backs the service when no Redis URL
// is configured and doubles as the fake in tests. String values live in an
// LRU so the process footprint stays bounded; sorted sets are kept in a plain
// map and rely on their TTL for cleanup.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *memoryEntry]
	zsets map[string]*memoryZSet
	now   func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces the clock used for expiry checks.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-memory store holding up to maxEntries string
// values.
func NewMemoryStore(maxEntries int, opts ...MemoryOption) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryStoreSize
	}

	cache, err := lru.New[string, *memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}

	s := &MemoryStore{
		cache: cache,
		zsets: make(map[string]*memoryZSet),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !s.now().Before(at)
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get returns the value stored at key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if s.expired(e.expiresAt) {
		s.cache.Remove(key)
		return nil, false, nil
	}

	v := make([]byte, len(e.value))
	copy(v, e.value)
	return v, true, nil
}

// Set stores value at key. A non-positive ttl stores without expiry.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)

	delete(s.zsets, key)
	s.cache.Add(key, &memoryEntry{value: v, expiresAt: s.expiry(ttl)})
	return nil
}

// Del removes keys of any type. Absent keys are ignored.
func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		s.cache.Remove(k)
		delete(s.zsets, k)
	}
	return nil
}

// Keys returns the live keys matching a glob pattern. '*' and '?' match any
// character including '/', as in Redis.
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for _, k := range s.cache.Keys() {
		e, ok := s.cache.Peek(k)
		if !ok {
			continue
		}
		if s.expired(e.expiresAt) {
			s.cache.Remove(k)
			continue
		}
		if match.Match(k, pattern) {
			keys = append(keys, k)
		}
	}
	for k, z := range s.zsets {
		if s.expired(z.expiresAt) {
			delete(s.zsets, k)
			continue
		}
		if match.Match(k, pattern) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// zset returns the live sorted set at key, creating it when create is set.
// Must be called with the lock held.
func (s *MemoryStore) zset(key string, create bool) *memoryZSet {
	z, ok := s.zsets[key]
	if ok && s.expired(z.expiresAt) {
		delete(s.zsets, key)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		s.cache.Remove(key)
		z = &memoryZSet{members: make(map[string]float64)}
		s.zsets[key] = z
	}
	return z
}

// ZRemRangeByScore removes members whose score lies within [min, max].
func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	lo, loEx, err := parseScoreBound(min)
	if err != nil {
		return err
	}
	hi, hiEx, err := parseScoreBound(max)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.zset(key, false)
	if z == nil {
		return nil
	}
	for m, score := range z.members {
		aboveLo := score > lo || (!loEx && score == lo)
		belowHi := score < hi || (!hiEx && score == hi)
		if aboveLo && belowHi {
			delete(z.members, m)
		}
	}
	if len(z.members) == 0 {
		delete(s.zsets, key)
	}
	return nil
}

// ZCard returns the number of members in the sorted set.
func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.zset(key, false)
	if z == nil {
		return 0, nil
	}
	return int64(len(z.members)), nil
}

// ZRangeWithScores returns members by ascending score (ties by member) using
// Redis index semantics, negative indexes included.
func (s *MemoryStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.zset(key, false)
	if z == nil {
		return nil, nil
	}

	all := make([]ZMember, 0, len(z.members))
	for m, score := range z.members {
		all = append(all, ZMember{Score: score, Member: m})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score < all[j].Score
		}
		return all[i].Member < all[j].Member
	})

	n := int64(len(all))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	return all[start : stop+1], nil
}

// ZAdd adds or updates a member.
func (s *MemoryStore) ZAdd(ctx context.Context, key string, m ZMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zset(key, true).members[m.Member] = m.Score
	return nil
}

// Expire sets a TTL on an existing key of any type.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.expiry(ttl)
	if z := s.zset(key, false); z != nil {
		z.expiresAt = at
		return nil
	}
	if e, ok := s.cache.Peek(key); ok && !s.expired(e.expiresAt) {
		e.expiresAt = at
	}
	return nil
}

// Close drops all data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Purge()
	s.zsets = make(map[string]*memoryZSet)
	return nil
}

func parseScoreBound(s string) (float64, bool, error) {
	exclusive := strings.HasPrefix(s, "(")
	if exclusive {
		s = s[1:]
	}
	switch s {
	case "-inf":
		return math.Inf(-1), exclusive, nil
	case "+inf", "inf":
		return math.Inf(1), exclusive, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid score bound %q: %w", s, err)
	}
	return v, exclusive, nil
}
