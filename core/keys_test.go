package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/match"
)

func TestCacheKeys(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"profile", ProfileKey("alice"), "profile:alice"},
		{"links", LinksKey("u1"), "links:u1"},
		{"link", LinkKey("l1"), "link:l1"},
		{"stats", StatsKey("u1", 0), "stats:u1"},
		{"stats with days", StatsKey("u1", 30), "stats:u1:30"},
		{"stats pattern", StatsPattern("u1"), "stats:u1:*"},
		{"link stats", LinkStatsKey("l1"), "linkStats:l1"},
		{"user", UserKey("u1"), "user:u1"},
		{"rate limit", RateLimitKey("10.0.0.1"), "ratelimit:10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.got)
		})
	}
}

func TestCacheKeys_Deterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, ProfileKey("bob"), ProfileKey("bob"))
		assert.Equal(t, StatsKey("u2", 7), StatsKey("u2", 7))
	}
}

func TestCacheKeys_CollisionFree(t *testing.T) {
	keys := []string{
		ProfileKey("u1"),
		ProfileKey("u1:7"),
		LinksKey("u1"),
		LinkKey("u1"),
		UserKey("u1"),
		LinkStatsKey("u1"),
		StatsKey("u1", 0),
		StatsKey("u1", 7),
		StatsKey("u1:7", 0),
		StatsKey("u1", 30),
		StatsKey("u1%3A7", 0),
		StatsKey("u2", 7),
		RateLimitKey("u1"),
		ProfileKey("a/b"),
		ProfileKey("a%2Fb"),
	}

	seen := make(map[string]int)
	for i, k := range keys {
		if j, ok := seen[k]; ok {
			t.Errorf("key %q produced by inputs %d and %d", k, j, i)
		}
		seen[k] = i
	}
}

func TestStatsPattern_ScopedToUser(t *testing.T) {
	p := StatsPattern("u1")

	assert.True(t, match.Match(StatsKey("u1", 7), p))
	assert.True(t, match.Match(StatsKey("u1", 30), p))
	assert.False(t, match.Match(StatsKey("u2", 7), p))
	assert.False(t, match.Match(StatsKey("u10", 7), p))
	assert.False(t, match.Match(StatsKey("u1", 0), p))
}

func TestStatsPattern_IdentifierGlobIsLiteral(t *testing.T) {
	p := StatsPattern("*")
	assert.False(t, match.Match(StatsKey("u1", 7), p), "an id of '*' must not match other users")
}

func TestTTLs_For(t *testing.T) {
	ttls := DefaultTTLs()

	assert.Equal(t, time.Hour, ttls.For(CategoryProfile))
	assert.Equal(t, 5*time.Minute, ttls.For(CategoryLinks))
	assert.Equal(t, 5*time.Minute, ttls.For(CategoryLink))
	assert.Equal(t, 15*time.Minute, ttls.For(CategoryStats))
	assert.Equal(t, 15*time.Minute, ttls.For(CategoryLinkStats))
	assert.Equal(t, 30*time.Minute, ttls.For(CategoryUser))
}

func TestTTLs_ForFallsBackToDefaults(t *testing.T) {
	ttls := TTLs{Stats: time.Minute}

	assert.Equal(t, time.Minute, ttls.For(CategoryStats))
	assert.Equal(t, time.Hour, ttls.For(CategoryProfile))
}
