package core

import (
	"strconv"
	"strings"
	"time"
)

// Category names a family of cached resources. It is the first segment of
// every cache key.
type Category string

const (
	CategoryProfile   Category = "profile"
	CategoryLinks     Category = "links"
	CategoryLink      Category = "link"
	CategoryStats     Category = "stats"
	CategoryLinkStats Category = "linkStats"
	CategoryUser      Category = "user"

	rateLimitPrefix = "ratelimit"
)

// idEscaper percent-encodes the key separator and glob metacharacters so an
// identifier can never produce another resource's key or widen a pattern.
// '%' goes first so already-encoded input stays distinct.
var idEscaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	"/", "%2F",
	"*", "%2A",
	"?", "%3F",
	"[", "%5B",
	"]", "%5D",
	"\\", "%5C",
)

func escapeID(id string) string {
	return idEscaper.Replace(id)
}

func buildKey(c Category, id string) string {
	return string(c) + ":" + escapeID(id)
}

// ProfileKey is the key of a public profile (profile row plus active links).
func ProfileKey(username string) string { return buildKey(CategoryProfile, username) }

// LinksKey is the key of a user's link list.
func LinksKey(userID string) string { return buildKey(CategoryLinks, userID) }

// LinkKey is the key of a single link.
func LinkKey(linkID string) string { return buildKey(CategoryLink, linkID) }

// UserKey is the key of a user record.
func UserKey(userID string) string { return buildKey(CategoryUser, userID) }

// LinkStatsKey is the key of a single link's analytics.
func LinkStatsKey(linkID string) string { return buildKey(CategoryLinkStats, linkID) }

// StatsKey is the key of a user's analytics. A positive day range is appended
// as a suffix; it does not change the TTL bucket.
func StatsKey(userID string, days int) string {
	k := buildKey(CategoryStats, userID)
	if days > 0 {
		k += ":" + strconv.Itoa(days)
	}
	return k
}

// StatsPattern matches every day-range variant of a user's analytics key.
// The bare StatsKey(userID, 0) is not matched.
func StatsPattern(userID string) string {
	return buildKey(CategoryStats, userID) + ":*"
}

// RateLimitKey is the sorted-set key holding an identifier's request window.
func RateLimitKey(identifier string) string {
	return rateLimitPrefix + ":" + escapeID(identifier)
}

// TTLs is the per-category expiration table.
type TTLs struct {
	Profile time.Duration `mapstructure:"profile"`
	Links   time.Duration `mapstructure:"links"`
	Stats   time.Duration `mapstructure:"stats"`
	User    time.Duration `mapstructure:"user"`
}

// DefaultTTLs returns the production TTL policy.
func DefaultTTLs() TTLs {
	return TTLs{
		Profile: time.Hour,
		Links:   5 * time.Minute,
		Stats:   15 * time.Minute,
		User:    30 * time.Minute,
	}
}

// For returns the TTL bucket of a category. Unset buckets fall back to the
// defaults.
func (t TTLs) For(c Category) time.Duration {
	d := DefaultTTLs()

	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}

	switch c {
	case CategoryProfile:
		return pick(t.Profile, d.Profile)
	case CategoryLinks, CategoryLink:
		return pick(t.Links, d.Links)
	case CategoryStats, CategoryLinkStats:
		return pick(t.Stats, d.Stats)
	case CategoryUser:
		return pick(t.User, d.User)
	default:
		return pick(t.Links, d.Links)
	}
}
