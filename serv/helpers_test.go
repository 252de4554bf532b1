package serv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linkhub/linkhub/core"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testJWTSecret    = "test-jwt-secret"
	testWarmupSecret = "test-warmup-secret"
)

// fakeDirectory is an in-memory Directory that counts calls
type fakeDirectory struct {
	mu sync.Mutex

	profiles map[string]*core.PublicProfile
	stats    map[string]*core.Stats
	links    map[string]*core.LinkStats
	views    map[string]int
	top      []core.WarmupCandidate

	// block holds PublicProfile until closed
	block chan struct{}

	profileCalls int
	statsCalls   int
	linkCalls    int
	clicks       []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		profiles: map[string]*core.PublicProfile{
			"alice": {
				User:    core.User{ID: "u1", Name: "Alice", Username: "alice"},
				Profile: &core.Profile{ID: "p1", Title: "Alice's links", UserID: "u1"},
				Links: []core.Link{
					{ID: "l1", Title: "Blog", URL: "https://alice.dev", Active: true, UserID: "u1"},
				},
			},
			"bob": {
				User:    core.User{ID: "u2", Name: "Bob", Username: "bob"},
				Profile: &core.Profile{ID: "p2", Title: "Bob", UserID: "u2"},
			},
		},
		stats: map[string]*core.Stats{
			"u1": {TotalViews: 10, TotalClicks: 3, ActiveLinks: 1, CTR: "30.0"},
		},
		links: map[string]*core.LinkStats{
			"l1": {Link: core.Link{ID: "l1", Title: "Blog", UserID: "u1"}, TotalClicks: 3},
		},
		views: make(map[string]int),
		top: []core.WarmupCandidate{
			{Username: "alice", Views: 10},
			{Username: "bob", Views: 5},
		},
	}
}

func (d *fakeDirectory) TopProfiles(ctx context.Context, limit int, since time.Time) ([]core.WarmupCandidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit < len(d.top) {
		return d.top[:limit], nil
	}
	return d.top, nil
}

func (d *fakeDirectory) PublicProfile(ctx context.Context, username string) (*core.PublicProfile, error) {
	if d.block != nil {
		<-d.block
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.profileCalls++
	return d.profiles[username], nil
}

func (d *fakeDirectory) UserStats(ctx context.Context, userID string, days int) (*core.Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.statsCalls++
	s, ok := d.stats[userID]
	if !ok {
		return &core.Stats{CTR: "0.0"}, nil
	}
	return s, nil
}

func (d *fakeDirectory) LinkStats(ctx context.Context, userID, linkID string) (*core.LinkStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.linkCalls++
	ls, ok := d.links[linkID]
	if !ok || ls.Link.UserID != userID {
		return nil, ErrNotFound
	}
	return ls, nil
}

func (d *fakeDirectory) RecordProfileView(ctx context.Context, userID, referrer, userAgent string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.views[userID]++
	return nil
}

func (d *fakeDirectory) RecordLinkClick(ctx context.Context, linkID, referrer, userAgent string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ls, ok := d.links[linkID]
	if !ok {
		return "", ErrNotFound
	}
	d.clicks = append(d.clicks, linkID+"|"+referrer)
	return ls.Link.UserID, nil
}

func (d *fakeDirectory) Ping(ctx context.Context) error { return nil }
func (d *fakeDirectory) Close()                         {}

func (d *fakeDirectory) calls() (profile, stats, link int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profileCalls, d.statsCalls, d.linkCalls
}

func testConfig() *Config {
	conf := DefaultConfig()
	conf.Auth.JWTSecret = testJWTSecret
	conf.Warmup.Secret = testWarmupSecret
	return conf
}

type testService struct {
	*Service
	dir   *fakeDirectory
	store *core.MemoryStore
}

func newTestService(t *testing.T, conf *Config) *testService {
	t.Helper()

	if conf == nil {
		conf = testConfig()
	}

	store, err := core.NewMemoryStore(1000)
	require.NoError(t, err)

	dir := newFakeDirectory()
	s, err := NewService(conf,
		OptionSetLogger(zaptest.NewLogger(t)),
		OptionSetStore(store, StoreMemory),
		OptionSetDirectory(dir))
	require.NoError(t, err)

	t.Cleanup(func() { s.Shutdown(context.Background()) }) //nolint:errcheck
	return &testService{Service: s, dir: dir, store: store}
}

func (ts *testService) do(t *testing.T, method, target, body string, hdr http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for k, v := range hdr {
		r.Header[k] = v
	}

	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, r)
	return w
}

func (ts *testService) bearer(t *testing.T, userID string) http.Header {
	t.Helper()

	tok, err := ts.auth.sign(Claims{UserID: userID, Email: userID + "@example.com", Role: "user"}, time.Hour)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func secretHeader(secret string) http.Header {
	return http.Header{"Authorization": {"Bearer " + secret}}
}
