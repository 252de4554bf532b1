package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrWarmupInProgress is returned when a run is requested while another
	// one is still executing and overlap is disabled.
	ErrWarmupInProgress = errors.New("warmup already in progress")

	// ErrWarmerStarted is returned by Start on a running schedule.
	ErrWarmerStarted = errors.New("warmer already started")
)

const (
	defaultWarmupInterval = time.Hour
	defaultWarmupLimit    = 10
	defaultWarmupWindow   = 7 * 24 * time.Hour
)

// ProfileSource is the part of the system of record the warmer reads.
type ProfileSource interface {
	// TopProfiles returns up to limit usernames ordered by profile views
	// since the given instant, most viewed first.
	TopProfiles(ctx context.Context, limit int, since time.Time) ([]WarmupCandidate, error)

	// PublicProfile returns a user's profile and active links, or nil when
	// the user does not exist.
	PublicProfile(ctx context.Context, username string) (*PublicProfile, error)
}

// WarmerConfig controls warmup runs and their schedule.
type WarmerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Limit    int           `mapstructure:"limit"`
	Window   time.Duration `mapstructure:"window"`

	// AllowOverlap lets a run start while a previous one is still going.
	// When false the second run fails with ErrWarmupInProgress.
	AllowOverlap bool `mapstructure:"allow_overlap"`

	// CandidatesPerSecond paces profile fetches against the system of
	// record. Zero disables pacing.
	CandidatesPerSecond float64 `mapstructure:"candidates_per_second"`
}

// WarmupResult summarizes one run.
type WarmupResult struct {
	Candidates int `json:"candidates"`
	Warmed     int `json:"warmed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Warmer writes the most viewed public profiles into the cache ahead of
// requests.
type Warmer struct {
	cache *Cache
	src   ProfileSource
	conf  WarmerConfig
	log   *zap.Logger
	now   func() time.Time
	pace  *rate.Limiter

	busy     atomic.Bool
	inflight atomic.Int32

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// WarmerOption configures a Warmer.
type WarmerOption func(*Warmer)

// WithWarmerLogger sets the logger.
func WithWarmerLogger(log *zap.Logger) WarmerOption {
	return func(w *Warmer) {
		if log != nil {
			w.log = log
		}
	}
}

// WithWarmerClock replaces the clock used to compute the view window.
func WithWarmerClock(now func() time.Time) WarmerOption {
	return func(w *Warmer) {
		w.now = now
	}
}

// NewWarmer creates a warmer. Zero config values take the defaults: hourly,
// top 10, over the last 7 days.
func NewWarmer(cache *Cache, src ProfileSource, conf WarmerConfig, opts ...WarmerOption) *Warmer {
	if conf.Interval <= 0 {
		conf.Interval = defaultWarmupInterval
	}
	if conf.Limit <= 0 {
		conf.Limit = defaultWarmupLimit
	}
	if conf.Window <= 0 {
		conf.Window = defaultWarmupWindow
	}

	w := &Warmer{
		cache: cache,
		src:   src,
		conf:  conf,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	if conf.CandidatesPerSecond > 0 {
		w.pace = rate.NewLimiter(rate.Limit(conf.CandidatesPerSecond), 1)
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Config returns the effective configuration.
func (w *Warmer) Config() WarmerConfig {
	return w.conf
}

// Running reports whether a run is executing.
func (w *Warmer) Running() bool {
	return w.inflight.Load() > 0
}

// Run warms the configured number of profiles.
func (w *Warmer) Run(ctx context.Context) (WarmupResult, error) {
	return w.RunLimit(ctx, w.conf.Limit)
}

// RunLimit warms the top limit profiles. Candidates are processed one at a
// time; a failing candidate is logged and counted, never fatal. Only a
// failure to list candidates is returned as an error.
func (w *Warmer) RunLimit(ctx context.Context, limit int) (WarmupResult, error) {
	if limit <= 0 {
		limit = w.conf.Limit
	}

	if !w.conf.AllowOverlap {
		if !w.busy.CompareAndSwap(false, true) {
			return WarmupResult{}, ErrWarmupInProgress
		}
		defer w.busy.Store(false)
	}
	w.inflight.Add(1)
	defer w.inflight.Add(-1)

	ctx, span := w.cache.tp.Tracer(tracerName).Start(ctx, "warmup.Run",
		trace.WithAttributes(attribute.Int("warmup.limit", limit)))
	defer span.End()

	w.log.Info("starting cache warmup", zap.Int("limit", limit))

	var res WarmupResult

	since := w.now().Add(-w.conf.Window)
	candidates, err := w.src.TopProfiles(ctx, limit, since)
	if err != nil {
		w.log.Error("warmup candidate query failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	res.Candidates = len(candidates)

	ttl := w.cache.TTL(CategoryProfile)

	for _, c := range candidates {
		if w.pace != nil {
			if err := w.pace.Wait(ctx); err != nil {
				return res, err
			}
		}

		p, err := w.src.PublicProfile(ctx, c.Username)
		if err != nil {
			res.Failed++
			w.log.Error("warmup profile fetch failed",
				zap.String("username", c.Username), zap.Error(err))
			continue
		}
		if p == nil || p.Profile == nil {
			res.Skipped++
			continue
		}

		if err := w.cache.Put(ctx, ProfileKey(c.Username), p, ttl); err != nil {
			res.Failed++
			w.log.Error("warmup cache write failed",
				zap.String("username", c.Username), zap.Error(err))
			continue
		}

		res.Warmed++
		w.cache.rec.warmed(ctx)
		w.log.Debug("cached profile",
			zap.String("username", c.Username),
			zap.Int64("views", c.Views),
			zap.Int("links", len(p.Links)))
	}

	span.SetAttributes(
		attribute.Int("warmup.candidates", res.Candidates),
		attribute.Int("warmup.warmed", res.Warmed),
		attribute.Int("warmup.failed", res.Failed))

	w.log.Info("cache warmup completed",
		zap.Int("candidates", res.Candidates),
		zap.Int("warmed", res.Warmed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

// Start runs a warmup immediately and then once per interval until Stop is
// called or ctx is done. Runs execute on their own goroutines with ctx, so
// Stop suppresses future runs without interrupting one in flight.
func (w *Warmer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop != nil {
		return ErrWarmerStarted
	}
	w.stop = make(chan struct{})

	w.log.Info("scheduling cache warmup",
		zap.Duration("interval", w.conf.Interval),
		zap.Bool("allow_overlap", w.conf.AllowOverlap))

	w.wg.Add(1)
	go w.loop(ctx, w.stop)
	return nil
}

// Stop cancels the schedule and waits for the loop and any in-flight run to
// return. When ctx is done first Stop returns ctx.Err() and the in-flight
// run is left to finish on its own. It is safe to call on a stopped warmer.
func (w *Warmer) Stop(ctx context.Context) error {
	w.mu.Lock()
	stop := w.stop
	w.stop = nil
	w.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.log.Warn("stopped waiting for in-flight warmup", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (w *Warmer) loop(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()

	w.trigger(ctx)

	ticker := time.NewTicker(w.conf.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a tick and Stop can be ready together
			select {
			case <-stop:
				return
			default:
			}
			w.trigger(ctx)
		}
	}
}

func (w *Warmer) trigger(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		_, err := w.Run(ctx)
		switch {
		case errors.Is(err, ErrWarmupInProgress):
			w.log.Warn("skipping scheduled warmup, previous run still in progress")
		case err != nil:
			w.log.Error("scheduled warmup failed", zap.Error(err))
		}
	}()
}
