package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RateResult is the outcome of a rate limit check.
type RateResult struct {
	Allowed   bool
	Remaining int
	Reset     time.Duration
}

// RateLimiter is a sliding-window limiter keeping one sorted set of attempt
// timestamps per identifier.
//
// It fails open: when the store errors the request is allowed with zero
// remaining so a store outage never blocks traffic.
type RateLimiter struct {
	store Store
	log   *zap.Logger
	rec   recorder
	now   func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLogger sets the logger.
func WithRateLogger(log *zap.Logger) RateLimiterOption {
	return func(r *RateLimiter) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRateClock replaces the clock.
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) {
		r.now = now
	}
}

// WithRateMetrics shares a metrics sink.
func WithRateMetrics(m *CacheMetrics) RateLimiterOption {
	return func(r *RateLimiter) {
		r.rec = newRecorder(m)
	}
}

// NewRateLimiter creates a limiter over store.
func NewRateLimiter(store Store, opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		store: store,
		log:   zap.NewNop(),
		rec:   newRecorder(nil),
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Check records an attempt for identifier and reports whether it fits within
// limit attempts per window. Timestamps have second resolution; window is
// rounded down to whole seconds with a minimum of one.
func (r *RateLimiter) Check(ctx context.Context, identifier string, limit int, window time.Duration) RateResult {
	windowSec := int64(window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}
	fullWindow := time.Duration(windowSec) * time.Second

	res, err := r.check(ctx, RateLimitKey(identifier), limit, windowSec)
	if err != nil {
		r.rec.storeError(ctx)
		r.log.Error("rate limiting failed, allowing request",
			zap.String("identifier", identifier), zap.Error(err))
		return RateResult{Allowed: true, Remaining: 0, Reset: fullWindow}
	}

	if !res.Allowed {
		r.rec.rateDenied(ctx)
		r.log.Debug("rate limit exceeded",
			zap.String("identifier", identifier),
			zap.Int("limit", limit),
			zap.Duration("reset", res.Reset))
	}
	return res
}

func (r *RateLimiter) check(ctx context.Context, key string, limit int, windowSec int64) (RateResult, error) {
	now := r.now().Unix()
	windowStart := now - windowSec
	fullWindow := time.Duration(windowSec) * time.Second

	err := r.store.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(windowStart, 10))
	if err != nil {
		return RateResult{}, fmt.Errorf("prune: %w", err)
	}

	count, err := r.store.ZCard(ctx, key)
	if err != nil {
		return RateResult{}, fmt.Errorf("count: %w", err)
	}

	if count >= int64(limit) {
		reset := fullWindow
		oldest, err := r.store.ZRangeWithScores(ctx, key, 0, 0)
		if err != nil {
			return RateResult{}, fmt.Errorf("oldest: %w", err)
		}
		if len(oldest) > 0 {
			reset = time.Duration(int64(oldest[0].Score)+windowSec-now) * time.Second
		}
		return RateResult{Allowed: false, Remaining: 0, Reset: reset}, nil
	}

	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	if err := r.store.ZAdd(ctx, key, ZMember{Score: float64(now), Member: member}); err != nil {
		return RateResult{}, fmt.Errorf("record: %w", err)
	}
	if err := r.store.Expire(ctx, key, 2*fullWindow); err != nil {
		return RateResult{}, fmt.Errorf("expire: %w", err)
	}

	remaining := limit - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return RateResult{Allowed: true, Remaining: remaining, Reset: fullWindow}, nil
}
