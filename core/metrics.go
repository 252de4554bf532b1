package core

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "linkhub/cache"

// CacheMetrics tracks cache layer activity. Every count is mirrored to
// OpenTelemetry counters; the zero value reports to the global meter
// provider.
type CacheMetrics struct {
	Hits          atomic.Int64
	Misses        atomic.Int64
	Errors        atomic.Int64
	Invalidations atomic.Int64
	Warmed        atomic.Int64
	RateDenied    atomic.Int64

	in *instruments
}

// NewCacheMetrics returns metrics whose counters are created on mp
func NewCacheMetrics(mp metric.MeterProvider) *CacheMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return &CacheMetrics{in: newInstruments(mp)}
}

// Snapshot returns a point-in-time snapshot of metrics
func (m *CacheMetrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"hits":          m.Hits.Load(),
		"misses":        m.Misses.Load(),
		"errors":        m.Errors.Load(),
		"invalidations": m.Invalidations.Load(),
		"warmed":        m.Warmed.Load(),
		"rate_denied":   m.RateDenied.Load(),
	}
}

// HitRate returns the cache hit rate (0.0 to 1.0)
func (m *CacheMetrics) HitRate() float64 {
	hits := m.Hits.Load()
	total := hits + m.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// instruments holds the OpenTelemetry counters mirrored from CacheMetrics.
type instruments struct {
	hits          metric.Int64Counter
	misses        metric.Int64Counter
	errors        metric.Int64Counter
	invalidations metric.Int64Counter
	warmed        metric.Int64Counter
	rateDenied    metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider) *instruments {
	meter := mp.Meter(meterName)
	in := &instruments{}

	in.hits, _ = meter.Int64Counter("linkhub.cache.hits",
		metric.WithDescription("Number of cache hits"))
	in.misses, _ = meter.Int64Counter("linkhub.cache.misses",
		metric.WithDescription("Number of cache misses"))
	in.errors, _ = meter.Int64Counter("linkhub.cache.errors",
		metric.WithDescription("Number of key-value store errors"))
	in.invalidations, _ = meter.Int64Counter("linkhub.cache.invalidations",
		metric.WithDescription("Number of keys invalidated"))
	in.warmed, _ = meter.Int64Counter("linkhub.warmup.warmed",
		metric.WithDescription("Number of profiles written by warmup"))
	in.rateDenied, _ = meter.Int64Counter("linkhub.ratelimit.denied",
		metric.WithDescription("Number of requests denied by the rate limiter"))
	return in
}

// recorder pairs the in-process counters with the otel instruments.
type recorder struct {
	m *CacheMetrics
}

func newRecorder(m *CacheMetrics) recorder {
	if m == nil {
		m = &CacheMetrics{}
	}
	if m.in == nil {
		m.in = newInstruments(otel.GetMeterProvider())
	}
	return recorder{m: m}
}

func add(ctx context.Context, c metric.Int64Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}

func (r recorder) hit(ctx context.Context) {
	r.m.Hits.Add(1)
	add(ctx, r.m.in.hits, 1)
}

func (r recorder) miss(ctx context.Context) {
	r.m.Misses.Add(1)
	add(ctx, r.m.in.misses, 1)
}

func (r recorder) storeError(ctx context.Context) {
	r.m.Errors.Add(1)
	add(ctx, r.m.in.errors, 1)
}

func (r recorder) invalidation(ctx context.Context, n int64) {
	r.m.Invalidations.Add(n)
	add(ctx, r.m.in.invalidations, n)
}

func (r recorder) warmed(ctx context.Context) {
	r.m.Warmed.Add(1)
	add(ctx, r.m.in.warmed, 1)
}

func (r recorder) rateDenied(ctx context.Context) {
	r.m.RateDenied.Add(1)
	add(ctx, r.m.in.rateDenied, 1)
}
