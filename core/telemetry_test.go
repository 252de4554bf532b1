package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// counterValue sums the data points of an int64 counter named name
func counterValue(t *testing.T, reader sdkmetric.Reader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)

			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestCacheMetrics_ReportToMeterProvider(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(ctx) //nolint:errcheck

	m := NewCacheMetrics(mp)
	store := newTestStore(t, nil)
	c := NewCache(store, WithMetrics(m))

	p := &countingProducer[string]{value: "v"}
	for i := 0; i < 3; i++ {
		_, err := Fetch(ctx, c, "profile:alice", time.Hour, p.produce)
		require.NoError(t, err)
	}
	c.Invalidate(ctx, "profile:alice")

	rl := NewRateLimiter(store, WithRateMetrics(m))
	rl.Check(ctx, "1.2.3.4", 1, time.Minute)
	rl.Check(ctx, "1.2.3.4", 1, time.Minute)

	assert.Equal(t, int64(2), counterValue(t, reader, "linkhub.cache.hits"))
	assert.Equal(t, int64(1), counterValue(t, reader, "linkhub.cache.misses"))
	assert.Equal(t, int64(1), counterValue(t, reader, "linkhub.cache.invalidations"))
	assert.Equal(t, int64(1), counterValue(t, reader, "linkhub.ratelimit.denied"))

	// the in-process snapshot agrees
	assert.Equal(t, int64(2), m.Hits.Load())
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestFetch_Spans(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(ctx) //nolint:errcheck

	c := NewCache(newTestStore(t, nil), WithTracerProvider(tp))

	p := &countingProducer[string]{value: "v"}
	_, err := Fetch(ctx, c, "profile:alice", time.Hour, p.produce)
	require.NoError(t, err)
	_, err = Fetch(ctx, c, "profile:alice", time.Hour, p.produce)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = Fetch(ctx, c, "profile:bob", time.Hour, func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	spans := sr.Ended()
	require.Len(t, spans, 3)

	wantHit := []bool{false, true, false}
	for i, s := range spans {
		assert.Equal(t, "cache.Fetch", s.Name())
		hit, ok := spanAttr(s, "cache.hit")
		require.True(t, ok)
		assert.Equal(t, wantHit[i], hit.AsBool(), "span %d", i)
	}

	key, _ := spanAttr(spans[2], "cache.key")
	assert.Equal(t, "profile:bob", key.AsString())
	assert.Len(t, spans[2].Events(), 1, "error recorded")
}

func TestWarmer_Span(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(ctx) //nolint:errcheck

	src := &stubSource{
		candidates: []WarmupCandidate{{Username: "alice"}, {Username: "ghost"}},
		profiles:   map[string]*PublicProfile{"alice": profileFor("alice")},
	}
	w := NewWarmer(NewCache(newTestStore(t, nil), WithTracerProvider(tp)), src, WarmerConfig{})

	_, err := w.RunLimit(ctx, 5)
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "warmup.Run", spans[0].Name())

	warmed, ok := spanAttr(spans[0], "warmup.warmed")
	require.True(t, ok)
	assert.Equal(t, int64(1), warmed.AsInt64())
}
