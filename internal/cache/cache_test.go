package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *clockwork.FakeClock, *Metrics) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	metrics := NewMetrics(prometheus.NewRegistry())
	return New(Options{TTL: 5 * time.Minute, Clock: clock, Metrics: metrics}), clock, metrics
}

func TestGetSetAndExpiry(t *testing.T) {
	c, clock, _ := newTestCache(t)

	c.Set("weather:city=paris", json.RawMessage(`{"temp":21}`))

	got, ok := c.Get("weather:city=paris")
	require.True(t, ok)
	assert.JSONEq(t, `{"temp":21}`, string(got))

	clock.Advance(5*time.Minute + time.Second)

	_, ok = c.Get("weather:city=paris")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry must be evicted on read")
}

func TestEntryFreshAtExactTTL(t *testing.T) {
	c, clock, _ := newTestCache(t)

	c.Set("weather:city=rome", json.RawMessage(`{}`))
	clock.Advance(5 * time.Minute)

	_, ok := c.Get("weather:city=rome")
	assert.True(t, ok, "an entry exactly TTL old is still fresh")

	clock.Advance(time.Nanosecond)
	_, ok = c.Get("weather:city=rome")
	assert.False(t, ok)
}

func TestSetOverwrites(t *testing.T) {
	c, clock, _ := newTestCache(t)

	c.Set("k:a=1", json.RawMessage(`1`))
	clock.Advance(4 * time.Minute)
	c.Set("k:a=1", json.RawMessage(`2`))
	clock.Advance(2 * time.Minute)

	got, ok := c.Get("k:a=1")
	require.True(t, ok, "overwrite resets the timestamp")
	assert.Equal(t, "2", string(got))
}

func TestFetchSingleflight(t *testing.T) {
	c, _, metrics := newTestCache(t)

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`{"ok":true}`), nil
	}
	params := map[string]any{"city": "Rome"}

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Fetch(context.Background(), "weather", params, fn)
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = c.Fetch(context.Background(), "weather", map[string]any{"city": " rome "}, fn)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), calls.Load())
	assert.JSONEq(t, `{"ok":true}`, string(results[0]))
	assert.JSONEq(t, `{"ok":true}`, string(results[1]))

	_, err := c.Fetch(context.Background(), "weather", params, fn)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "later call is served from cache")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.hits.WithLabelValues("weather")))
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c, _, metrics := newTestCache(t)
	boom := errors.New("upstream down")

	var calls atomic.Int32
	fn := func(ctx context.Context) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return json.RawMessage(`"ok"`), nil
	}

	_, err := c.Fetch(context.Background(), "hotels", map[string]any{"location": "Oslo"}, fn)
	require.ErrorIs(t, err, boom)

	got, err := c.Fetch(context.Background(), "hotels", map[string]any{"location": "Oslo"}, fn)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(got))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.errors.WithLabelValues("hotels")))
}

func TestFetchBypassesWithoutKey(t *testing.T) {
	c, _, metrics := newTestCache(t)

	var calls atomic.Int32
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`1`), nil
	}

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background(), "weather", nil, fn)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.bypassed.WithLabelValues("weather")))
}

func TestFetchCallerCancellation(t *testing.T) {
	c, _, _ := newTestCache(t)

	release := make(chan struct{})
	done := make(chan struct{})
	fn := func(ctx context.Context) (json.RawMessage, error) {
		defer close(done)
		<-release
		return json.RawMessage(`"late"`), ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, "attractions", map[string]any{"location": "Kyoto"}, fn)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	<-done

	require.Eventually(t, func() bool {
		_, ok := c.Get("attractions:location=kyoto")
		return ok
	}, time.Second, time.Millisecond, "shared call completes for other callers")
}

func TestInvalidate(t *testing.T) {
	c, _, _ := newTestCache(t)
	c.Set("weather:city=paris", json.RawMessage(`1`))

	require.NoError(t, c.Invalidate("weather", map[string]any{"city": "Paris"}))
	_, ok := c.Get("weather:city=paris")
	assert.False(t, ok)

	assert.ErrorIs(t, c.Invalidate("", nil), ErrNoKey)
}
