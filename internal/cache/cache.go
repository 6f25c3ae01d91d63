// Package cache deduplicates and memoizes calls to slow external data providers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL applies when Options.TTL is zero.
const DefaultTTL = 5 * time.Minute

// ErrNoKey is returned by Lookup-style calls that need a key but got none.
var ErrNoKey = errors.New("cache key requires endpoint and params")

// FetchFunc performs the upstream call for a cache miss.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Options configures a Cache.
type Options struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	Clock           clockwork.Clock
	Metrics         *Metrics
	Logger          *slog.Logger
}

type entry struct {
	payload  json.RawMessage
	storedAt time.Time
}

// Cache is a TTL-bounded response cache with at most one in-flight upstream
// call per key. It is safe for concurrent use.
type Cache struct {
	store   *gocache.Cache
	group   singleflight.Group
	ttl     time.Duration
	clock   clockwork.Clock
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a Cache.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 2 * opts.TTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:   gocache.New(opts.TTL, opts.CleanupInterval),
		ttl:     opts.TTL,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Len returns the number of stored entries, expired ones included until
// they are read or swept.
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

// Get returns the payload for key if present and younger than the TTL.
// An expired entry is evicted.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	payload, ok := c.lookup(key)
	if ok {
		c.metrics.hit(endpointOf(key))
	} else {
		c.metrics.miss(endpointOf(key))
	}
	return payload, ok
}

func (c *Cache) lookup(key string) (json.RawMessage, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	e, ok := v.(entry)
	if !ok {
		c.store.Delete(key)
		return nil, false
	}
	if c.clock.Since(e.storedAt) > c.ttl {
		c.store.Delete(key)
		c.logger.Debug("Evicted expired cache entry", "cache_key", key)
		return nil, false
	}
	return e.payload, true
}

// Set stores payload under key with the current time, replacing any
// previous entry.
func (c *Cache) Set(key string, payload json.RawMessage) {
	c.store.Set(key, entry{payload: payload, storedAt: c.clock.Now()}, c.ttl)
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.store.Delete(key)
}

// Invalidate removes the entry for (endpoint, params).
func (c *Cache) Invalidate(endpoint string, params map[string]any) error {
	key, ok := Key(endpoint, params)
	if !ok {
		return ErrNoKey
	}
	c.store.Delete(key)
	return nil
}

// Fetch serves a fresh cached response for (endpoint, params) or calls fn.
// Concurrent callers for the same key share a single call to fn, which runs
// detached from any one caller's cancellation. Each caller still returns
// early when its own ctx ends. Errors are never cached. When no key can be
// built the cache is bypassed.
func (c *Cache) Fetch(ctx context.Context, endpoint string, params map[string]any, fn FetchFunc) (json.RawMessage, error) {
	key, ok := Key(endpoint, params)
	if !ok {
		c.metrics.bypass(endpoint)
		return fn(ctx)
	}

	if payload, ok := c.Get(key); ok {
		return payload, nil
	}

	upstreamCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// A flight that finished just before we joined has already stored
		// its result.
		if payload, ok := c.lookup(key); ok {
			return payload, nil
		}
		payload, err := fn(upstreamCtx)
		if err != nil {
			c.metrics.upstreamError(endpoint)
			return nil, err
		}
		c.Set(key, payload)
		return payload, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.sharedWait(endpoint)
		}
		if res.Err != nil {
			return nil, fmt.Errorf("fetch %s: %w", endpoint, res.Err)
		}
		payload, _ := res.Val.(json.RawMessage)
		return payload, nil
	}
}
