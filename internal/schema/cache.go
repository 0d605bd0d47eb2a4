// Package schema caches full tool input schemas fetched from upstream MCP
// servers. The tool registry only indexes lightweight metadata; when a
// client needs a complete schema the cache loads it on demand, coalescing
// concurrent requests for the same tool into a single upstream round-trip.
package schema

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unimcp/unimcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxEntries bounds the cache when no explicit limit is configured.
const DefaultMaxEntries = 500

// Loader fetches the full tool definition from the live upstream client.
type Loader func(ctx context.Context, server, tool string) (mcp.Tool, error)

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Coalesced int64
	Evictions int64
	HitRate   float64
}

// PreloadResult reports the outcome of a bulk load.
type PreloadResult struct {
	Loaded int
	Failed []PreloadFailure
}

// PreloadFailure identifies one tool that could not be loaded.
type PreloadFailure struct {
	Server string
	Tool   string
	Err    error
}

type cacheEntry struct {
	tool      mcp.Tool
	timestamp time.Time
}

// inflightLoad is a one-shot shared future: the first caller performs the
// load, everyone else waits on done and reads the shared outcome.
type inflightLoad struct {
	done chan struct{}
	tool mcp.Tool
	err  error
}

// Cache is a size-bounded, TTL-aware tool schema cache.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	inflight map[string]*inflightLoad

	maxEntries int
	ttl        time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
	evictions atomic.Int64

	// now is replaceable for TTL tests.
	now func() time.Time
}

// NewCache creates a cache bounded to maxEntries. A ttl of zero disables
// expiry.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]cacheEntry),
		inflight:   make(map[string]*inflightLoad),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func cacheKey(server, tool string) string {
	return fmt.Sprintf("%s:%s", server, tool)
}

func (c *Cache) expired(e cacheEntry) bool {
	return c.ttl > 0 && c.now().Sub(e.timestamp) > c.ttl
}

// GetOrLoad returns the cached tool, joins an in-flight load for the same
// key, or invokes the loader exactly once and shares the outcome with every
// concurrent caller.
func (c *Cache) GetOrLoad(ctx context.Context, server, tool string, loader Loader) (mcp.Tool, error) {
	key := cacheKey(server, tool)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if !c.expired(e) {
			c.mu.Unlock()
			c.hits.Add(1)
			return e.tool, nil
		}
		delete(c.entries, key)
	}

	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.coalesced.Add(1)
		select {
		case <-fl.done:
			return fl.tool, fl.err
		case <-ctx.Done():
			return mcp.Tool{}, ctx.Err()
		}
	}

	fl := &inflightLoad{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	c.misses.Add(1)
	loaded, err := loader(ctx, server, tool)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.storeLocked(key, loaded)
	}
	c.mu.Unlock()

	fl.tool, fl.err = loaded, err
	close(fl.done)
	return loaded, err
}

// storeLocked inserts an entry, evicting the oldest one when full.
// Caller holds c.mu.
func (c *Cache) storeLocked(key string, tool mcp.Tool) {
	if _, replacing := c.entries[key]; !replacing && len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.timestamp.Before(oldest) {
				oldestKey, oldest = k, e.timestamp
			}
		}
		delete(c.entries, oldestKey)
		c.evictions.Add(1)
	}
	c.entries[key] = cacheEntry{tool: tool, timestamp: c.now()}
}

// Has reports whether a live (unexpired) entry exists. Observed expired
// entries are removed.
func (c *Cache) Has(server, tool string) bool {
	_, ok := c.GetIfCached(server, tool)
	return ok
}

// GetIfCached returns the cached tool without ever triggering a load. An
// expired entry it observes is removed.
func (c *Cache) GetIfCached(server, tool string) (mcp.Tool, bool) {
	key := cacheKey(server, tool)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return mcp.Tool{}, false
	}
	if c.expired(e) {
		delete(c.entries, key)
		return mcp.Tool{}, false
	}
	return e.tool, true
}

// Set stores a tool directly, subject to the size bound.
func (c *Cache) Set(server, tool string, full mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(cacheKey(server, tool), full)
}

// Delete removes an entry if present.
func (c *Cache) Delete(server, tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(server, tool))
}

// Clear drops every cached entry. In-flight loads are unaffected.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Size returns the number of cached entries, expired ones included until
// they are observed.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// preloadConcurrency bounds parallel upstream fetches during Preload.
const preloadConcurrency = 8

// PreloadKey identifies one tool to bulk-load.
type PreloadKey struct {
	Server string
	Tool   string
}

// Preload loads a batch of schemas in parallel through GetOrLoad.
// Individual failures are collected, never propagated as an error.
func (c *Cache) Preload(ctx context.Context, keys []PreloadKey, loader Loader) PreloadResult {
	var (
		mu     sync.Mutex
		result PreloadResult
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)

	for _, key := range keys {
		g.Go(func() error {
			_, err := c.GetOrLoad(ctx, key.Server, key.Tool, loader)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, PreloadFailure{Server: key.Server, Tool: key.Tool, Err: err})
				logging.Warn("SchemaCache", "Preload failed for %s:%s: %v", key.Server, key.Tool, err)
			} else {
				result.Loaded++
			}
			return nil
		})
	}

	// Workers never return errors; Wait only observes context cancellation.
	_ = g.Wait()
	return result
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:      hits,
		Misses:    misses,
		Coalesced: c.coalesced.Load(),
		Evictions: c.evictions.Load(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
