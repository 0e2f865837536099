// Package cache is the content-addressed result store. Every execution
// result — including timeouts — is cached under the request's content
// hash, so identical work within the TTL never runs twice. GetOrRun
// gives the scheduler atomic check-then-insert semantics: two identical
// requests arriving concurrently trigger exactly one execution, with the
// second waiting on the first's in-flight result.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"verify-engine/internal/executor"
)

type entry struct {
	result   *executor.ExecutionResult
	storedAt time.Time
}

// Cache maps content hash → execution result with TTL expiry and a
// bounded entry count.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	group      singleflight.Group

	hits   func()
	misses func()
}

type Config struct {
	TTL        time.Duration // how long results stay valid; 0 means 5m
	MaxEntries int           // 0 means 10000
}

func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &Cache{
		entries:    make(map[string]entry),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		hits:       func() {},
		misses:     func() {},
	}
}

// SetCounters wires hit/miss observers (prometheus counters in practice).
func (c *Cache) SetCounters(hit, miss func()) {
	if hit != nil {
		c.hits = hit
	}
	if miss != nil {
		c.misses = miss
	}
}

// Get returns the cached result for hash if present and unexpired.
func (c *Cache) Get(hash string) (*executor.ExecutionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hash]
	if !ok {
		c.misses()
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		delete(c.entries, hash)
		c.misses()
		return nil, false
	}
	c.hits()
	return e.result, true
}

// Put stores a result under hash, evicting the oldest entry when full.
func (c *Cache) Put(hash string, result *executor.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(hash, result)
}

func (c *Cache) putLocked(hash string, result *executor.ExecutionResult) {
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[hash] = entry{result: result, storedAt: time.Now()}
}

// GetOrRun returns the cached result for hash, or invokes fn exactly once
// to produce it. Concurrent callers with the same hash share one in-flight
// fn invocation. The bool reports whether the caller was served from cache
// (a shared in-flight result counts as a cache hit for the second caller).
func (c *Cache) GetOrRun(ctx context.Context, hash string, fn func(context.Context) (*executor.ExecutionResult, error)) (*executor.ExecutionResult, bool, error) {
	if res, ok := c.Get(hash); ok {
		return res, true, nil
	}

	v, err, shared := c.group.Do(hash, func() (any, error) {
		// Double-check under the flight: another caller may have stored
		// the result between our miss and the flight starting.
		if res, ok := c.Get(hash); ok {
			return res, nil
		}

		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(hash, res)
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}

	res, ok := v.(*executor.ExecutionResult)
	if !ok {
		log.Error().Str("hash", hash[:16]).Msgf("unexpected type from cache flight: %T", v)
		return nil, false, nil
	}
	return res, shared, nil
}

// Invalidate drops the entry for hash, if any.
func (c *Cache) Invalidate(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hash)
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired entries. Called periodically by the owner.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for hash, e := range c.entries {
		if time.Since(e.storedAt) > c.ttl {
			delete(c.entries, hash)
			removed++
		}
	}
	return removed
}

func (c *Cache) evictOldestLocked() {
	var oldestHash string
	var oldestAt time.Time
	for hash, e := range c.entries {
		if oldestHash == "" || e.storedAt.Before(oldestAt) {
			oldestHash = hash
			oldestAt = e.storedAt
		}
	}
	if oldestHash != "" {
		delete(c.entries, oldestHash)
	}
}
