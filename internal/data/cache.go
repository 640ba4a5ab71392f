package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Fingerprint identifies a data request
type Fingerprint struct {
	Kind      string // "bars" or "chain"
	Symbols   []string
	Timeframe types.Timeframe
	Start     time.Time
	End       time.Time
	Limit     int
	MaxDTE    int
}

// Key returns a stable string for f. Symbol order does not matter.
func (f Fingerprint) Key() string {
	symbols := make([]string, len(f.Symbols))
	for i, s := range f.Symbols {
		symbols[i] = strings.ToUpper(s)
	}
	sort.Strings(symbols)
	return fmt.Sprintf("%s:%s:%s:%s:%s:%d:%d",
		f.Kind,
		strings.Join(symbols, ","),
		f.Timeframe,
		dateKey(f.Start),
		dateKey(f.End),
		f.Limit,
		f.MaxDTE,
	)
}

func dateKey(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// Dataset is the cached result of a data request
type Dataset struct {
	Bars  map[string][]types.Bar `json:"bars,omitempty"`
	Chain []types.OptionContract `json:"chain,omitempty"`
}

// RemoteCache is a shared cache tier behind the in-process one
type RemoteCache interface {
	Get(ctx context.Context, key string) (*Dataset, bool)
	Set(ctx context.Context, key string, ds *Dataset)
}

// LoadFunc fetches a dataset on a cache miss
type LoadFunc func(ctx context.Context) (*Dataset, error)

// CacheStats reports cache activity
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type cacheEntry struct {
	ds      *Dataset
	expires time.Time
	added   time.Time
}

// FingerprintCache caches datasets by fingerprint. At most one load is in
// flight per key; concurrent callers for the same key share its result.
// Errors are never cached.
type FingerprintCache struct {
	mu         sync.Mutex
	logger     *zap.Logger
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	remote     RemoteCache
	group      singleflight.Group
	hits       int64
	misses     int64
	now        func() time.Time
}

// NewFingerprintCache creates a cache. remote may be nil.
func NewFingerprintCache(logger *zap.Logger, ttl time.Duration, maxEntries int, remote RemoteCache) *FingerprintCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &FingerprintCache{
		logger:     logger,
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		remote:     remote,
		now:        time.Now,
	}
}

// Get returns the dataset for fp, calling load on a miss. hit reports
// whether this caller was served without running load itself.
func (c *FingerprintCache) Get(ctx context.Context, fp Fingerprint, load LoadFunc) (ds *Dataset, hit bool, err error) {
	key := fp.Key()

	if ds, ok := c.lookup(key); ok {
		c.record(true)
		return ds, true, nil
	}

	loaded := false
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if ds, ok := c.lookup(key); ok {
			return ds, nil
		}
		if c.remote != nil {
			if ds, ok := c.remote.Get(ctx, key); ok {
				c.store(key, ds)
				return ds, nil
			}
		}
		ds, err := load(ctx)
		if err != nil {
			return nil, err
		}
		loaded = true
		c.store(key, ds)
		if c.remote != nil {
			c.remote.Set(ctx, key, ds)
		}
		return ds, nil
	})
	if err != nil {
		return nil, false, err
	}

	hit = !loaded
	c.record(hit)
	if !hit {
		c.logger.Debug("Cache miss", zap.String("key", key))
	}
	return v.(*Dataset), hit, nil
}

func (c *FingerprintCache) lookup(key string) (*Dataset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.ds, true
}

func (c *FingerprintCache) store(key string, ds *Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry{ds: ds, expires: now.Add(c.ttl), added: now}
}

// evictLocked drops expired entries, then the oldest if still full
func (c *FingerprintCache) evictLocked(now time.Time) {
	oldestKey := ""
	var oldest time.Time
	for k, e := range c.entries {
		if c.ttl > 0 && now.After(e.expires) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.added.Before(oldest) {
			oldestKey, oldest = k, e.added
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *FingerprintCache) record(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

// Stats returns the cache counters
func (c *FingerprintCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// Clear drops every in-process entry
func (c *FingerprintCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// RedisCache stores datasets in Redis as JSON. Failures are logged and
// treated as misses.
type RedisCache struct {
	rdb    *redis.Client
	logger *zap.Logger
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis-backed cache tier
func NewRedisCache(logger *zap.Logger, rdb *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "stratlab"
	}
	return &RedisCache{rdb: rdb, logger: logger, ttl: ttl, prefix: prefix}
}

// Get reads a dataset
func (r *RedisCache) Get(ctx context.Context, key string) (*Dataset, bool) {
	data, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("Redis get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		r.logger.Warn("Discarding unreadable cache entry", zap.String("key", key), zap.Error(err))
		r.rdb.Del(ctx, r.key(key))
		return nil, false
	}
	return &ds, true
}

// Set writes a dataset
func (r *RedisCache) Set(ctx context.Context, key string, ds *Dataset) {
	data, err := json.Marshal(ds)
	if err != nil {
		r.logger.Warn("Failed to encode dataset", zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.rdb.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		r.logger.Warn("Redis set failed", zap.String("key", key), zap.Error(err))
	}
}

// Ping checks the connection
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisCache) key(k string) string { return r.prefix + ":" + k }
