package sambung

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiyansyah-risyal/sambung/internal/expiring"
)

// CacheConfig configures a Cache. Zero values take defaults.
type CacheConfig struct {
	Name     string
	TTL      time.Duration
	Capacity int
	// KeyGenerator derives the cache key. Default: DefaultCacheKey.
	KeyGenerator func(method Method, payload any) string
	// ShouldCache decides whether an item may be stored. A response is
	// stored only if every item passes. Default: success status.
	ShouldCache func(item *ResponseItem) bool
	// OnStats is called every StatsInterval with the current counters.
	StatsInterval time.Duration
	OnStats       func(CacheStats)
	Logger        Logger
	Metrics       *MetricsCollector
}

func (cfg CacheConfig) withDefaults() CacheConfig {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.KeyGenerator == nil {
		cfg.KeyGenerator = DefaultCacheKey
	}
	if cfg.ShouldCache == nil {
		cfg.ShouldCache = DefaultCacheCondition
	}
	return cfg
}

// Validate reports configuration errors.
func (cfg CacheConfig) Validate() error {
	var problems []string
	if cfg.TTL < 0 {
		problems = append(problems, "cache ttl must be positive")
	}
	if cfg.TTL > 24*time.Hour {
		problems = append(problems, "cache ttl > 24h may cause stale data issues")
	}
	if cfg.Capacity < 0 {
		problems = append(problems, "cache capacity must be positive")
	}
	if cfg.StatsInterval < 0 {
		problems = append(problems, "cache statsInterval must be non-negative")
	}
	return validationError("cache", problems)
}

// CacheStats reports cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// DefaultCacheKey renders "[version:]service.operation:" followed by the
// JSON encoding of payload. Map keys are encoded sorted, so equal payloads
// produce equal keys.
func DefaultCacheKey(method Method, payload any) string {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%s:%#v", method, payload)
	}
	return method.String() + ":" + string(body)
}

// DefaultCacheCondition caches success items only.
func DefaultCacheCondition(item *ResponseItem) bool {
	return item != nil && !item.Status.IsError()
}

// Cache replays stored response items for repeated calls. Storage is bounded
// by capacity (least recently used first) and by TTL.
type Cache struct {
	config CacheConfig
	logger Logger
	store  *expiring.Map[[]*ResponseItem]

	hits   atomic.Uint64
	misses atomic.Uint64

	stop      chan struct{}
	closeOnce sync.Once
}

// NewCache creates a response cache.
func NewCache(config CacheConfig) *Cache {
	config = config.withDefaults()
	c := &Cache{
		config: config,
		logger: loggerOrNop(config.Logger),
		stop:   make(chan struct{}),
	}

	store, err := expiring.New(expiring.Config[[]*ResponseItem]{
		Capacity: config.Capacity,
		TTL:      config.TTL,
		OnEvict: func(key string, _ []*ResponseItem) {
			c.config.Metrics.RecordCacheEviction(c.config.Name)
			c.logger.Debug("Cache entry evicted", "name", c.config.Name, "key", key)
		},
	})
	if err != nil {
		// withDefaults guarantees a positive capacity and TTL.
		panic(err)
	}
	c.store = store

	if config.StatsInterval > 0 && config.OnStats != nil {
		go c.reportLoop(config.StatsInterval)
	}
	return c
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.store.Evictions(),
		Size:      c.store.Len(),
	}
}

// Invalidate drops one key and reports whether it was present.
func (c *Cache) Invalidate(key string) bool {
	ok := c.store.Remove(key)
	c.config.Metrics.RecordCacheSize(c.config.Name, c.store.Len())
	return ok
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.store.Purge()
	c.config.Metrics.RecordCacheSize(c.config.Name, 0)
}

// Close stops the background sweeper and stats reporter.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.store.Close()
	})
	return nil
}

func (c *Cache) reportLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.config.OnStats(c.Stats())
		case <-c.stop:
			return
		}
	}
}

// enabled honors a per-call "cache.enabled" override.
func (c *Cache) enabled(msg *Message) bool {
	if section, ok := msg.Metadata.Lookup(MetaCache); ok {
		if on, ok := section.Bool("enabled"); ok {
			return on
		}
	}
	return true
}

// Wrap implements Interceptor. On a miss the inner sequence is drained to
// the end even if the consumer stops early, so the full response can be
// stored.
func (c *Cache) Wrap(next Runner) Runner {
	return func(ctx context.Context, msg *Message) Stream {
		return func(yield func(*ResponseItem, error) bool) {
			if msg.Metadata == nil {
				msg.Metadata = Metadata{}
			}
			if !c.enabled(msg) {
				for item, err := range next(ctx, msg) {
					if !yield(item, err) {
						return
					}
				}
				return
			}

			key := c.config.KeyGenerator(msg.Method, msg.Payload)
			section := msg.Metadata.Section(MetaCache)
			section["key"] = key

			if items, ok := c.store.Get(key); ok {
				c.hits.Add(1)
				section["hit"] = true
				c.config.Metrics.RecordCacheHit(msg.Method)
				c.logger.Debug("Cache hit", "requestID", msg.ID, "key", key, "items", len(items))
				for _, item := range items {
					if !yield(item.withID(msg.ID), nil) {
						return
					}
				}
				return
			}

			c.misses.Add(1)
			section["hit"] = false
			c.config.Metrics.RecordCacheMiss(msg.Method)

			var collected []*ResponseItem
			cacheable := true
			listening := true
			for item, err := range next(ctx, msg) {
				if err != nil {
					cacheable = false
					if listening {
						yield(nil, err)
					}
					break
				}
				collected = append(collected, item)
				if !c.config.ShouldCache(item) {
					cacheable = false
				}
				if listening && !yield(item, nil) {
					listening = false
				}
				if !listening && !cacheable {
					break
				}
			}

			if cacheable && len(collected) > 0 {
				c.store.Set(key, collected)
				c.config.Metrics.RecordCacheSize(c.config.Name, c.store.Len())
			}
		}
	}
}
