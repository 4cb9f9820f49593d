// Package expiring provides a bounded map that layers time-based expiry over
// least-recently-used eviction.
package expiring

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MaxSweepInterval bounds how long expired entries may linger unread.
const MaxSweepInterval = 30 * time.Second

// Config describes a Map.
type Config[V any] struct {
	// Capacity is the hard entry limit enforced by LRU eviction.
	Capacity int
	// TTL is the lifetime of an entry. Zero disables expiry.
	TTL time.Duration
	// SweepInterval overrides the background sweep period, which defaults
	// to min(TTL, MaxSweepInterval).
	SweepInterval time.Duration
	// OnEvict is invoked synchronously, with the map locked, whenever an
	// entry is dropped to make room. It must not call back into the map.
	OnEvict func(key string, value V)
	// Now overrides the clock.
	Now func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Map is safe for concurrent use.
type Map[V any] struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, entry[V]]
	ttl       time.Duration
	now       func() time.Time
	onEvict   func(key string, value V)
	removing  bool
	evictions uint64

	stop      chan struct{}
	closeOnce sync.Once
}

// New builds a Map and starts its sweeper when TTL is set.
func New[V any](cfg Config[V]) (*Map[V], error) {
	if cfg.Capacity <= 0 {
		return nil, errors.New("expiring: capacity must be positive")
	}
	if cfg.TTL < 0 {
		return nil, errors.New("expiring: ttl must not be negative")
	}

	m := &Map[V]{
		ttl:     cfg.TTL,
		now:     cfg.Now,
		onEvict: cfg.OnEvict,
		stop:    make(chan struct{}),
	}
	if m.now == nil {
		m.now = time.Now
	}

	lru, err := simplelru.NewLRU[string, entry[V]](cfg.Capacity, m.evicted)
	if err != nil {
		return nil, err
	}
	m.lru = lru

	if cfg.TTL > 0 {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = min(cfg.TTL, MaxSweepInterval)
		}
		go m.sweepLoop(interval)
	}
	return m, nil
}

// evicted runs inside simplelru with m.mu held. Removals we trigger
// ourselves (expiry, Remove, Purge) are not capacity evictions.
func (m *Map[V]) evicted(key string, e entry[V]) {
	if m.removing {
		return
	}
	m.evictions++
	if m.onEvict != nil {
		m.onEvict(key, e.value)
	}
}

func (m *Map[V]) expired(e entry[V]) bool {
	return m.ttl > 0 && !m.now().Before(e.expiresAt)
}

func (m *Map[V]) removeLocked(key string) bool {
	m.removing = true
	defer func() { m.removing = false }()
	return m.lru.Remove(key)
}

// Get returns the live value for key and marks it most recently used.
func (m *Map[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if m.expired(e) {
		m.removeLocked(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when
// the map is full. It reports whether an eviction happened.
func (m *Map[V]) Set(key string, value V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry[V]{value: value}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	return m.lru.Add(key, e)
}

// Has reports whether a live entry exists without touching recency.
func (m *Map[V]) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Peek(key)
	return ok && !m.expired(e)
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (m *Map[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Remove deletes key.
func (m *Map[V]) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(key)
}

// Purge deletes every entry.
func (m *Map[V]) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removing = true
	m.lru.Purge()
	m.removing = false
}

// Evictions returns the number of capacity evictions so far.
func (m *Map[V]) Evictions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Map[V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ttl <= 0 {
		return 0
	}
	removed := 0
	for _, key := range m.lru.Keys() {
		if e, ok := m.lru.Peek(key); ok && m.expired(e) {
			m.removeLocked(key)
			removed++
		}
	}
	return removed
}

func (m *Map[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Close stops the background sweeper. The map stays usable.
func (m *Map[V]) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
}
