// Package cache provides a generic, thread-safe cache with least recently
// used eviction and optional expiry. Statistics are always kept; Prometheus
// metrics are exported when WithMetrics is supplied.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/c360/protogate/errors"
)

// Cache is a keyed store of values of type V.
type Cache[V any] interface {
	// Get returns the value for key and whether it was present and fresh.
	Get(key string) (V, bool)
	// Set stores value under key. It reports whether a new entry was created.
	Set(key string, value V) (bool, error)
	// Delete removes key. It reports whether the key existed.
	Delete(key string) (bool, error)
	// Clear removes every entry.
	Clear()
	// Size returns the number of entries, including expired ones not yet swept.
	Size() int
	// Stats returns hit, miss and eviction counters.
	Stats() *Statistics
	// Close stops the expiry sweeper.
	Close() error
}

// EvictCallback is called when an entry leaves the cache other than by Delete.
type EvictCallback[V any] func(key string, value V)

// Config sizes a cache. A zero TTL disables expiry; a zero MaxSize disables
// size eviction.
type Config struct {
	MaxSize         int           `json:"max_size"`
	TTL             time.Duration `json:"ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.MaxSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate", "check max size")
	}
	if c.TTL < 0 || c.CleanupInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate", "check durations")
	}
	return nil
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type lruCache[V any] struct {
	mu      sync.Mutex
	cfg     Config
	items   map[string]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
	now     func() time.Time

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache. When cfg.TTL is set a background sweeper removes
// expired entries until ctx is done or Close is called.
func New[V any](ctx context.Context, cfg Config, options ...Option[V]) (Cache[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "New", "metrics registration")
		}
	}

	c := &lruCache[V]{
		cfg:      cfg,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  opts.evictCallback,
		now:      time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.TTL > 0 {
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = cfg.TTL
		}
		go c.sweep(ctx, interval)
	} else {
		close(c.done)
	}
	return c, nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

func (c *lruCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.recordMiss()
		return zero, false
	}
	e := el.Value.(*entry[V])
	if e.expired(c.now()) {
		c.removeLocked(el)
		size := len(c.items)
		c.mu.Unlock()
		c.recordEviction(e, size)
		c.recordMiss()
		return zero, false
	}
	c.order.MoveToFront(el)
	value := e.value
	c.mu.Unlock()

	c.stats.hit()
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return value, true
}

func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var expiresAt time.Time
	if c.cfg.TTL > 0 {
		expiresAt = c.now().Add(c.cfg.TTL)
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		c.mu.Unlock()
		c.stats.set()
		return false, nil
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})

	var evicted *entry[V]
	if c.cfg.MaxSize > 0 && len(c.items) > c.cfg.MaxSize {
		if back := c.order.Back(); back != nil {
			evicted = back.Value.(*entry[V])
			c.removeLocked(back)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.set()
	c.updateSize(size)
	if evicted != nil {
		c.recordEviction(evicted, size)
	}
	return true, nil
}

func (c *lruCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		c.removeLocked(el)
	}
	size := len(c.items)
	c.mu.Unlock()

	if ok {
		c.updateSize(size)
	}
	return ok, nil
}

func (c *lruCache[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
	c.updateSize(0)
}

func (c *lruCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lruCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *lruCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })
	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrShuttingDown, "cache", "Close", "wait for sweeper")
	}
}

// removeLocked must be called with mu held.
func (c *lruCache[V]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[V])
	delete(c.items, e.key)
	c.order.Remove(el)
}

func (c *lruCache[V]) sweep(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *lruCache[V]) removeExpired() {
	now := c.now()
	var expired []*entry[V]

	c.mu.Lock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*entry[V]); e.expired(now) {
			expired = append(expired, e)
			c.removeLocked(el)
		}
		el = next
	}
	size := len(c.items)
	c.mu.Unlock()

	for _, e := range expired {
		c.recordEviction(e, size)
	}
}

func (c *lruCache[V]) recordMiss() {
	c.stats.miss()
	if c.metrics != nil {
		c.metrics.misses.Inc()
	}
}

func (c *lruCache[V]) recordEviction(e *entry[V], size int) {
	c.stats.eviction()
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
	c.updateSize(size)
	if c.evictFn != nil {
		c.evictFn(e.key, e.value)
	}
}

func (c *lruCache[V]) updateSize(size int) {
	c.stats.size.Store(int64(size))
	if c.metrics != nil {
		c.metrics.size.Set(float64(size))
	}
}
