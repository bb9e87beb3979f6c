package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/c360/ctxfed/errors"
	"github.com/c360/ctxfed/metric"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// Statistics are the cumulative counters of a cache
type Statistics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
}

// Option configures an LRU cache
type Option func(*options)

type options struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithMetrics exposes hit/miss/eviction counters with the given name prefix
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(o *options) {
		o.metricsReg = registry
		o.metricsPrefix = prefix
	}
}

// LRU evicts the least recently used entry once maxSize entries are held.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	stats   Statistics
	metrics *cacheMetrics
	flight  singleflight.Group
}

// NewLRU creates an LRU cache. maxSize <= 0 selects a default of 1024.
func NewLRU[V any](maxSize int, opts ...Option) (*LRU[V], error) {
	if maxSize <= 0 {
		maxSize = 1024
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}

	if o.metricsReg != nil && o.metricsPrefix != "" {
		m, err := newCacheMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
		c.metrics = m
	}

	return c, nil
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_hits_total", Help: "Cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_misses_total", Help: "Cache misses",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_evictions_total", Help: "Cache evictions",
		}),
	}
	for name, c := range map[string]prometheus.Counter{
		"_hits_total":      m.hits,
		"_misses_total":    m.misses,
		"_evictions_total": m.evictions,
	} {
		if err := registry.Register("cache", prefix+name, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Get retrieves a value by key and marks it as recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		var zero V
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.Hits++
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return element.Value.(*lruEntry[V]).value, true
}

// Set stores value under key. Returns true if a new entry was created.
func (c *LRU[V]) Set(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		return false
	}

	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry[V]).key)
		c.stats.Evictions++
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
	}
	return true
}

// GetOrCreate returns the cached value for key, building and caching it with create on a miss.
// Errors from create are returned and nothing is cached.
func (c *LRU[V]) GetOrCreate(key string, create func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.flight.Do(key, func() (any, error) {
		v, err := create()
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Delete removes key. Returns true if it was present.
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(element)
	delete(c.items, key)
	return true
}

// Len returns the number of cached entries
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters
func (c *LRU[V]) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
