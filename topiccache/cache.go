// Package topiccache resolves inbound addresses to product keys, device ids
// and message categories without re-reading tenant configuration per frame.
//
// Lookups consult the tenant's own subscription routes first and fall back
// to a generic address grammar. Tenants the cache does not know resolve
// nothing, so a stopped tenant stops routing at once. The product key to category map is shared
// across tenants and populated first-writer-wins; a later tenant declaring a
// different category for the same product key is logged and counted but
// does not replace the existing entry.
package topiccache

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/metric"
)

// Well-known categories.
const (
	CategoryThingModel  = "thing_model"
	CategoryPassthrough = "passthrough"
)

type categoryEntry struct {
	category string
	owner    string
}

// Cache is safe for concurrent use. Writers are rare (config loads, tenant
// start and stop); lookups take a read lock.
type Cache struct {
	mu sync.RWMutex

	routes     map[string][]route
	// grammars holds every known tenant, including those without routes.
	grammars   map[string]grammar
	categories map[string]categoryEntry
	// refs tracks which tenants declared a category for a product key, so
	// an entry is only purged when its last referencing tenant leaves.
	refs map[string]map[string]string
	// order remembers insertion order of tenants for re-election.
	order map[string]uint64
	seq   uint64

	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for conflict warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records entry counts and conflicts.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		routes:     make(map[string][]route),
		grammars:   make(map[string]grammar),
		categories: make(map[string]categoryEntry),
		refs:       make(map[string]map[string]string),
		order:      make(map[string]uint64),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Build replaces the cache contents with the routes of every enabled
// tenant. Tenants are applied in the order given.
func (c *Cache) Build(configs []*config.TenantConfig) {
	c.mu.Lock()
	c.routes = make(map[string][]route)
	c.grammars = make(map[string]grammar)
	c.categories = make(map[string]categoryEntry)
	c.refs = make(map[string]map[string]string)
	c.order = make(map[string]uint64)
	for _, cfg := range configs {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		c.addLocked(cfg)
	}
	n := len(c.categories)
	c.mu.Unlock()

	c.recordEntries(n)
}

// AddTenant installs or replaces the routes of one tenant.
func (c *Cache) AddTenant(cfg *config.TenantConfig) {
	if cfg == nil {
		return
	}
	c.mu.Lock()
	c.removeLocked(cfg.ID)
	c.addLocked(cfg)
	n := len(c.categories)
	c.mu.Unlock()

	c.recordEntries(n)
}

// RemoveTenant drops the tenant's routes and every category entry no other
// tenant still references.
func (c *Cache) RemoveTenant(tenantID string) {
	c.mu.Lock()
	c.removeLocked(tenantID)
	n := len(c.categories)
	c.mu.Unlock()

	c.recordEntries(n)
}

func (c *Cache) addLocked(cfg *config.TenantConfig) {
	c.grammars[cfg.ID] = grammarFor(cfg)

	subs := cfg.ActiveSubscriptions()
	if len(subs) == 0 {
		return
	}

	c.seq++
	c.order[cfg.ID] = c.seq

	routes := make([]route, 0, len(subs))
	for _, sub := range subs {
		r := compile(sub, cfg.ProductKey)
		routes = append(routes, r)

		pk := r.staticProductKey()
		if pk == "" || r.category == "" {
			continue
		}
		if c.refs[pk] == nil {
			c.refs[pk] = make(map[string]string)
		}
		if _, seen := c.refs[pk][cfg.ID]; !seen {
			c.refs[pk][cfg.ID] = r.category
		}

		existing, ok := c.categories[pk]
		if !ok {
			c.categories[pk] = categoryEntry{category: r.category, owner: cfg.ID}
			continue
		}
		if existing.category != r.category {
			c.logger.Warn("Product key mapped to conflicting categories, keeping first",
				"product_key", pk,
				"kept", existing.category,
				"kept_tenant", existing.owner,
				"ignored", r.category,
				"tenant", cfg.ID)
			if c.metrics != nil {
				c.metrics.CacheConflicts.Inc()
			}
		}
	}
	c.routes[cfg.ID] = routes
}

func (c *Cache) removeLocked(tenantID string) {
	delete(c.grammars, tenantID)
	if _, ok := c.routes[tenantID]; !ok {
		return
	}
	delete(c.routes, tenantID)
	delete(c.order, tenantID)

	for pk, tenants := range c.refs {
		if _, ok := tenants[tenantID]; !ok {
			continue
		}
		delete(tenants, tenantID)
		if len(tenants) == 0 {
			delete(c.refs, pk)
			delete(c.categories, pk)
			continue
		}
		if c.categories[pk].owner == tenantID {
			c.categories[pk] = c.electLocked(tenants)
		}
	}
}

// electLocked picks the earliest-added remaining tenant as the new owner.
func (c *Cache) electLocked(tenants map[string]string) categoryEntry {
	ids := make([]string, 0, len(tenants))
	for id := range tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return c.order[ids[i]] < c.order[ids[j]] })
	return categoryEntry{category: tenants[ids[0]], owner: ids[0]}
}

func (c *Cache) recordEntries(n int) {
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(n))
	}
}

// resolve runs the tenant routes, then the tenant's generic grammar.
func (c *Cache) resolve(tenantID, address string) (match, bool) {
	c.mu.RLock()
	routes := c.routes[tenantID]
	g, known := c.grammars[tenantID]
	c.mu.RUnlock()

	if !known {
		return match{}, false
	}
	if len(routes) > 0 {
		segments := splitAddress(address)
		for _, r := range routes {
			if m, ok := r.match(segments); ok {
				return m, true
			}
		}
	}
	return parseGeneric(address, g)
}

// ResolveProductKey returns the product key for an address received on a
// tenant connection.
func (c *Cache) ResolveProductKey(tenantID, address string) (string, bool) {
	m, ok := c.resolve(tenantID, address)
	if !ok {
		return "", false
	}
	return m.productKey, true
}

// ResolveDeviceID returns the device id named by the address.
func (c *Cache) ResolveDeviceID(tenantID, address string) (string, bool) {
	m, ok := c.resolve(tenantID, address)
	if !ok || m.deviceID == "" {
		return "", false
	}
	return m.deviceID, true
}

// ResolveCategory returns the message category for an address. A route
// without a declared category falls back to the product's cached category.
func (c *Cache) ResolveCategory(tenantID, address string) (string, bool) {
	m, ok := c.resolve(tenantID, address)
	if !ok {
		return "", false
	}
	if m.category != "" {
		return m.category, true
	}
	return c.CategoryForProduct(m.productKey)
}

// Resolution is the full result of resolving one address.
type Resolution struct {
	ProductKey string
	DeviceID   string
	Category   string
}

// Resolve returns product key, device id and category in one lookup.
func (c *Cache) Resolve(tenantID, address string) (Resolution, bool) {
	m, ok := c.resolve(tenantID, address)
	if !ok {
		return Resolution{}, false
	}
	res := Resolution{ProductKey: m.productKey, DeviceID: m.deviceID, Category: m.category}
	if res.Category == "" {
		res.Category, _ = c.CategoryForProduct(m.productKey)
	}
	return res, true
}

// CategoryForProduct returns the cached category for a product key.
func (c *Cache) CategoryForProduct(productKey string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.categories[productKey]
	return e.category, ok
}

// Known reports whether the tenant has been added and not removed since.
func (c *Cache) Known(tenantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.grammars[tenantID]
	return ok
}

// HasTenant reports whether the tenant has at least one active route.
func (c *Cache) HasTenant(tenantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.routes[tenantID]
	return ok
}

// Stats summarises the cache contents.
type Stats struct {
	Tenants    int `json:"tenants"`
	Routes     int `json:"routes"`
	Categories int `json:"categories"`
}

// Stats returns current counts.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{Tenants: len(c.routes), Categories: len(c.categories)}
	for _, r := range c.routes {
		s.Routes += len(r)
	}
	return s
}
