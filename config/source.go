package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/c360/protogate/errors"
)

// Source supplies tenant configs to the lifecycle manager.
type Source interface {
	// Get returns the current config for a tenant, or an error wrapping
	// errors.ErrConfigNotFound.
	Get(ctx context.Context, tenantID string) (*TenantConfig, error)
	// List returns every known tenant config, sorted by id.
	List(ctx context.Context) ([]*TenantConfig, error)
}

// EventType says what happened to a tenant config.
type EventType int

const (
	// EventPut means a config was added or replaced
	EventPut EventType = iota
	// EventDelete means a config was removed
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "delete"
	}
	return "put"
}

// Event reports a change to one tenant config.
type Event struct {
	Type     EventType
	TenantID string
	Config   *TenantConfig
}

// Watcher is implemented by sources that can push changes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Event, error)
}

func notFound(tenantID string) error {
	return fmt.Errorf("%w: tenant %s", errors.ErrConfigNotFound, tenantID)
}

func sortedConfigs(m map[string]*TenantConfig) []*TenantConfig {
	out := make([]*TenantConfig, 0, len(m))
	for _, c := range m {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// decodeTenantJSON schema-checks and decodes one JSON tenant record.
func decodeTenantJSON(data []byte) (*TenantConfig, error) {
	if err := validateJSONDepth(data); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "decodeTenantJSON", "check structure")
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "decodeTenantJSON", "parse record")
	}
	if err := ValidateTenantDocument(doc); err != nil {
		return nil, err
	}

	var cfg TenantConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "decodeTenantJSON", "decode record")
	}
	return &cfg, nil
}

type tenantFile struct {
	Tenants []yaml.Node `yaml:"tenants"`
}

// ParseTenants decodes a tenant file. YAML and JSON are both accepted since
// JSON documents are valid YAML.
func ParseTenants(data []byte) ([]*TenantConfig, error) {
	var file tenantFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "ParseTenants", "parse tenant file")
	}

	out := make([]*TenantConfig, 0, len(file.Tenants))
	seen := make(map[string]bool, len(file.Tenants))
	for i := range file.Tenants {
		node := &file.Tenants[i]

		var doc map[string]any
		if err := node.Decode(&doc); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "ParseTenants", fmt.Sprintf("decode tenant %d", i))
		}
		if err := ValidateTenantDocument(doc); err != nil {
			return nil, fmt.Errorf("tenant %d: %w", i, err)
		}

		var cfg TenantConfig
		if err := node.Decode(&cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "ParseTenants", fmt.Sprintf("decode tenant %d", i))
		}
		if seen[cfg.ID] {
			return nil, errors.WrapInvalid(fmt.Errorf("duplicate tenant id %q", cfg.ID),
				"Config", "ParseTenants", "check ids")
		}
		seen[cfg.ID] = true
		out = append(out, &cfg)
	}
	return out, nil
}

// MemorySource is a mutable in-process Source with change notification.
type MemorySource struct {
	mu       sync.RWMutex
	configs  map[string]*TenantConfig
	watchers []chan Event
}

// NewMemorySource creates a source holding copies of the given configs.
func NewMemorySource(configs ...*TenantConfig) *MemorySource {
	m := &MemorySource{configs: make(map[string]*TenantConfig, len(configs))}
	for _, c := range configs {
		m.configs[c.ID] = c.Clone()
	}
	return m
}

// Get implements Source
func (m *MemorySource) Get(_ context.Context, tenantID string) (*TenantConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.configs[tenantID]
	if !ok {
		return nil, notFound(tenantID)
	}
	return c.Clone(), nil
}

// List implements Source
func (m *MemorySource) List(_ context.Context) ([]*TenantConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedConfigs(m.configs), nil
}

// Put stores a config, bumping its version, and notifies watchers.
func (m *MemorySource) Put(cfg *TenantConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cfg.Clone()
	if prev, ok := m.configs[cp.ID]; ok && cp.Version <= prev.Version {
		cp.Version = prev.Version + 1
	}
	m.configs[cp.ID] = cp
	m.notify(Event{Type: EventPut, TenantID: cp.ID, Config: cp.Clone()})
}

// Delete removes a config and notifies watchers.
func (m *MemorySource) Delete(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[tenantID]; !ok {
		return
	}
	delete(m.configs, tenantID)
	m.notify(Event{Type: EventDelete, TenantID: tenantID})
}

// Watch implements Watcher. The channel closes when ctx is done.
func (m *MemorySource) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)

	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// notify must be called with mu held.
func (m *MemorySource) notify(ev Event) {
	for _, ch := range m.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}
