// Package lifecycle owns the connection of every tenant: starting, stopping
// and restarting sessions, reconnecting with exponential backoff after a
// failure, and periodically sweeping live connections for silent death.
//
// Start is two-phase. RequestStart validates the tenant config and returns
// as soon as a connect attempt has been dispatched; the outcome arrives on
// transport goroutines and is visible through IsConnected, State or a
// Subscribe channel.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/health"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/pkg/retry"
	"github.com/c360/protogate/pkg/scheduler"
	"github.com/c360/protogate/registry"
	"github.com/c360/protogate/topiccache"
	"github.com/c360/protogate/transport"
)

// Manager drives tenant connections.
type Manager struct {
	source   config.Source
	dialers  *transport.Registry
	registry *registry.Registry
	cache    *topiccache.Cache
	sched    *scheduler.Scheduler
	clock    scheduler.Clock

	policy         retry.Config
	healthInterval time.Duration
	restartDelay   time.Duration
	startSettle    time.Duration

	logger  *slog.Logger
	metrics *metric.Metrics
	health  *health.Monitor
	onFrame func(transport.Frame)

	mu      sync.Mutex
	configs map[string]*config.TenantConfig
	cancels map[string]context.CancelFunc
	shared  map[string]func() bool

	running  atomic.Bool
	stopLoop context.CancelFunc
	wg       sync.WaitGroup

	counters counters

	// sleep waits for d or ctx; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a manager reading tenant configs from source and dialling
// through dialers.
func New(source config.Source, dialers *transport.Registry, reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		source:         source,
		dialers:        dialers,
		registry:       reg,
		policy:         retry.Reconnect(),
		healthInterval: DefaultHealthInterval,
		restartDelay:   DefaultRestartDelay,
		startSettle:    DefaultStartSettle,
		logger:         slog.Default().With("component", "lifecycle"),
		configs:        make(map[string]*config.TenantConfig),
		cancels:        make(map[string]context.CancelFunc),
		shared:         make(map[string]func() bool),
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = registry.New()
	}
	if m.cache == nil {
		m.cache = topiccache.New(topiccache.WithLogger(m.logger), topiccache.WithMetrics(m.metrics))
	}
	m.sched = scheduler.New(m.clock)
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Registry returns the connection registry.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Cache returns the resolution cache.
func (m *Manager) Cache() *topiccache.Cache {
	return m.cache
}

// Start launches the periodic health sweep.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Start", "start health sweep")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.stopLoop = cancel

	m.wg.Add(1)
	go m.healthLoop(loopCtx)

	m.logger.Info("Lifecycle manager started", "health_interval", m.healthInterval)
	return nil
}

// Shutdown stops the health sweep and every tenant.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.running.CompareAndSwap(true, false) {
		m.stopLoop()
	}

	for _, id := range m.tenantIDs() {
		if err := m.Stop(id); err != nil {
			m.logger.Warn("Failed to stop tenant during shutdown", "tenant", id, "error", err)
		}
	}
	m.sched.Stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Lifecycle manager stopped")
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Manager", "Shutdown", "wait for health sweep")
	}
}

// tenantIDs returns every tenant the manager knows about, from config or
// registry.
func (m *Manager) tenantIDs() []string {
	seen := make(map[string]struct{})
	m.mu.Lock()
	for id := range m.configs {
		seen[id] = struct{}{}
	}
	m.mu.Unlock()
	for _, st := range m.registry.Snapshot() {
		seen[st.TenantID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// loadConfig fetches and validates a tenant config. Every failure is a
// configuration error.
func (m *Manager) loadConfig(ctx context.Context, tenantID string) (*config.TenantConfig, error) {
	if m.source == nil {
		return nil, errors.Configuration(tenantID, "no config source")
	}
	cfg, err := m.source.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, errors.ErrConfigNotFound) {
			return nil, errors.Configuration(tenantID, "config not found")
		}
		return nil, errors.WrapTransient(err, "Manager", "loadConfig", "read tenant config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, errors.Configuration(tenantID, "tenant is disabled")
	}
	return cfg, nil
}

// RequestStart reloads the tenant config, tears down any previous session
// and dispatches a connect attempt. It returns once the attempt has been
// initiated. When a previous session existed the call first blocks for the
// start settle delay (see WithStartSettle) or until ctx is done.
// Configuration problems are returned synchronously and never schedule a
// reconnect.
func (m *Manager) RequestStart(ctx context.Context, tenantID string) error {
	_, session := m.registry.Get(tenantID)
	if _, known := m.Config(tenantID); known || session {
		if err := m.Stop(tenantID); err != nil {
			return err
		}
	}
	if session {
		if err := m.sleep(ctx, m.startSettle); err != nil {
			return errors.WrapTransient(err, "Manager", "RequestStart", "settle after stop")
		}
	}

	cfg, err := m.loadConfig(ctx, tenantID)
	if err != nil {
		m.counters.configErrors.Add(1)
		m.logger.Error("Tenant config rejected", "tenant", tenantID, "error", err)
		return err
	}

	if cfg.Covered() {
		// A shared system connection carries this tenant; only routing
		// needs to know about it.
		m.mu.Lock()
		m.configs[tenantID] = cfg
		m.cache.AddTenant(cfg)
		m.mu.Unlock()
		m.logger.Info("Tenant served by shared connection",
			"tenant", tenantID, "shared_connection", cfg.SharedConnection)
		return nil
	}

	dialer, err := m.dialers.Dialer(cfg.Transport)
	if err != nil {
		m.counters.configErrors.Add(1)
		return errors.Configuration(tenantID, err.Error())
	}

	m.mu.Lock()
	m.configs[tenantID] = cfg
	m.mu.Unlock()

	m.counters.starts.Add(1)
	m.dial(tenantID, cfg, dialer)
	return nil
}

// Stop tears down the tenant. It is idempotent: the reconnect timer is
// cancelled, in-flight callbacks are invalidated, the handle is closed
// (state is cleared even if closing fails) and routes exclusive to the
// tenant are purged.
func (m *Manager) Stop(tenantID string) error {
	// Removing the entry first invalidates the session, so a callback that
	// lands after this point can no longer arm a timer or install routes.
	m.mu.Lock()
	h, existed := m.registry.Remove(tenantID)
	m.sched.Cancel(tenantID)
	if cancel, ok := m.cancels[tenantID]; ok {
		cancel()
		delete(m.cancels, tenantID)
	}
	delete(m.configs, tenantID)
	m.cache.RemoveTenant(tenantID)
	if m.health != nil {
		m.health.Remove(tenantID)
	}
	if m.metrics != nil {
		m.metrics.ForgetTenant(tenantID)
	}
	m.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			m.logger.Warn("Error closing tenant connection", "tenant", tenantID, "error", err)
		}
	}
	if existed {
		m.counters.stops.Add(1)
		m.logger.Info("Tenant stopped", "tenant", tenantID)
	}
	return nil
}

// Restart stops the tenant, waits the restart delay and starts it again.
func (m *Manager) Restart(ctx context.Context, tenantID string) error {
	if err := m.Stop(tenantID); err != nil {
		return err
	}
	if err := m.sleep(ctx, m.restartDelay); err != nil {
		return errors.WrapTransient(err, "Manager", "Restart", "wait restart delay")
	}
	return m.RequestStart(ctx, tenantID)
}

// ReloadAll stops every tenant, rebuilds the resolution cache from the full
// config set and starts every enabled tenant not served by a shared
// connection. Starts run concurrently; the first error is returned after
// all have been attempted.
func (m *Manager) ReloadAll(ctx context.Context) error {
	configs, err := m.source.List(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "ReloadAll", "list tenant configs")
	}

	for _, id := range m.tenantIDs() {
		_ = m.Stop(id)
	}
	m.cache.Build(configs)

	var g errgroup.Group
	g.SetLimit(16)
	started := 0
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if cfg.Covered() {
			m.mu.Lock()
			m.configs[cfg.ID] = cfg
			m.mu.Unlock()
			continue
		}
		id := cfg.ID
		started++
		g.Go(func() error {
			if err := m.RequestStart(ctx, id); err != nil {
				return fmt.Errorf("tenant %s: %w", id, err)
			}
			return nil
		})
	}
	err = g.Wait()

	m.logger.Info("Reloaded tenants", "configs", len(configs), "started", started, "error", err)
	return err
}

// RegisterShared records a shared system connection and its liveness probe.
func (m *Manager) RegisterShared(name string, alive func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shared[name] = alive
}

// IsConnected reports whether the tenant has a live connection, answering
// for the shared connection when one covers the tenant.
func (m *Manager) IsConnected(tenantID string) bool {
	m.mu.Lock()
	cfg := m.configs[tenantID]
	var probe func() bool
	if cfg != nil && cfg.Covered() {
		probe = m.shared[cfg.SharedConnection]
	}
	m.mu.Unlock()

	if cfg != nil && cfg.Covered() {
		return probe != nil && probe()
	}
	return m.registry.IsConnected(tenantID)
}

// State returns the tenant's registry state.
func (m *Manager) State(tenantID string) (registry.State, bool) {
	return m.registry.Get(tenantID)
}

// Snapshot returns the state of every registered tenant.
func (m *Manager) Snapshot() []registry.State {
	return m.registry.Snapshot()
}

// Subscribe returns a channel of status changes and its cancel function.
func (m *Manager) Subscribe(buffer int) (<-chan registry.Change, func()) {
	return m.registry.Watch(buffer)
}

// Config returns the config the tenant was last started with.
func (m *Manager) Config(tenantID string) (*config.TenantConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[tenantID]
	return cfg, ok
}

// Publish sends a downlink payload over the tenant's live connection.
func (m *Manager) Publish(_ context.Context, tenantID, address string, payload []byte) error {
	h, ok := m.registry.Handle(tenantID)
	if !ok {
		return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrNotConnected, tenantID),
			"Manager", "Publish", "find connection")
	}
	if err := h.Publish(address, payload); err != nil {
		return errors.WrapTransient(err, "Manager", "Publish", "publish downlink")
	}
	return nil
}

// Follow applies config change events until ctx is done or events closes.
// A put of an enabled tenant (re)starts it; a put of a disabled tenant or a
// delete stops it.
func (m *Manager) Follow(ctx context.Context, events <-chan config.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.apply(ctx, ev)
		}
	}
}

func (m *Manager) apply(ctx context.Context, ev config.Event) {
	switch {
	case ev.Type == config.EventDelete, ev.Config != nil && !ev.Config.Enabled:
		m.logger.Info("Tenant config removed or disabled", "tenant", ev.TenantID, "event", ev.Type.String())
		_ = m.Stop(ev.TenantID)
	default:
		if cur, ok := m.Config(ev.TenantID); ok && ev.Config != nil && cur.Version == ev.Config.Version {
			return
		}
		m.logger.Info("Tenant config changed", "tenant", ev.TenantID)
		if err := m.RequestStart(ctx, ev.TenantID); err != nil {
			m.logger.Warn("Failed to apply tenant config change", "tenant", ev.TenantID, "error", err)
		}
	}
}
