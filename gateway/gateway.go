package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/protogate/codec"
	"github.com/c360/protogate/config"
	"github.com/c360/protogate/device"
	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/health"
	"github.com/c360/protogate/lifecycle"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/pipeline"
	"github.com/c360/protogate/pipeline/stages"
	"github.com/c360/protogate/pkg/retry"
	"github.com/c360/protogate/pkg/worker"
	"github.com/c360/protogate/registry"
	"github.com/c360/protogate/rules"
	"github.com/c360/protogate/sink"
	"github.com/c360/protogate/topiccache"
	"github.com/c360/protogate/transport"
)

// Drop reasons recorded on the frames_dropped metric.
const (
	DropRateLimited = "rate_limited"
	DropUnroutable  = "unroutable"
	DropQueueFull   = "queue_full"
	DropStopped     = "stopped"
)

// Deps are the collaborators a Gateway is assembled from. Source and
// Dialers are required.
type Deps struct {
	Source    config.Source
	Dialers   *transport.Registry
	Directory device.Directory
	Codec     codec.Service
	Rules     rules.Engine
	Sink      sink.Sink
	// Metrics is the process registry; a private one is created when nil.
	Metrics *metric.MetricsRegistry
	Logger  *slog.Logger
	// Manager options appended after the ones derived from config, mainly
	// for tests replacing the clock.
	ManagerOptions []lifecycle.Option
}

type counters struct {
	received  atomic.Int64
	submitted atomic.Int64
	dropped   atomic.Int64
}

// Gateway owns every runtime component of the process.
type Gateway struct {
	cfg     config.GatewayConfig
	logger  *slog.Logger
	metrics *metric.Metrics
	mreg    *metric.MetricsRegistry
	monitor *health.Monitor

	registry *registry.Registry
	cache    *topiccache.Cache
	manager  *lifecycle.Manager
	pipeline *pipeline.Pipeline
	identity *stages.Identity
	pool     *worker.Pool[*pipeline.Context]
	sink     sink.Sink

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	running     atomic.Bool
	cancel      context.CancelFunc
	stopWatch   func()
	watchDone   chan struct{}
	counters    counters
	frameCounts *stages.Metrics
}

// New assembles a gateway. Nothing runs until Start.
func New(cfg config.GatewayConfig, deps Deps) (*Gateway, error) {
	if deps.Source == nil || deps.Dialers == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "tenant source and dialers are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mreg := deps.Metrics
	if mreg == nil {
		mreg = metric.NewMetricsRegistry()
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		metrics:  mreg.CoreMetrics(),
		mreg:     mreg,
		monitor:  health.NewMonitor(),
		registry: registry.New(),
		sink:     deps.Sink,
		limiters: make(map[string]*rate.Limiter),
	}

	g.cache = topiccache.New(
		topiccache.WithLogger(logger.With("component", "topiccache")),
		topiccache.WithMetrics(g.metrics),
	)

	policy := retry.Reconnect()
	if cfg.ReconnectBase > 0 {
		policy.InitialDelay = cfg.ReconnectBase.Std()
	}
	if cfg.ReconnectMax > 0 {
		policy.MaxDelay = cfg.ReconnectMax.Std()
	}
	if cfg.MaxReconnectAttempts > 0 {
		policy.MaxAttempts = cfg.MaxReconnectAttempts
	}

	opts := []lifecycle.Option{
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
		lifecycle.WithMetrics(g.metrics),
		lifecycle.WithHealthMonitor(g.monitor),
		lifecycle.WithCache(g.cache),
		lifecycle.WithReconnectPolicy(policy),
		lifecycle.WithHealthInterval(cfg.HealthInterval.Std()),
		lifecycle.WithFrameHandler(g.onFrame),
	}
	if cfg.RestartDelay > 0 {
		opts = append(opts, lifecycle.WithRestartDelay(cfg.RestartDelay.Std()))
	}
	if cfg.StartSettle > 0 {
		opts = append(opts, lifecycle.WithStartSettle(cfg.StartSettle.Std()))
	}
	opts = append(opts, deps.ManagerOptions...)
	g.manager = lifecycle.New(deps.Source, deps.Dialers, g.registry, opts...)

	descriptors := stages.Default(stages.Deps{
		Tenants:   g.manager.Config,
		Directory: deps.Directory,
		Codec:     deps.Codec,
		Rules:     deps.Rules,
		Sink:      deps.Sink,
		Metrics:   g.metrics,
		Logger:    logger.With("component", "pipeline"),
	})
	for _, d := range descriptors {
		switch s := d.Stage.(type) {
		case *stages.Identity:
			g.identity = s
		case *stages.Metrics:
			g.frameCounts = s
		}
	}
	g.pipeline = pipeline.New(descriptors,
		pipeline.WithLogger(logger.With("component", "pipeline")),
		pipeline.WithMetrics(g.metrics),
	)

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 1024
	}
	g.pool = worker.NewPool(workers, queue,
		func(pc *pipeline.Context) string { return pc.TenantID },
		g.process,
		worker.WithMetricsRegistry[*pipeline.Context](mreg, "pipeline"),
	)

	return g, nil
}

// Start launches the worker pool, the health sweep and, when startTenants
// is set, every enabled tenant. Tenant start errors are logged and
// returned joined; the gateway keeps running.
func (g *Gateway) Start(ctx context.Context, startTenants bool) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Start", "start gateway")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	if err := g.pool.Start(runCtx); err != nil {
		cancel()
		g.running.Store(false)
		return errors.WrapFatal(err, "Gateway", "Start", "start worker pool")
	}
	if err := g.manager.Start(runCtx); err != nil {
		cancel()
		_ = g.pool.Stop(time.Second)
		g.running.Store(false)
		return errors.WrapFatal(err, "Gateway", "Start", "start lifecycle manager")
	}

	changes, stop := g.manager.Subscribe(256)
	g.stopWatch = stop
	g.watchDone = make(chan struct{})
	go g.watchChanges(changes)

	g.logger.Info("Gateway started", "lanes", g.pool.Stats().Lanes, "stages", g.pipeline.Stages())

	if !startTenants {
		return nil
	}
	if err := g.manager.ReloadAll(ctx); err != nil {
		g.logger.Error("Some tenants failed to start", "error", err)
		return err
	}
	return nil
}

// Shutdown stops every tenant, drains queued frames within the context
// deadline and closes the sink.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}

	var errs []error
	if err := g.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := g.pool.Stop(timeout); err != nil {
		errs = append(errs, errors.WrapTransient(err, "Gateway", "Shutdown", "drain worker pool"))
	}

	g.stopWatch()
	<-g.watchDone
	g.cancel()

	if g.sink != nil {
		if err := g.sink.Close(ctx); err != nil {
			errs = append(errs, errors.WrapTransient(err, "Gateway", "Shutdown", "close sink"))
		}
	}

	g.logger.Info("Gateway stopped",
		"received", g.counters.received.Load(), "dropped", g.counters.dropped.Load())
	return errors.Join(errs...)
}

// Manager returns the lifecycle manager.
func (g *Gateway) Manager() *lifecycle.Manager { return g.manager }

// Pipeline returns the message pipeline.
func (g *Gateway) Pipeline() *pipeline.Pipeline { return g.pipeline }

// MetricsRegistry returns the registry backing /metrics.
func (g *Gateway) MetricsRegistry() *metric.MetricsRegistry { return g.mreg }

// Health combines tenant connectivity with the worker pool state.
func (g *Gateway) Health() health.Status {
	statuses := []health.Status{g.manager.Health()}
	if g.running.Load() {
		statuses = append(statuses, health.NewHealthy("pipeline", "worker pool running"))
	} else {
		statuses = append(statuses, health.NewUnhealthy("pipeline", "worker pool stopped"))
	}
	return health.Aggregate("gateway", statuses)
}

// onFrame runs on transport goroutines. It must not block.
func (g *Gateway) onFrame(f transport.Frame) {
	g.counters.received.Add(1)
	g.metrics.RecordFrameReceived(f.TenantID)

	if !g.running.Load() {
		g.drop(f, DropStopped)
		return
	}
	if !g.allow(f.TenantID) {
		g.drop(f, DropRateLimited)
		return
	}

	pc := pipeline.NewContext(f)
	if res, ok := g.cache.Resolve(f.TenantID, f.Address); ok {
		pc.ProductKey, pc.DeviceID, pc.Category = res.ProductKey, res.DeviceID, res.Category
	} else if !g.identifiable(f.TenantID) {
		g.drop(f, DropUnroutable)
		g.logger.Warn("Dropping frame with unresolvable address",
			"tenant", f.TenantID, "address", f.Address,
			"error", fmt.Errorf("%w: %s", errors.ErrRouting, f.Address))
		return
	}

	if err := g.pool.Submit(pc); err != nil {
		g.drop(f, DropQueueFull)
		g.logger.Debug("Frame dropped", "tenant", f.TenantID, "error", err)
		return
	}
	g.counters.submitted.Add(1)
}

// identifiable reports whether the identity stage can still name a device
// for a frame the cache could not resolve.
func (g *Gateway) identifiable(tenantID string) bool {
	cfg, ok := g.manager.Config(tenantID)
	if !ok {
		return false
	}
	if cfg.ProductKey != "" {
		return true
	}
	switch cfg.Transport {
	case config.TransportWebSocket, config.TransportTCP, config.TransportUDP:
		return true
	}
	return false
}

func (g *Gateway) drop(f transport.Frame, reason string) {
	g.counters.dropped.Add(1)
	g.metrics.RecordFrameDropped(f.TenantID, reason)
}

func (g *Gateway) process(ctx context.Context, pc *pipeline.Context) error {
	out := g.pipeline.Execute(ctx, pc)
	if !out.Success {
		return out.Err
	}
	return nil
}

// allow applies the tenant's rate limit. Tenants without one are never
// limited.
func (g *Gateway) allow(tenantID string) bool {
	cfg, ok := g.manager.Config(tenantID)
	if !ok || cfg.RateLimit <= 0 {
		return true
	}

	g.limitMu.Lock()
	l, ok := g.limiters[tenantID]
	if !ok || float64(l.Limit()) != cfg.RateLimit {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		g.limiters[tenantID] = l
	}
	g.limitMu.Unlock()
	return l.Allow()
}

// watchChanges clears per-tenant gateway state when a tenant stops.
func (g *Gateway) watchChanges(changes <-chan registry.Change) {
	defer close(g.watchDone)
	for c := range changes {
		if c.To != registry.StatusStopped {
			continue
		}
		g.forget(c.TenantID)
	}
}

func (g *Gateway) forget(tenantID string) {
	g.limitMu.Lock()
	delete(g.limiters, tenantID)
	g.limitMu.Unlock()
	if g.identity != nil {
		g.identity.Forget(tenantID)
	}
}

// Statistics is the gateway-wide summary served on /statistics.
type Statistics struct {
	Lifecycle lifecycle.Statistics `json:"lifecycle"`
	Pool      worker.PoolStats     `json:"pool"`
	Frames    FrameStats           `json:"frames"`
}

// FrameStats counts frames at the gateway boundary and their pipeline
// outcome.
type FrameStats struct {
	Received  int64 `json:"received"`
	Submitted int64 `json:"submitted"`
	Dropped   int64 `json:"dropped"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Statistics returns a point-in-time summary.
func (g *Gateway) Statistics() Statistics {
	s := Statistics{
		Lifecycle: g.manager.Statistics(),
		Pool:      g.pool.Stats(),
		Frames: FrameStats{
			Received:  g.counters.received.Load(),
			Submitted: g.counters.submitted.Load(),
			Dropped:   g.counters.dropped.Load(),
		},
	}
	if g.frameCounts != nil {
		s.Frames.Succeeded, s.Frames.Failed = g.frameCounts.Counts()
	}
	return s
}
