package lifecycle

import (
	"log/slog"
	"time"

	"github.com/c360/protogate/health"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/pkg/retry"
	"github.com/c360/protogate/pkg/scheduler"
	"github.com/c360/protogate/topiccache"
	"github.com/c360/protogate/transport"
)

// Defaults for the manager's timing knobs.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultRestartDelay   = time.Second
	DefaultStartSettle    = 500 * time.Millisecond
)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records tenant status and connect outcomes
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithHealthMonitor publishes per-tenant health
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(m *Manager) {
		m.health = monitor
	}
}

// WithCache sets the resolution cache populated on connect and purged on stop
func WithCache(cache *topiccache.Cache) Option {
	return func(m *Manager) {
		if cache != nil {
			m.cache = cache
		}
	}
}

// WithClock replaces the clock used for reconnect timers
func WithClock(clock scheduler.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithReconnectPolicy sets the reconnect backoff policy
func WithReconnectPolicy(policy retry.Config) Option {
	return func(m *Manager) {
		m.policy = policy
	}
}

// WithHealthInterval sets the liveness sweep period
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

// WithRestartDelay sets the pause between stop and start on Restart
func WithRestartDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.restartDelay = d
		}
	}
}

// WithStartSettle sets the pause after tearing down a previous session
// before a new one is dialled
func WithStartSettle(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.startSettle = d
		}
	}
}

// WithFrameHandler receives every inbound frame of a live session
func WithFrameHandler(fn func(transport.Frame)) Option {
	return func(m *Manager) {
		m.onFrame = fn
	}
}
