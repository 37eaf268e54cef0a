package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/health"
	"github.com/c360/protogate/registry"
	"github.com/c360/protogate/transport"
)

// dial opens a new session and hands the attempt to the dialer. Callbacks
// are bound to the session token so outcomes of superseded attempts are
// discarded.
func (m *Manager) dial(tenantID string, cfg *config.TenantConfig, dialer transport.Dialer) {
	ctx, cancel := context.WithCancel(context.Background())

	// The stored cancel func always belongs to the live session.
	m.mu.Lock()
	session, old := m.registry.Begin(tenantID)
	if prev, ok := m.cancels[tenantID]; ok {
		prev()
	}
	m.cancels[tenantID] = cancel
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	m.observe(tenantID)
	m.logger.Debug("Dialling tenant",
		"tenant", tenantID, "transport", cfg.Transport, "session", session)

	dialer.Dial(ctx, cfg, transport.Callbacks{
		OnConnected: func(h transport.Handle) { m.connected(tenantID, session, cfg, h) },
		OnFailed: func(err error) {
			m.failed(tenantID, session, fmt.Errorf("%w: %w", errors.ErrTransportConnect, err))
		},
		OnLost: func(err error) {
			m.failed(tenantID, session, fmt.Errorf("%w: %w", errors.ErrTransportLost, err))
		},
		OnFrame: func(f transport.Frame) { m.frame(tenantID, session, f) },
	})
}

func (m *Manager) connected(tenantID string, session uint64, cfg *config.TenantConfig, h transport.Handle) {
	if !m.registry.Current(tenantID, session) {
		m.logger.Debug("Discarding connection of superseded session", "tenant", tenantID, "session", session)
		_ = h.Close()
		return
	}

	if subs := cfg.ActiveSubscriptions(); len(subs) > 0 {
		if err := h.Subscribe(subs); err != nil {
			_ = h.Close()
			m.failed(tenantID, session, fmt.Errorf("%w: subscribe: %w", errors.ErrTransportConnect, err))
			return
		}
	}

	// Routes are only installed while the session is live; Stop purges
	// them under the same lock.
	m.mu.Lock()
	live := m.registry.Connected(tenantID, session, h)
	if live {
		m.cache.AddTenant(cfg)
		m.sched.Cancel(tenantID)
		if m.metrics != nil {
			m.metrics.RecordConnectAttempt(tenantID, "success")
		}
	}
	m.mu.Unlock()
	if !live {
		_ = h.Close()
		return
	}

	m.counters.connects.Add(1)
	m.observe(tenantID)
	m.logger.Info("Tenant connected",
		"tenant", tenantID, "transport", cfg.Transport, "subscriptions", len(cfg.ActiveSubscriptions()))
}

// failed handles both a failed attempt and the loss of a live connection.
func (m *Manager) failed(tenantID string, session uint64, cause error) {
	m.mu.Lock()
	failures, old, ok := m.registry.Failed(tenantID, session, cause)
	if !ok {
		m.mu.Unlock()
		return
	}
	if m.metrics != nil {
		m.metrics.RecordConnectAttempt(tenantID, "failure")
	}

	exhausted := m.policy.Exhausted(failures)
	var delay time.Duration
	scheduled := false
	if exhausted {
		m.registry.GiveUp(tenantID, session)
	} else {
		delay = m.policy.Delay(failures)
		scheduled = m.sched.Schedule(tenantID, delay, func() { m.reconnect(tenantID, session) })
		if scheduled && m.metrics != nil {
			m.metrics.RecordReconnectScheduled(tenantID)
		}
	}
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.counters.failures.Add(1)

	if exhausted {
		m.counters.exhausted.Add(1)
		m.observe(tenantID)
		m.logger.Error("Tenant reconnect attempts exhausted, giving up",
			"tenant", tenantID, "attempts", failures-1, "error", cause)
		return
	}
	if !scheduled {
		return
	}

	m.counters.reconnects.Add(1)
	m.observe(tenantID)
	m.logger.Warn("Tenant connection failed, reconnect scheduled",
		"tenant", tenantID, "attempt", failures, "delay", delay, "error", cause)
}

// reconnect runs on the scheduler goroutine. The session check makes a
// timer that raced a Stop or a fresh start a no-op.
func (m *Manager) reconnect(tenantID string, session uint64) {
	if !m.registry.Current(tenantID, session) {
		return
	}

	cfg, ok := m.Config(tenantID)
	if !ok {
		return
	}
	dialer, err := m.dialers.Dialer(cfg.Transport)
	if err != nil {
		m.logger.Error("No dialer for tenant transport", "tenant", tenantID, "transport", cfg.Transport)
		return
	}
	m.dial(tenantID, cfg, dialer)
}

func (m *Manager) frame(tenantID string, session uint64, f transport.Frame) {
	if m.onFrame == nil || !m.registry.Current(tenantID, session) {
		return
	}
	f.TenantID = tenantID
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}
	m.onFrame(f)
}

// observe pushes the tenant's registry state to metrics and health.
func (m *Manager) observe(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.registry.Get(tenantID)
	if !ok {
		return
	}
	if m.metrics != nil {
		m.metrics.RecordTenantStatus(tenantID, int(st.Status))
	}
	if m.health != nil {
		var lastErr error
		if st.LastError != "" {
			lastErr = errors.New(st.LastError)
		}
		m.health.Update(tenantID, health.FromConnection(tenantID,
			st.Status == registry.StatusConnected,
			st.Status == registry.StatusReconnecting || st.Status == registry.StatusConnecting,
			lastErr))
	}
}
