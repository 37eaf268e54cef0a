package lifecycle

import (
	"context"
	"time"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/health"
)

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

// CheckHealth probes every connected tenant once. A tenant whose handle
// reports dead goes through the same failure path as a lost connection.
// It returns the number of dead connections found.
func (m *Manager) CheckHealth() int {
	dead := 0
	for tenantID, session := range m.registry.ConnectedSessions() {
		h, ok := m.registry.Handle(tenantID)
		if !ok || h.Alive() {
			continue
		}
		dead++
		m.logger.Warn("Health check found dead connection", "tenant", tenantID)
		m.failed(tenantID, session, errors.WrapTransient(errors.ErrTransportLost,
			"Manager", "CheckHealth", "probe connection"))
	}
	m.counters.sweeps.Add(1)
	return dead
}

// Health aggregates per-tenant health into one gateway status.
func (m *Manager) Health() health.Status {
	if m.health == nil {
		total, connected := m.registry.Count()
		switch {
		case total == connected:
			return health.NewHealthy("lifecycle", "all tenants connected")
		case connected == 0:
			return health.NewUnhealthy("lifecycle", "no tenant connected")
		default:
			return health.NewDegraded("lifecycle", "some tenants not connected")
		}
	}
	return m.health.AggregateHealth("lifecycle")
}
