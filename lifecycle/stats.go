package lifecycle

import (
	"sync/atomic"

	"github.com/c360/protogate/registry"
	"github.com/c360/protogate/topiccache"
)

type counters struct {
	starts       atomic.Int64
	stops        atomic.Int64
	connects     atomic.Int64
	failures     atomic.Int64
	reconnects   atomic.Int64
	exhausted    atomic.Int64
	configErrors atomic.Int64
	sweeps       atomic.Int64
}

// Statistics summarises tenant states and manager activity.
type Statistics struct {
	Tenants           int              `json:"tenants"`
	Connected         int              `json:"connected"`
	Connecting        int              `json:"connecting"`
	Reconnecting      int              `json:"reconnecting"`
	Disconnected      int              `json:"disconnected"`
	Shared            int              `json:"shared"`
	PendingReconnects int              `json:"pending_reconnects"`
	Starts            int64            `json:"starts"`
	Stops             int64            `json:"stops"`
	Connects          int64            `json:"connects"`
	Failures          int64            `json:"failures"`
	Reconnects        int64            `json:"reconnects_scheduled"`
	Exhausted         int64            `json:"exhausted"`
	ConfigErrors      int64            `json:"config_errors"`
	HealthSweeps      int64            `json:"health_sweeps"`
	Cache             topiccache.Stats `json:"cache"`
}

// Statistics returns a point-in-time summary.
func (m *Manager) Statistics() Statistics {
	s := Statistics{
		PendingReconnects: m.sched.Len(),
		Starts:            m.counters.starts.Load(),
		Stops:             m.counters.stops.Load(),
		Connects:          m.counters.connects.Load(),
		Failures:          m.counters.failures.Load(),
		Reconnects:        m.counters.reconnects.Load(),
		Exhausted:         m.counters.exhausted.Load(),
		ConfigErrors:      m.counters.configErrors.Load(),
		HealthSweeps:      m.counters.sweeps.Load(),
		Cache:             m.cache.Stats(),
	}

	for _, st := range m.registry.Snapshot() {
		s.Tenants++
		switch st.Status {
		case registry.StatusConnected:
			s.Connected++
		case registry.StatusConnecting:
			s.Connecting++
		case registry.StatusReconnecting:
			s.Reconnecting++
		case registry.StatusDisconnected:
			s.Disconnected++
		}
	}

	m.mu.Lock()
	for _, cfg := range m.configs {
		if cfg.Covered() {
			s.Shared++
		}
	}
	m.mu.Unlock()
	return s
}
