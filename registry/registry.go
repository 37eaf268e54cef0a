// Package registry tracks the live connection state of every tenant.
//
// Each tenant entry carries a session token. Starting a connect attempt
// issues a fresh token; connect outcomes are applied only if they carry the
// current token, so a callback from an abandoned attempt can never install
// a second handle or resurrect a stopped tenant.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/protogate/transport"
)

// Status is a tenant connection state.
type Status int

// Connection states.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusStopped
)

// String returns the upper-case state name used on the admin API
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusReconnecting:
		return "RECONNECTING"
	case StatusStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a point-in-time copy of a tenant entry.
type State struct {
	TenantID      string    `json:"tenant_id"`
	Status        Status    `json:"status"`
	Session       uint64    `json:"session"`
	Failures      int       `json:"failures"`
	LastConnected time.Time `json:"last_connected,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Since         time.Time `json:"since"`
}

// Change is emitted whenever a tenant's status changes.
type Change struct {
	TenantID string
	From     Status
	To       Status
	Session  uint64
	At       time.Time
}

type entry struct {
	state  State
	handle transport.Handle
}

// Registry holds tenant entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sessions atomic.Uint64

	watchMu  sync.Mutex
	watchers map[int]chan Change
	nextID   int

	now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		watchers: make(map[int]chan Change),
		now:      time.Now,
	}
}

// setStatus must be called with mu held; the returned change is published
// after the lock is released.
func (r *Registry) setStatus(e *entry, to Status) *Change {
	from := e.state.Status
	if from == to {
		return nil
	}
	at := r.now()
	e.state.Status = to
	e.state.Since = at
	return &Change{TenantID: e.state.TenantID, From: from, To: to, Session: e.state.Session, At: at}
}

// Begin opens a new session for tenantID in CONNECTING state and returns
// its token. Any handle held by a previous session is detached and
// returned so the caller can close it.
func (r *Registry) Begin(tenantID string) (uint64, transport.Handle) {
	session := r.sessions.Add(1)

	r.mu.Lock()
	e, ok := r.entries[tenantID]
	if !ok {
		e = &entry{state: State{TenantID: tenantID, Status: StatusDisconnected}}
		r.entries[tenantID] = e
	}
	old := e.handle
	e.handle = nil
	e.state.Session = session
	change := r.setStatus(e, StatusConnecting)
	r.mu.Unlock()

	r.publish(change)
	return session, old
}

// Current reports whether session is still the live session for tenantID.
func (r *Registry) Current(tenantID string, session uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tenantID]
	return ok && e.state.Session == session
}

// Connected installs h for the session and marks the tenant CONNECTED. It
// returns false, leaving the registry untouched, when the session is stale;
// the caller then owns h and must close it.
func (r *Registry) Connected(tenantID string, session uint64, h transport.Handle) bool {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	if !ok || e.state.Session != session || e.handle != nil {
		r.mu.Unlock()
		return false
	}
	e.handle = h
	e.state.Failures = 0
	e.state.LastError = ""
	e.state.LastConnected = r.now()
	change := r.setStatus(e, StatusConnected)
	r.mu.Unlock()

	r.publish(change)
	return true
}

// Failed records a failed or lost connection for the session and moves the
// tenant to RECONNECTING. It returns the failure count, the detached
// handle (if any) and whether the session was current.
func (r *Registry) Failed(tenantID string, session uint64, cause error) (int, transport.Handle, bool) {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	if !ok || e.state.Session != session {
		r.mu.Unlock()
		return 0, nil, false
	}
	old := e.handle
	e.handle = nil
	e.state.Failures++
	if cause != nil {
		e.state.LastError = cause.Error()
	}
	failures := e.state.Failures
	change := r.setStatus(e, StatusReconnecting)
	r.mu.Unlock()

	r.publish(change)
	return failures, old, true
}

// GiveUp marks the session DISCONNECTED after retries are exhausted.
func (r *Registry) GiveUp(tenantID string, session uint64) bool {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	if !ok || e.state.Session != session {
		r.mu.Unlock()
		return false
	}
	change := r.setStatus(e, StatusDisconnected)
	r.mu.Unlock()

	r.publish(change)
	return true
}

// Remove invalidates the tenant's session, emits a STOPPED change and
// deletes the entry. The detached handle, if any, is returned for closing.
func (r *Registry) Remove(tenantID string) (transport.Handle, bool) {
	// Burn a token so in-flight callbacks for the old session fail their
	// Current check even if the tenant is re-registered immediately.
	r.sessions.Add(1)

	r.mu.Lock()
	e, ok := r.entries[tenantID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	old := e.handle
	e.handle = nil
	e.state.Session = 0
	change := r.setStatus(e, StatusStopped)
	delete(r.entries, tenantID)
	r.mu.Unlock()

	r.publish(change)
	return old, true
}

// Handle returns the live handle for a connected tenant.
func (r *Registry) Handle(tenantID string) (transport.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tenantID]
	if !ok || e.handle == nil || e.state.Status != StatusConnected {
		return nil, false
	}
	return e.handle, true
}

// IsConnected reports whether the tenant is CONNECTED.
func (r *Registry) IsConnected(tenantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tenantID]
	return ok && e.state.Status == StatusConnected
}

// Get returns a copy of the tenant's state.
func (r *Registry) Get(tenantID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tenantID]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// Snapshot returns every tenant's state sorted by tenant id.
func (r *Registry) Snapshot() []State {
	r.mu.RLock()
	out := make([]State, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.state)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// ConnectedSessions returns the ids of CONNECTED tenants with their session tokens.
func (r *Registry) ConnectedSessions() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64)
	for id, e := range r.entries {
		if e.state.Status == StatusConnected {
			out[id] = e.state.Session
		}
	}
	return out
}

// Count returns the number of registered tenants and how many are connected.
func (r *Registry) Count() (total, connected int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		total++
		if e.state.Status == StatusConnected {
			connected++
		}
	}
	return total, connected
}
