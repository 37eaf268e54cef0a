// Package transport defines the boundary between the lifecycle manager and
// concrete protocol clients. A Dialer starts an asynchronous connect and
// reports the outcome through Callbacks; the resulting Handle is owned by
// exactly one tenant session.
package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360/protogate/config"
)

// Frame is one inbound unit of transport traffic.
type Frame struct {
	TenantID   string
	Address    string
	Payload    []byte
	ReceivedAt time.Time
}

// Handle is a live connection.
type Handle interface {
	// Subscribe registers interest in the given subscriptions. Transports
	// without subscriptions treat it as a no-op.
	Subscribe(subs []config.Subscription) error
	// Publish sends payload to address (downlink).
	Publish(address string, payload []byte) error
	// Alive reports whether the connection is still usable.
	Alive() bool
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Callbacks receive connect outcomes and traffic for one session. Each
// callback may run on a transport goroutine and must not block for long.
type Callbacks struct {
	OnConnected func(Handle)
	OnFailed    func(error)
	OnLost      func(error)
	OnFrame     func(Frame)
}

// Dialer opens connections for one transport kind.
type Dialer interface {
	// Dial starts connecting and returns without waiting. Exactly one of
	// OnConnected or OnFailed is invoked afterwards; OnLost may follow
	// OnConnected. Cancelling ctx aborts a pending attempt.
	Dial(ctx context.Context, cfg *config.TenantConfig, cb Callbacks)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg *config.TenantConfig, cb Callbacks)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, cfg *config.TenantConfig, cb Callbacks) {
	f(ctx, cfg, cb)
}

// Registry maps transport kinds to dialers.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewRegistry creates an empty dialer registry.
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]Dialer)}
}

// Register adds or replaces the dialer for kind.
func (r *Registry) Register(kind string, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[kind] = d
}

// Dialer returns the dialer for kind.
func (r *Registry) Dialer(kind string) (Dialer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialers[kind]
	if !ok {
		return nil, fmt.Errorf("no dialer registered for transport %q", kind)
	}
	return d, nil
}

// Once guards a callback set so that only the first connect outcome is
// delivered, which dialers use when a timeout races the real result.
type Once struct {
	once sync.Once
}

// Do runs fn if no outcome has been delivered yet.
func (o *Once) Do(fn func()) {
	o.once.Do(fn)
}

// FirstEndpoint dials endpoints in order and returns the first connection
// that succeeds together with its endpoint. The returned error joins every
// attempt's failure.
func FirstEndpoint[C any](ctx context.Context, endpoints []string, dial func(ctx context.Context, endpoint string) (C, error)) (C, string, error) {
	var zero C
	var errs []error
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		c, err := dial(ctx, ep)
		if err == nil {
			return c, ep, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep, err))
	}
	if len(errs) == 0 {
		return zero, "", fmt.Errorf("no endpoints configured")
	}
	return zero, "", stderrors.Join(errs...)
}
