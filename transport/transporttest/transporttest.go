// Package transporttest provides in-memory transport fakes for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/transport"
)

// Dialer is an in-memory transport.Dialer for tests. Each Dial records a pending
// attempt which the test resolves with Succeed or Fail.
type Dialer struct {
	mu       sync.Mutex
	attempts []*Attempt
	auto     func(cfg *config.TenantConfig) error
	dials    atomic.Int64
}

// Attempt is one recorded Dial.
type Attempt struct {
	Config *config.TenantConfig
	Ctx    context.Context
	cb     transport.Callbacks
	Handle *Handle
}

// NewDialer returns a dialer that leaves attempts pending.
func NewDialer() *Dialer {
	return &Dialer{}
}

// AutoResolve makes every Dial resolve immediately on the calling
// goroutine: success when fn returns nil, failure otherwise.
func (d *Dialer) AutoResolve(fn func(cfg *config.TenantConfig) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auto = fn
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, cfg *config.TenantConfig, cb transport.Callbacks) {
	d.dials.Add(1)
	a := &Attempt{Config: cfg, Ctx: ctx, cb: cb, Handle: NewHandle(cfg.ID, cb)}

	d.mu.Lock()
	d.attempts = append(d.attempts, a)
	auto := d.auto
	d.mu.Unlock()

	if auto != nil {
		if err := auto(cfg); err != nil {
			a.Fail(err)
		} else {
			a.Succeed()
		}
	}
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	return int(d.dials.Load())
}

// Last returns the most recent attempt, or nil.
func (d *Dialer) Last() *Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.attempts) == 0 {
		return nil
	}
	return d.attempts[len(d.attempts)-1]
}

// Attempts returns all recorded attempts.
func (d *Dialer) Attempts() []*Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Attempt(nil), d.attempts...)
}

// Succeed reports a successful connect.
func (a *Attempt) Succeed() {
	a.cb.OnConnected(a.Handle)
}

// Fail reports a failed connect.
func (a *Attempt) Fail(err error) {
	if err == nil {
		err = errors.New("connect refused")
	}
	a.cb.OnFailed(err)
}

// Handle is a transport.Handle for tests.
type Handle struct {
	TenantID string
	cb       transport.Callbacks

	mu         sync.Mutex
	subscribed []config.Subscription
	published  []transport.Frame
	subErr     error
	alive      atomic.Bool
	closes     atomic.Int32
}

// NewHandle returns an alive handle.
func NewHandle(tenantID string, cb transport.Callbacks) *Handle {
	h := &Handle{TenantID: tenantID, cb: cb}
	h.alive.Store(true)
	return h
}

// Subscribe implements transport.Handle
func (h *Handle) Subscribe(subs []config.Subscription) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subErr != nil {
		return h.subErr
	}
	h.subscribed = append(h.subscribed, subs...)
	return nil
}

// FailSubscribe makes later Subscribe calls return err.
func (h *Handle) FailSubscribe(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subErr = err
}

// Subscribed returns the subscriptions received.
func (h *Handle) Subscribed() []config.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]config.Subscription(nil), h.subscribed...)
}

// Publish implements transport.Handle
func (h *Handle) Publish(address string, payload []byte) error {
	if !h.alive.Load() {
		return errors.New("handle closed")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, transport.Frame{TenantID: h.TenantID, Address: address, Payload: payload})
	return nil
}

// Published returns frames sent with Publish.
func (h *Handle) Published() []transport.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Frame(nil), h.published...)
}

// Alive implements transport.Handle
func (h *Handle) Alive() bool { return h.alive.Load() }

// Close implements transport.Handle
func (h *Handle) Close() error {
	h.closes.Add(1)
	h.alive.Store(false)
	return nil
}

// Closes returns how many times Close was called.
func (h *Handle) Closes() int { return int(h.closes.Load()) }

// Kill marks the handle dead without notifying anyone, as a silently
// broken socket would.
func (h *Handle) Kill() { h.alive.Store(false) }

// Drop marks the handle dead and reports the loss.
func (h *Handle) Drop(err error) {
	h.alive.Store(false)
	if h.cb.OnLost != nil {
		h.cb.OnLost(err)
	}
}

// Deliver pushes an inbound frame through the session callbacks.
func (h *Handle) Deliver(address string, payload []byte) {
	if h.cb.OnFrame != nil {
		h.cb.OnFrame(transport.Frame{TenantID: h.TenantID, Address: address, Payload: payload})
	}
}
