// Package websocket connects tenants to WebSocket endpoints.
//
// Inbound text or binary messages become frames. A JSON envelope
// {"topic": "...", "payload": ...} supplies the frame address and payload;
// any other message is delivered whole with the endpoint path as address.
// Downlink publishes are sent as the same envelope.
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/pkg/tlsutil"
	"github.com/c360/protogate/transport"
)

const (
	writeWait = 10 * time.Second
	// DefaultPingInterval is used when the tenant sets no keep-alive.
	DefaultPingInterval = 30 * time.Second
)

// Dialer opens WebSocket client connections.
type Dialer struct {
	logger *slog.Logger
}

// NewDialer creates a WebSocket dialer.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{logger: logger.With("component", "transport.websocket")}
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, cfg *config.TenantConfig, cb transport.Callbacks) {
	go d.run(ctx, cfg, cb)
}

func (d *Dialer) run(ctx context.Context, cfg *config.TenantConfig, cb transport.Callbacks) {
	tlsConfig, err := tlsutil.ClientConfig(cfg.TLS)
	if err != nil {
		cb.OnFailed(err)
		return
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.Timeout(),
		TLSClientConfig:  tlsConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	headers := authHeaders(cfg.Credentials)

	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	conn, endpoint, err := transport.FirstEndpoint(dctx, cfg.Endpoints, func(ctx context.Context, ep string) (*websocket.Conn, error) {
		c, resp, err := dialer.DialContext(ctx, ep, headers)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil && resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return c, err
	})
	if err != nil {
		cb.OnFailed(err)
		return
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Close()
		cb.OnFailed(err)
		return
	}

	path := "/"
	if u, err := url.Parse(endpoint); err == nil && u.Path != "" {
		path = u.Path
	}

	interval := cfg.KeepAlive.Std()
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	h := &handle{conn: conn, done: make(chan struct{})}
	h.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * interval))
	})
	_ = conn.SetReadDeadline(time.Now().Add(2 * interval))

	d.logger.Debug("Connected", "tenant", cfg.ID, "endpoint", endpoint)
	cb.OnConnected(h)

	go h.pingLoop(interval)
	err = h.readLoop(path, cb.OnFrame, interval)
	h.alive.Store(false)
	if !h.closed.Load() {
		_ = h.release()
		cb.OnLost(err)
	}
}

func authHeaders(c config.Credentials) http.Header {
	headers := http.Header{}
	switch {
	case c.Token != "":
		headers.Set("Authorization", "Bearer "+c.Token)
	case c.Username != "":
		req := &http.Request{Header: headers}
		req.SetBasicAuth(c.Username, c.Password)
	}
	if c.ClientID != "" {
		headers.Set("X-Client-ID", c.ClientID)
	}
	return headers
}

type envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// unwrap returns the address and payload of an inbound message.
func unwrap(path string, data []byte) (string, []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return path, data
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Topic == "" {
		return path, data
	}
	if len(env.Payload) == 0 {
		return env.Topic, data
	}
	var s string
	if env.Payload[0] == '"' && json.Unmarshal(env.Payload, &s) == nil {
		return env.Topic, []byte(s)
	}
	return env.Topic, env.Payload
}

// wrap builds the downlink envelope.
func wrap(address string, payload []byte) ([]byte, error) {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, err
		}
		raw = quoted
	}
	return json.Marshal(envelope{Topic: address, Payload: raw})
}

type handle struct {
	conn *websocket.Conn
	done chan struct{}

	writeMu   sync.Mutex
	alive     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func (h *handle) readLoop(path string, onFrame func(transport.Frame), interval time.Duration) error {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = h.conn.SetReadDeadline(time.Now().Add(2 * interval))
		address, payload := unwrap(path, data)
		onFrame(transport.Frame{Address: address, Payload: payload, ReceivedAt: time.Now()})
	}
}

func (h *handle) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.writeMu.Lock()
			err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Subscribe is a no-op: the server decides what a connection receives.
func (h *handle) Subscribe([]config.Subscription) error { return nil }

func (h *handle) Publish(address string, payload []byte) error {
	if !h.alive.Load() {
		return websocket.ErrCloseSent
	}
	msg, err := wrap(address, payload)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteMessage(websocket.TextMessage, msg)
}

func (h *handle) Alive() bool { return h.alive.Load() }

func (h *handle) Close() error {
	h.closed.Store(true)
	return h.release()
}

func (h *handle) release() error {
	var err error
	h.closeOnce.Do(func() {
		h.alive.Store(false)
		close(h.done)
		h.writeMu.Lock()
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		h.writeMu.Unlock()
		err = h.conn.Close()
	})
	return err
}
