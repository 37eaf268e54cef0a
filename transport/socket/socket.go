// Package socket provides line-delimited TCP and datagram UDP transports.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/pkg/tlsutil"
	"github.com/c360/protogate/transport"
)

// MaxFrameSize bounds one TCP line or UDP datagram.
const MaxFrameSize = 64 * 1024

// Dialer connects tenants over TCP or UDP.
type Dialer struct {
	network string
	logger  *slog.Logger
}

// NewTCP returns a dialer for newline-delimited TCP streams. Tenants with
// TLS enabled are dialled over TLS.
func NewTCP(logger *slog.Logger) *Dialer { return newDialer("tcp", logger) }

// NewUDP returns a dialer for connected UDP sockets, one frame per datagram.
func NewUDP(logger *slog.Logger) *Dialer { return newDialer("udp", logger) }

func newDialer(network string, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{network: network, logger: logger.With("component", "transport."+network)}
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, cfg *config.TenantConfig, cb transport.Callbacks) {
	go d.run(ctx, cfg, cb)
}

func (d *Dialer) run(ctx context.Context, cfg *config.TenantConfig, cb transport.Callbacks) {
	var tlsConfig *tls.Config
	if d.network == "tcp" {
		var err error
		if tlsConfig, err = tlsutil.ClientConfig(cfg.TLS); err != nil {
			cb.OnFailed(err)
			return
		}
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	nd := &net.Dialer{KeepAlive: cfg.KeepAlive.Std()}
	conn, endpoint, err := transport.FirstEndpoint(dctx, cfg.Endpoints, func(ctx context.Context, ep string) (net.Conn, error) {
		addr := hostPort(ep)
		if tlsConfig != nil {
			td := &tls.Dialer{NetDialer: nd, Config: tlsConfig}
			return td.DialContext(ctx, "tcp", addr)
		}
		return nd.DialContext(ctx, d.network, addr)
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

	h := &handle{conn: conn, network: d.network}
	h.alive.Store(true)
	d.logger.Debug("Connected", "tenant", cfg.ID, "endpoint", endpoint)

	cb.OnConnected(h)
	err = h.read(endpoint, cb.OnFrame)
	h.alive.Store(false)
	if !h.closed.Load() {
		_ = h.release()
		cb.OnLost(err)
	}
}

// hostPort strips an optional scheme such as tcp:// from an endpoint.
func hostPort(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}

type handle struct {
	conn    net.Conn
	network string

	writeMu   sync.Mutex
	alive     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func (h *handle) read(address string, onFrame func(transport.Frame)) error {
	if h.network == "udp" {
		buf := make([]byte, MaxFrameSize)
		for {
			n, err := h.conn.Read(buf)
			if err != nil {
				return err
			}
			onFrame(transport.Frame{Address: address, Payload: append([]byte(nil), buf[:n]...), ReceivedAt: time.Now()})
		}
	}

	sc := bufio.NewScanner(h.conn)
	sc.Buffer(make([]byte, 4096), MaxFrameSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		onFrame(transport.Frame{Address: address, Payload: append([]byte(nil), line...), ReceivedAt: time.Now()})
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return fmt.Errorf("connection closed by peer")
}

// Subscribe is a no-op: sockets carry all traffic of the connection.
func (h *handle) Subscribe([]config.Subscription) error { return nil }

// Publish writes payload as one line (TCP) or one datagram (UDP). The
// address is ignored.
func (h *handle) Publish(_ string, payload []byte) error {
	if !h.alive.Load() {
		return net.ErrClosed
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.network == "udp" {
		_, err := h.conn.Write(payload)
		return err
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(append(buf, payload...), '\n')
	_, err := h.conn.Write(buf)
	return err
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
		err = h.conn.Close()
	})
	return err
}
