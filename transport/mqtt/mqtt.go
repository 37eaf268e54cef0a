// Package mqtt connects tenants to MQTT brokers with the Eclipse Paho
// client. Paho's own reconnect logic is disabled; the lifecycle manager
// decides when to reconnect.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/pkg/tlsutil"
	"github.com/c360/protogate/transport"
)

const (
	// DefaultKeepAlive is used when the tenant sets none.
	DefaultKeepAlive = 60 * time.Second
	downlinkQoS      = 1
	quiesce          = 250
)

// Dialer opens MQTT client connections.
type Dialer struct {
	logger    *slog.Logger
	newClient func(*paho.ClientOptions) paho.Client
}

// NewDialer creates an MQTT dialer.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{logger: logger.With("component", "transport.mqtt"), newClient: paho.NewClient}
}

// ClientOptions builds the Paho options for a tenant. onLost is invoked when
// an established connection drops.
func ClientOptions(cfg *config.TenantConfig, onLost func(error)) (*paho.ClientOptions, error) {
	tlsConfig, err := tlsutil.ClientConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions()
	for _, ep := range cfg.Endpoints {
		opts.AddBroker(brokerURL(ep, tlsConfig != nil))
	}
	clientID := cfg.Credentials.ClientID
	if clientID == "" {
		clientID = "protogate-" + cfg.ID
	}
	keepAlive := cfg.KeepAlive.Std()
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	opts.SetClientID(clientID).
		SetUsername(cfg.Credentials.Username).
		SetPassword(cfg.Credentials.Password).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(cfg.Timeout()).
		SetKeepAlive(keepAlive).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) { onLost(err) })
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

// brokerURL adds a scheme to bare host:port endpoints.
func brokerURL(endpoint string, secure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if secure {
		return "ssl://" + endpoint
	}
	return "tcp://" + endpoint
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, cfg *config.TenantConfig, cb transport.Callbacks) {
	h := &handle{timeout: cfg.Timeout(), onFrame: cb.OnFrame}

	opts, err := ClientOptions(cfg, func(err error) {
		h.alive.Store(false)
		if !h.closed.Load() {
			cb.OnLost(err)
		}
	})
	if err != nil {
		go cb.OnFailed(err)
		return
	}
	h.client = d.newClient(opts)

	go func() {
		tok := h.client.Connect()
		select {
		case <-tok.Done():
		case <-ctx.Done():
			h.client.Disconnect(0)
			cb.OnFailed(ctx.Err())
			return
		}
		if err := tok.Error(); err != nil {
			cb.OnFailed(err)
			return
		}
		if err := ctx.Err(); err != nil {
			h.client.Disconnect(0)
			cb.OnFailed(err)
			return
		}
		h.alive.Store(true)
		d.logger.Debug("Connected", "tenant", cfg.ID, "brokers", len(cfg.Endpoints))
		cb.OnConnected(h)
	}()
}

type handle struct {
	client  paho.Client
	timeout time.Duration
	onFrame func(transport.Frame)

	alive     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// Filter converts a subscription address to an MQTT topic filter by
// turning {name} placeholder segments into single-level wildcards.
func Filter(address string) string {
	segs := strings.Split(address, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			segs[i] = "+"
		}
	}
	return strings.Join(segs, "/")
}

func (h *handle) Subscribe(subs []config.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(subs))
	for _, s := range subs {
		f := Filter(s.Address)
		if q, ok := filters[f]; !ok || s.QoS > q {
			filters[f] = s.QoS
		}
	}
	tok := h.client.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		h.onFrame(transport.Frame{
			Address:    m.Topic(),
			Payload:    append([]byte(nil), m.Payload()...),
			ReceivedAt: time.Now(),
		})
	})
	return wait(tok, h.timeout, "subscribe")
}

func (h *handle) Publish(address string, payload []byte) error {
	if !h.alive.Load() {
		return fmt.Errorf("mqtt connection not open")
	}
	return wait(h.client.Publish(address, downlinkQoS, false, payload), h.timeout, "publish")
}

func (h *handle) Alive() bool {
	return h.alive.Load() && h.client.IsConnectionOpen()
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.alive.Store(false)
		h.client.Disconnect(quiesce)
	})
	return nil
}

func wait(tok paho.Token, timeout time.Duration, op string) error {
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt %s timed out after %s", op, timeout)
	}
	return tok.Error()
}
