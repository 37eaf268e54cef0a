package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/protogate/errors"
)

// Transport kinds a tenant may use.
const (
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
	TransportUDP       = "udp"
)

// Payload pre-decoding applied before the codec sees a frame.
const (
	DecoderNone   = ""
	DecoderUTF8   = "utf8"
	DecoderHex    = "hex"
	DecoderBase64 = "base64"
	DecoderCBOR   = "cbor"
)

// Credentials for a transport endpoint.
type Credentials struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// TLS configures client TLS towards a tenant's endpoints. The system CA
// pool is always trusted; CAFiles add to it.
type TLS struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	CertFile           string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// Subscription maps an address pattern to the product key and category of
// the devices publishing on it. Patterns use MQTT wildcards (+ and #) and
// may name segments with {productKey} or {deviceId}.
type Subscription struct {
	Address    string `json:"address" yaml:"address"`
	ProductKey string `json:"product_key,omitempty" yaml:"product_key,omitempty"`
	Category   string `json:"category,omitempty" yaml:"category,omitempty"`
	QoS        byte   `json:"qos,omitempty" yaml:"qos,omitempty"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// TenantConfig describes one network component. It is immutable once
// loaded.
type TenantConfig struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty"`
	Transport     string         `json:"transport" yaml:"transport"`
	Endpoints     []string       `json:"endpoints" yaml:"endpoints"`
	Credentials   Credentials    `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	TLS           TLS            `json:"tls,omitempty" yaml:"tls,omitempty"`
	Subscriptions []Subscription `json:"subscriptions,omitempty" yaml:"subscriptions,omitempty"`
	ProductKey    string         `json:"product_key,omitempty" yaml:"product_key,omitempty"`
	Enabled       bool           `json:"enabled" yaml:"enabled"`
	Version       uint64         `json:"version,omitempty" yaml:"version,omitempty"`

	Decoder          string   `json:"decoder,omitempty" yaml:"decoder,omitempty"`
	ConnectTimeout   Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	KeepAlive        Duration `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
	CleanSession     bool     `json:"clean_session,omitempty" yaml:"clean_session,omitempty"`
	SharedConnection string   `json:"shared_connection,omitempty" yaml:"shared_connection,omitempty"`
	RateLimit        float64  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// DefaultConnectTimeout bounds a connect attempt when the tenant sets none.
const DefaultConnectTimeout = 10 * time.Second

// Timeout returns the connect timeout, defaulted.
func (c *TenantConfig) Timeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout.Std()
}

// ActiveSubscriptions returns enabled subscriptions with an address.
func (c *TenantConfig) ActiveSubscriptions() []Subscription {
	out := make([]Subscription, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		if s.Enabled && s.Address != "" {
			out = append(out, s)
		}
	}
	return out
}

// Covered reports whether a shared system connection carries this tenant.
func (c *TenantConfig) Covered() bool {
	return c.SharedConnection != ""
}

// Validate checks the fields a connect attempt needs. Failures are
// configuration errors.
func (c *TenantConfig) Validate() error {
	if c == nil {
		return errors.Configuration("", "config is nil")
	}
	if strings.TrimSpace(c.ID) == "" {
		return errors.Configuration(c.ID, "id is required")
	}

	switch c.Transport {
	case TransportMQTT, TransportWebSocket, TransportTCP, TransportUDP:
	case "":
		return errors.Configuration(c.ID, "transport is required")
	default:
		return errors.Configuration(c.ID, fmt.Sprintf("unknown transport %q", c.Transport))
	}

	if len(c.Endpoints) == 0 && !c.Covered() {
		return errors.Configuration(c.ID, "at least one endpoint is required")
	}
	for i, ep := range c.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return errors.Configuration(c.ID, fmt.Sprintf("endpoint %d is empty", i))
		}
	}

	for i, s := range c.Subscriptions {
		if s.Enabled && strings.TrimSpace(s.Address) == "" {
			return errors.Configuration(c.ID, fmt.Sprintf("subscription %d has no address", i))
		}
		if s.QoS > 2 {
			return errors.Configuration(c.ID, fmt.Sprintf("subscription %d qos %d out of range", i, s.QoS))
		}
	}

	switch c.Decoder {
	case DecoderNone, DecoderUTF8, DecoderHex, DecoderBase64, DecoderCBOR:
	default:
		return errors.Configuration(c.ID, fmt.Sprintf("unknown decoder %q", c.Decoder))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.Configuration(c.ID, "tls cert_file and key_file must be set together")
	}
	switch c.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return errors.Configuration(c.ID, fmt.Sprintf("unsupported tls min_version %q", c.TLS.MinVersion))
	}

	if c.RateLimit < 0 {
		return errors.Configuration(c.ID, "rate_limit cannot be negative")
	}
	return nil
}

// Clone returns a deep copy.
func (c *TenantConfig) Clone() *TenantConfig {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Endpoints = append([]string(nil), c.Endpoints...)
	cp.Subscriptions = append([]Subscription(nil), c.Subscriptions...)
	cp.TLS.CAFiles = append([]string(nil), c.TLS.CAFiles...)
	return &cp
}
