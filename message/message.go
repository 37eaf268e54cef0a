// Package message defines the canonical device message produced by the
// gateway pipeline and consumed by downstream device and rule subsystems.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/protogate/errors"
)

// Kind classifies a canonical message.
type Kind string

// Message kinds.
const (
	KindProperty      Kind = "property"
	KindEvent         Kind = "event"
	KindFunctionReply Kind = "function_reply"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProperty, KindEvent, KindFunctionReply:
		return true
	}
	return false
}

// ParseKind maps wire spellings to a Kind. Unknown values are an error.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "property", "properties", "prop":
		return KindProperty, nil
	case "event", "events":
		return KindEvent, nil
	case "function_reply", "functionreply", "reply", "function":
		return KindFunctionReply, nil
	}
	return "", errors.WrapInvalid(fmt.Errorf("%w: message kind %q", errors.ErrInvalidData, s),
		"message", "ParseKind", "parse kind")
}

// Message is the canonical form of one device report.
type Message struct {
	DeviceID   string         `json:"device_id"`
	ProductKey string         `json:"product_key"`
	TenantID   string         `json:"tenant_id"`
	Kind       Kind           `json:"kind"`
	Event      string         `json:"event,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Raw        []byte         `json:"raw,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Validate checks the fields every downstream consumer relies on.
func (m *Message) Validate() error {
	switch {
	case m.DeviceID == "":
		return errors.WrapInvalid(errors.ErrInvalidData, "message", "Validate", "require device id")
	case m.ProductKey == "":
		return errors.WrapInvalid(errors.ErrInvalidData, "message", "Validate", "require product key")
	case !m.Kind.Valid():
		return errors.WrapInvalid(fmt.Errorf("%w: kind %q", errors.ErrInvalidData, m.Kind),
			"message", "Validate", "check kind")
	case m.Kind == KindEvent && m.Event == "":
		return errors.WrapInvalid(errors.ErrInvalidData, "message", "Validate", "require event name")
	}
	return nil
}

// Key returns the dotted routing key tenant.product.kind, with dots in the
// parts replaced so the key stays a valid NATS subject suffix.
func (m *Message) Key() string {
	return strings.Join([]string{token(m.TenantID), token(m.ProductKey), token(string(m.Kind))}, ".")
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Property returns a property value.
func (m *Message) Property(name string) (any, bool) {
	v, ok := m.Properties[name]
	return v, ok
}

// Clone returns a copy whose property map and raw payload are not shared.
func (m Message) Clone() Message {
	if m.Properties != nil {
		props := make(map[string]any, len(m.Properties))
		for k, v := range m.Properties {
			props[k] = v
		}
		m.Properties = props
	}
	if m.Raw != nil {
		m.Raw = append([]byte(nil), m.Raw...)
	}
	return m
}
