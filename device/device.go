// Package device is the boundary to the device and product registry the
// pipeline consults to hydrate frames and record device presence.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/protogate/errors"
)

// ErrNotFound is returned when a device or product does not exist.
var ErrNotFound = errors.New("not found")

// Device is a registered device instance.
type Device struct {
	ID         string            `json:"id"`
	ProductKey string            `json:"product_key"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Online     bool              `json:"online"`
	LastSeen   time.Time         `json:"last_seen,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Product describes a device model.
type Product struct {
	Key               string `json:"key"`
	Name              string `json:"name,omitempty"`
	AllowAutoRegister bool   `json:"allow_auto_register"`
	// Codec names the payload decoder; empty means the default thing-model
	// JSON decoder.
	Codec string `json:"codec,omitempty"`
}

// Directory looks up and updates devices and products.
type Directory interface {
	GetDevice(ctx context.Context, productKey, deviceID string) (*Device, error)
	GetProduct(ctx context.Context, productKey string) (*Product, error)
	Register(ctx context.Context, d Device) error
	MarkOnline(ctx context.Context, productKey, deviceID string, at time.Time) error
}

func deviceKey(productKey, deviceID string) string {
	return productKey + "/" + deviceID
}

func deviceNotFound(productKey, deviceID string) error {
	return fmt.Errorf("device %s/%s: %w", productKey, deviceID, ErrNotFound)
}

func productNotFound(productKey string) error {
	return fmt.Errorf("product %s: %w", productKey, ErrNotFound)
}

// IsNotFound reports whether err means a missing device or product.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
