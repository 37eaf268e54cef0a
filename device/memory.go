package device

import (
	"context"
	"sync"
	"time"

	"github.com/c360/protogate/errors"
)

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	products map[string]*Product
	now      func() time.Time
}

// NewMemoryDirectory creates a directory holding the given products.
func NewMemoryDirectory(products ...Product) *MemoryDirectory {
	d := &MemoryDirectory{
		devices:  make(map[string]*Device),
		products: make(map[string]*Product, len(products)),
		now:      time.Now,
	}
	for i := range products {
		p := products[i]
		d.products[p.Key] = &p
	}
	return d
}

// PutProduct adds or replaces a product.
func (d *MemoryDirectory) PutProduct(p Product) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.products[p.Key] = &p
}

// GetDevice implements Directory
func (d *MemoryDirectory) GetDevice(_ context.Context, productKey, deviceID string) (*Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[deviceKey(productKey, deviceID)]
	if !ok {
		return nil, deviceNotFound(productKey, deviceID)
	}
	cp := *dev
	return &cp, nil
}

// GetProduct implements Directory
func (d *MemoryDirectory) GetProduct(_ context.Context, productKey string) (*Product, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.products[productKey]
	if !ok {
		return nil, productNotFound(productKey)
	}
	cp := *p
	return &cp, nil
}

// Register implements Directory. Registering an existing device is a no-op.
func (d *MemoryDirectory) Register(_ context.Context, dev Device) error {
	if dev.ID == "" || dev.ProductKey == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemoryDirectory", "Register", "require device id and product key")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.products[dev.ProductKey]; !ok {
		return productNotFound(dev.ProductKey)
	}
	key := deviceKey(dev.ProductKey, dev.ID)
	if _, ok := d.devices[key]; ok {
		return nil
	}
	if dev.CreatedAt.IsZero() {
		dev.CreatedAt = d.now()
	}
	d.devices[key] = &dev
	return nil
}

// MarkOnline implements Directory
func (d *MemoryDirectory) MarkOnline(_ context.Context, productKey, deviceID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[deviceKey(productKey, deviceID)]
	if !ok {
		return deviceNotFound(productKey, deviceID)
	}
	dev.Online = true
	if at.After(dev.LastSeen) {
		dev.LastSeen = at
	}
	return nil
}

// Count returns the number of registered devices.
func (d *MemoryDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}
