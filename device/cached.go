package device

import (
	"context"
	"time"

	"github.com/c360/protogate/pkg/cache"
)

// CachedDirectory fronts a slower Directory with read-through caches for
// devices and products. Misses are not cached so a device registered
// elsewhere becomes visible on the next lookup.
type CachedDirectory struct {
	next     Directory
	devices  cache.Cache[Device]
	products cache.Cache[Product]
}

// NewCachedDirectory wraps next. Both caches share cfg.
func NewCachedDirectory(ctx context.Context, next Directory, cfg cache.Config,
	devOpts []cache.Option[Device], prodOpts []cache.Option[Product]) (*CachedDirectory, error) {
	devices, err := cache.New[Device](ctx, cfg, devOpts...)
	if err != nil {
		return nil, err
	}
	products, err := cache.New[Product](ctx, cfg, prodOpts...)
	if err != nil {
		_ = devices.Close()
		return nil, err
	}
	return &CachedDirectory{next: next, devices: devices, products: products}, nil
}

// GetDevice implements Directory
func (c *CachedDirectory) GetDevice(ctx context.Context, productKey, deviceID string) (*Device, error) {
	key := deviceKey(productKey, deviceID)
	if d, ok := c.devices.Get(key); ok {
		return &d, nil
	}
	d, err := c.next.GetDevice(ctx, productKey, deviceID)
	if err != nil {
		return nil, err
	}
	_, _ = c.devices.Set(key, *d)
	return d, nil
}

// GetProduct implements Directory
func (c *CachedDirectory) GetProduct(ctx context.Context, productKey string) (*Product, error) {
	if p, ok := c.products.Get(productKey); ok {
		return &p, nil
	}
	p, err := c.next.GetProduct(ctx, productKey)
	if err != nil {
		return nil, err
	}
	_, _ = c.products.Set(productKey, *p)
	return p, nil
}

// Register implements Directory
func (c *CachedDirectory) Register(ctx context.Context, d Device) error {
	if err := c.next.Register(ctx, d); err != nil {
		return err
	}
	_, _ = c.devices.Delete(deviceKey(d.ProductKey, d.ID))
	return nil
}

// MarkOnline implements Directory. The cached copy is dropped so readers
// see the new presence.
func (c *CachedDirectory) MarkOnline(ctx context.Context, productKey, deviceID string, at time.Time) error {
	if err := c.next.MarkOnline(ctx, productKey, deviceID, at); err != nil {
		return err
	}
	_, _ = c.devices.Delete(deviceKey(productKey, deviceID))
	return nil
}

// Stats returns the device cache statistics.
func (c *CachedDirectory) Stats() *cache.Statistics {
	return c.devices.Stats()
}

// Close stops both caches.
func (c *CachedDirectory) Close() error {
	err := c.devices.Close()
	if perr := c.products.Close(); err == nil {
		err = perr
	}
	return err
}
