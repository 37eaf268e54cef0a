package stages

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/protogate/device"
	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/pipeline"
	"github.com/c360/protogate/pkg/retry"
)

// Hydrate loads the frame's product and device. Unknown devices of
// products that allow it are registered and read back.
type Hydrate struct {
	pipeline.Base
	dir    device.Directory
	logger *slog.Logger
	reread retry.Config
}

// NewHydrate creates the hydration stage.
func NewHydrate(dir device.Directory, logger *slog.Logger) *Hydrate {
	return &Hydrate{
		dir:    dir,
		logger: logger,
		reread: retry.Config{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Multiplier: 2},
	}
}

// Name implements pipeline.Stage
func (s *Hydrate) Name() string { return "hydrate" }

// PreCheck implements pipeline.Stage
func (s *Hydrate) PreCheck(pc *pipeline.Context) bool { return pc.Identified() }

// Process implements pipeline.Stage
func (s *Hydrate) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Result, error) {
	product, err := s.dir.GetProduct(ctx, pc.ProductKey)
	if err != nil {
		if device.IsNotFound(err) {
			s.logger.Warn("Unknown product, dropping frame", "id", pc.ID, "tenant", pc.TenantID, "product", pc.ProductKey)
			return pipeline.Stop, nil
		}
		return pipeline.Error, errors.WrapTransient(err, "Hydrate", "Process", "get product")
	}
	pc.Product = product

	dev, err := s.dir.GetDevice(ctx, pc.ProductKey, pc.DeviceID)
	switch {
	case err == nil:
		pc.Device = dev
		return pipeline.Continue, nil
	case !device.IsNotFound(err):
		return pipeline.Error, errors.WrapTransient(err, "Hydrate", "Process", "get device")
	case !product.AllowAutoRegister:
		s.logger.Debug("Unknown device, auto-register disabled",
			"id", pc.ID, "product", pc.ProductKey, "device", pc.DeviceID)
		return pipeline.Stop, nil
	}

	dev, err = s.register(ctx, pc)
	if err != nil {
		return pipeline.Error, err
	}
	pc.Device = dev
	return pipeline.Continue, nil
}

func (s *Hydrate) register(ctx context.Context, pc *pipeline.Context) (*device.Device, error) {
	err := s.dir.Register(ctx, device.Device{
		ID:         pc.DeviceID,
		ProductKey: pc.ProductKey,
		TenantID:   pc.TenantID,
		Name:       pc.DeviceID,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Hydrate", "register", "auto-register device")
	}

	dev, err := retry.DoWithResult(ctx, s.reread, func() (*device.Device, error) {
		d, err := s.dir.GetDevice(ctx, pc.ProductKey, pc.DeviceID)
		if err != nil && !device.IsNotFound(err) {
			return nil, retry.NonRetryable(err)
		}
		return d, err
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Hydrate", "register", "re-read registered device")
	}
	s.logger.Info("Device auto-registered", "id", pc.ID, "tenant", pc.TenantID,
		"product", pc.ProductKey, "device", pc.DeviceID)
	return dev, nil
}
