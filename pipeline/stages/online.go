package stages

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/protogate/device"
	"github.com/c360/protogate/pipeline"
)

// DefaultOnlineRefresh is how often one device's presence is written.
const DefaultOnlineRefresh = 30 * time.Second

// Online records device presence. Directory failures are logged and the
// frame continues.
type Online struct {
	pipeline.Base
	dir     device.Directory
	logger  *slog.Logger
	refresh time.Duration

	mu     sync.Mutex
	marked map[string]time.Time
}

// NewOnline creates the presence stage.
func NewOnline(dir device.Directory, logger *slog.Logger) *Online {
	return &Online{dir: dir, logger: logger, refresh: DefaultOnlineRefresh, marked: make(map[string]time.Time)}
}

// Name implements pipeline.Stage
func (s *Online) Name() string { return "online" }

// PreCheck implements pipeline.Stage
func (s *Online) PreCheck(pc *pipeline.Context) bool { return pc.Identified() }

// Supports implements pipeline.Stage. Devices marked within the refresh
// window are skipped.
func (s *Online) Supports(pc *pipeline.Context) bool {
	if pc.Device != nil && !pc.Device.Online {
		return true
	}
	s.mu.Lock()
	last, ok := s.marked[pc.ProductKey+"/"+pc.DeviceID]
	s.mu.Unlock()
	return !ok || frameTime(pc).Sub(last) >= s.refresh
}

func frameTime(pc *pipeline.Context) time.Time {
	if pc.Frame.ReceivedAt.IsZero() {
		return time.Now()
	}
	return pc.Frame.ReceivedAt
}

// Process implements pipeline.Stage
func (s *Online) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Result, error) {
	at := frameTime(pc)
	if err := s.dir.MarkOnline(ctx, pc.ProductKey, pc.DeviceID, at); err != nil {
		s.logger.Warn("Failed to mark device online",
			"id", pc.ID, "product", pc.ProductKey, "device", pc.DeviceID, "error", err)
		return pipeline.Continue, nil
	}

	s.mu.Lock()
	s.marked[pc.ProductKey+"/"+pc.DeviceID] = at
	s.mu.Unlock()
	return pipeline.Continue, nil
}
