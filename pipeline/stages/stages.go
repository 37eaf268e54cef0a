// Package stages holds the gateway's built-in pipeline stages.
package stages

import (
	"log/slog"

	"github.com/c360/protogate/codec"
	"github.com/c360/protogate/config"
	"github.com/c360/protogate/device"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/pipeline"
	"github.com/c360/protogate/rules"
	"github.com/c360/protogate/sink"
)

// Stage orders. Gaps leave room for custom stages.
const (
	OrderIdentity = 100
	OrderHydrate  = 200
	OrderDecode   = 300
	OrderOnline   = 600
	OrderRules    = 700
	OrderPublish  = 800
	OrderMetrics  = 900
)

// Deps are the collaborators the built-in stages use. Nil collaborators
// disable the stages that need them, except Codec which falls back to
// opaque messages.
type Deps struct {
	Tenants   func(tenantID string) (*config.TenantConfig, bool)
	Directory device.Directory
	Codec     codec.Service
	Rules     rules.Engine
	Sink      sink.Sink
	Metrics   *metric.Metrics
	Logger    *slog.Logger
}

// Default returns descriptors for the standard stage set.
func Default(d Deps) []pipeline.Descriptor {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := d.Rules
	if engine == nil {
		engine = rules.Noop{}
	}

	return []pipeline.Descriptor{
		{Stage: NewIdentity(d.Tenants, logger), Order: OrderIdentity, Priority: 10, Enabled: d.Tenants != nil},
		{Stage: NewHydrate(d.Directory, logger), Order: OrderHydrate, Enabled: d.Directory != nil},
		{Stage: NewDecode(d.Codec, logger), Order: OrderDecode, Enabled: true},
		{Stage: NewOnline(d.Directory, logger), Order: OrderOnline, Enabled: d.Directory != nil},
		{Stage: NewRules(engine, logger), Order: OrderRules, Enabled: true},
		{Stage: NewPublish(d.Sink), Order: OrderPublish, Enabled: d.Sink != nil},
		{Stage: NewMetrics(d.Metrics), Order: OrderMetrics, Enabled: true, Always: true},
	}
}
