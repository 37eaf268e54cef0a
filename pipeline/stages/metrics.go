package stages

import (
	"context"
	"sync/atomic"

	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/pipeline"
)

// Metrics records one latency sample and one outcome per frame. It is
// registered with Always so terminated frames are counted too.
type Metrics struct {
	pipeline.Base
	metrics   *metric.Metrics
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewMetrics creates the accounting stage. m may be nil.
func NewMetrics(m *metric.Metrics) *Metrics {
	return &Metrics{metrics: m}
}

// Name implements pipeline.Stage
func (s *Metrics) Name() string { return "metrics" }

// Process implements pipeline.Stage
func (s *Metrics) Process(context.Context, *pipeline.Context) (pipeline.Result, error) {
	return pipeline.Continue, nil
}

// PostProcess implements pipeline.Stage
func (s *Metrics) PostProcess(pc *pipeline.Context, r pipeline.Result) {
	ok := r != pipeline.Error
	if ok {
		s.succeeded.Add(1)
	} else {
		s.failed.Add(1)
	}
	if s.metrics != nil {
		s.metrics.RecordFrameProcessed(pc.TenantID, ok, pc.Elapsed())
	}
}

// Counts returns the frames recorded as succeeded and failed.
func (s *Metrics) Counts() (succeeded, failed int64) {
	return s.succeeded.Load(), s.failed.Load()
}
