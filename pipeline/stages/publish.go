package stages

import (
	"context"
	"fmt"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/pipeline"
	"github.com/c360/protogate/sink"
)

// Publish hands the frame's messages to the sink as one batch.
type Publish struct {
	pipeline.Base
	sink sink.Sink
}

// NewPublish creates the publish stage.
func NewPublish(s sink.Sink) *Publish {
	return &Publish{sink: s}
}

// Name implements pipeline.Stage
func (s *Publish) Name() string { return "publish" }

// Supports implements pipeline.Stage
func (s *Publish) Supports(pc *pipeline.Context) bool { return len(pc.Messages) > 0 }

// Process implements pipeline.Stage
func (s *Publish) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Result, error) {
	if err := s.sink.Publish(ctx, pc.Messages); err != nil {
		return pipeline.Error, fmt.Errorf("%w: %s: %w", errors.ErrDownstream, s.sink.Name(), err)
	}
	return pipeline.Continue, nil
}
