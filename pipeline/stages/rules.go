package stages

import (
	"context"
	"log/slog"

	"github.com/c360/protogate/pipeline"
	"github.com/c360/protogate/rules"
)

// Rules runs the rule engine over the decoded messages. An engine error
// means no filtering; a frame whose messages are all filtered out stops.
type Rules struct {
	pipeline.Base
	engine rules.Engine
	logger *slog.Logger
}

// NewRules creates the rule stage.
func NewRules(engine rules.Engine, logger *slog.Logger) *Rules {
	return &Rules{engine: engine, logger: logger}
}

// Name implements pipeline.Stage
func (s *Rules) Name() string { return "rules" }

// Supports implements pipeline.Stage
func (s *Rules) Supports(pc *pipeline.Context) bool { return len(pc.Messages) > 0 }

// Process implements pipeline.Stage
func (s *Rules) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Result, error) {
	kept, err := s.engine.Evaluate(ctx, pc.Messages)
	if err != nil {
		s.logger.Warn("Rule evaluation failed, passing messages unfiltered",
			"id", pc.ID, "tenant", pc.TenantID, "error", err)
		return pipeline.Continue, nil
	}
	pc.Messages = kept
	if len(kept) == 0 {
		return pipeline.Stop, nil
	}
	return pipeline.Continue, nil
}
