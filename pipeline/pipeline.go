package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/message"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/transport"
)

// errResultError is recorded when a stage returns Error without an error.
var errResultError = errors.New("stage returned error result")

// Outcome is the terminal state of one frame.
type Outcome struct {
	ID       string
	TenantID string
	Success  bool
	Result   Result
	// Stage is the stage that ended the frame, empty when every stage ran.
	Stage    string
	Messages []message.Message
	Err      error
	Duration time.Duration
}

// BatchResult aggregates ProcessBatch outcomes.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Outcomes  []Outcome
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records stage errors.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline runs frames through a fixed, sorted stage list. It holds no
// per-frame state and is safe for concurrent use.
type Pipeline struct {
	stages  []Descriptor
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New sorts the enabled descriptors and builds a pipeline.
func New(descriptors []Descriptor, opts ...Option) *Pipeline {
	p := &Pipeline{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline")

	for _, d := range descriptors {
		if d.Enabled && d.Stage != nil {
			p.stages = append(p.stages, d)
		}
	}
	sort.SliceStable(p.stages, func(i, j int) bool {
		if p.stages[i].Order != p.stages[j].Order {
			return p.stages[i].Order < p.stages[j].Order
		}
		return p.stages[i].Priority > p.stages[j].Priority
	})
	return p
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, d := range p.stages {
		names[i] = d.Name()
	}
	return names
}

// Run processes one frame.
func (p *Pipeline) Run(ctx context.Context, f transport.Frame) Outcome {
	return p.Execute(ctx, NewContext(f))
}

// Execute processes a prepared context. Errors never escape: they are
// reported in the Outcome.
func (p *Pipeline) Execute(ctx context.Context, pc *Context) Outcome {
	terminal := Continue
	terminatedBy := ""

	for _, d := range p.stages {
		if terminal.Terminal() {
			if d.Always {
				p.postProcess(d, pc, terminal)
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			terminal = Error
			terminatedBy = d.Name()
			pc.Err = errors.Stage(d.Name(), err)
			if d.Always {
				p.postProcess(d, pc, terminal)
			}
			continue
		}

		res := p.runStage(ctx, d, pc)
		if res.Terminal() {
			terminal = res
			terminatedBy = d.Name()
		}
	}

	out := Outcome{
		ID:       pc.ID,
		TenantID: pc.TenantID,
		Success:  terminal != Error,
		Result:   terminal,
		Stage:    terminatedBy,
		Messages: pc.Messages,
		Err:      pc.Err,
		Duration: pc.Elapsed(),
	}
	if !out.Success {
		p.logger.Warn("Frame failed",
			"id", pc.ID, "tenant", pc.TenantID, "stage", terminatedBy, "error", pc.Err)
	}
	return out
}

func (p *Pipeline) runStage(ctx context.Context, d Descriptor, pc *Context) Result {
	pc.Stage = d.Name()

	res, ran, err := p.invoke(ctx, d.Stage, pc)
	if !ran {
		return Skip
	}

	if err != nil {
		res = Error
		err = errors.Stage(d.Name(), err)
		pc.Err = err
		p.onError(d, pc, err)
	} else if res == Error && pc.Err == nil {
		pc.Err = errors.Stage(d.Name(), errResultError)
	}

	if res == Error && p.metrics != nil {
		p.metrics.RecordStageError(d.Name())
	}

	p.postProcess(d, pc, res)
	return res
}

// invoke runs the applicability checks and Process. ran is false when the
// stage was skipped before Process.
func (p *Pipeline) invoke(ctx context.Context, s Stage, pc *Context) (res Result, ran bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Error
			ran = true
			err = errors.WrapFatal(fmt.Errorf("panic: %v", r), "Pipeline", "Execute", "run stage "+s.Name())
		}
	}()

	if !s.PreCheck(pc) || !s.Supports(pc) {
		return Skip, false, nil
	}
	res, err = s.Process(ctx, pc)
	return res, true, err
}

func (p *Pipeline) onError(d Descriptor, pc *Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Stage OnError panicked", "id", pc.ID, "stage", d.Name(), "panic", r)
		}
	}()
	p.logger.Debug("Stage error", "id", pc.ID, "tenant", pc.TenantID, "stage", d.Name(), "error", err)
	d.Stage.OnError(pc, err)
}

func (p *Pipeline) postProcess(d Descriptor, pc *Context, res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Stage PostProcess panicked", "id", pc.ID, "stage", d.Name(), "panic", r)
		}
	}()
	d.Stage.PostProcess(pc, res)
}

// ProcessBatch runs frames one after another. A failing frame never aborts
// the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, frames []transport.Frame) BatchResult {
	br := BatchResult{Total: len(frames), Outcomes: make([]Outcome, 0, len(frames))}
	for _, f := range frames {
		out := p.Run(ctx, f)
		if out.Success {
			br.Succeeded++
		} else {
			br.Failed++
		}
		br.Outcomes = append(br.Outcomes, out)
	}
	return br
}
