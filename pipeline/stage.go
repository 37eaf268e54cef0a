package pipeline

import "context"

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	// PreCheck is a cheap structural check; false skips the stage.
	PreCheck(pc *Context) bool
	// Supports reports whether the stage applies to this frame.
	Supports(pc *Context) bool
	Process(ctx context.Context, pc *Context) (Result, error)
	// PostProcess runs after Process whatever it returned. It must not fail.
	PostProcess(pc *Context, r Result)
	// OnError runs when Process returned an error or panicked.
	OnError(pc *Context, err error)
}

// Base provides no-op defaults for the optional hooks. Embed it and
// implement Name and Process.
type Base struct{}

// PreCheck implements Stage
func (Base) PreCheck(*Context) bool { return true }

// Supports implements Stage
func (Base) Supports(*Context) bool { return true }

// PostProcess implements Stage
func (Base) PostProcess(*Context, Result) {}

// OnError implements Stage
func (Base) OnError(*Context, error) {}

// Descriptor registers a stage with the pipeline.
type Descriptor struct {
	Stage    Stage
	Order    int
	Priority int
	Enabled  bool
	// Always marks an accounting stage whose PostProcess must observe every
	// frame, including frames an earlier stage terminated.
	Always bool
}

// Name returns the stage name.
func (d Descriptor) Name() string { return d.Stage.Name() }
