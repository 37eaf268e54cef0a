// Package pipeline drives inbound frames through an ordered set of stages
// that turn them into canonical messages.
//
// Stages are registered with a Descriptor carrying their order and priority.
// New sorts them once, ascending by Order and then descending by Priority,
// and drops disabled descriptors. For every frame the driver runs, per stage:
//
//	PreCheck -> Supports -> Process -> PostProcess
//
// A false PreCheck or Supports skips the stage. Process returns a Result:
// Continue and Skip advance, Stop ends the frame successfully, Error ends it
// as a failure. An error returned from Process, or a panic inside it, is
// routed to the stage's OnError and ends the frame with Error. PostProcess
// runs after every Process call whatever its outcome.
//
// Descriptors marked Always belong to accounting stages such as metrics.
// When an earlier stage ends the frame, only their PostProcess runs, with
// the terminal result, so every frame is counted.
//
// A Context lives for one frame. It is never shared between frames.
package pipeline
