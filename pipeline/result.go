package pipeline

// Result is what a stage's Process returns.
type Result int

// Stage results.
const (
	Continue Result = iota
	Skip
	Stop
	Error
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Skip:
		return "skip"
	case Stop:
		return "stop"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether r ends the frame.
func (r Result) Terminal() bool {
	return r == Stop || r == Error
}
