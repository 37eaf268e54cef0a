package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/c360/protogate/device"
	"github.com/c360/protogate/message"
	"github.com/c360/protogate/transport"
)

// Context is the per-frame state stages read and write.
type Context struct {
	// ID correlates log lines for one frame.
	ID        string
	Frame     transport.Frame
	StartedAt time.Time

	TenantID   string
	ProductKey string
	DeviceID   string
	Category   string

	Device  *device.Device
	Product *device.Product

	// Payload is the working payload; stages may replace it, for example
	// after pre-decoding.
	Payload  []byte
	Messages []message.Message

	// Stage is the name of the stage currently running.
	Stage string
	Err   error

	attrs map[string]any
}

// NewContext creates the context for one frame.
func NewContext(f transport.Frame) *Context {
	return &Context{
		ID:        uuid.NewString(),
		Frame:     f,
		StartedAt: time.Now(),
		TenantID:  f.TenantID,
		Payload:   f.Payload,
	}
}

// Set stores a value in the frame's side-channel.
func (c *Context) Set(key string, v any) {
	if c.attrs == nil {
		c.attrs = make(map[string]any, 4)
	}
	c.attrs[key] = v
}

// Get returns a side-channel value.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.attrs[key]
	return v, ok
}

// Identified reports whether both product key and device id are known.
func (c *Context) Identified() bool {
	return c.ProductKey != "" && c.DeviceID != ""
}

// Elapsed returns the time since the frame entered the pipeline.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartedAt)
}
