package sink

import (
	"context"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/message"
)

// Publisher is the subset of natsclient.Client the NATS sink uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATS publishes each message as JSON on <prefix>.<tenant>.<product>.<kind>.
type NATS struct {
	pub    Publisher
	prefix string
}

// NewNATS creates a NATS sink. An empty prefix defaults to "devices".
func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "devices"
	}
	return &NATS{pub: pub, prefix: prefix}
}

// Name implements Sink
func (n *NATS) Name() string { return "nats" }

// Subject returns the subject a message is published on.
func (n *NATS) Subject(m *message.Message) string {
	return n.prefix + "." + m.Key()
}

// Publish implements Sink
func (n *NATS) Publish(ctx context.Context, msgs []message.Message) error {
	for i := range msgs {
		data, err := encode(&msgs[i])
		if err != nil {
			return err
		}
		if err := n.pub.Publish(ctx, n.Subject(&msgs[i]), data); err != nil {
			return errors.WrapTransient(err, "NATS", "Publish", "publish message")
		}
	}
	return nil
}

// Close implements Sink. The NATS client is owned by the caller.
func (n *NATS) Close(context.Context) error { return nil }
