// Package sink delivers canonical messages to downstream consumers.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/message"
	"github.com/c360/protogate/metric"
)

// Sink accepts batches of canonical messages.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msgs []message.Message) error
	Close(ctx context.Context) error
}

func encode(m *message.Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Sink", "encode", "marshal message")
	}
	return data, nil
}

// Log writes each message to a structured logger. It is the default sink
// when nothing downstream is configured.
type Log struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLog creates a log sink at Info level.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "sink.log"), level: slog.LevelInfo}
}

// Name implements Sink
func (l *Log) Name() string { return "log" }

// Publish implements Sink
func (l *Log) Publish(ctx context.Context, msgs []message.Message) error {
	for i := range msgs {
		m := &msgs[i]
		l.logger.Log(ctx, l.level, "Message",
			"tenant", m.TenantID, "product", m.ProductKey, "device", m.DeviceID,
			"kind", m.Kind, "properties", len(m.Properties))
	}
	return nil
}

// Close implements Sink
func (l *Log) Close(context.Context) error { return nil }

// Multi fans a batch out to several sinks. Every sink is attempted; the
// errors are joined.
type Multi struct {
	sinks   []Sink
	metrics *metric.Metrics
}

// NewMulti combines sinks.
func NewMulti(metrics *metric.Metrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: metrics}
}

// Name implements Sink
func (m *Multi) Name() string { return "multi" }

// Publish implements Sink
func (m *Multi) Publish(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, msgs); err != nil {
			errs = append(errs, errors.Wrap(err, "Multi", "Publish", "publish to "+s.Name()))
			continue
		}
		if m.metrics != nil {
			m.metrics.RecordPublished(s.Name(), len(msgs))
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink
func (m *Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory records published messages. Tests use it as a sink double.
type Memory struct {
	mu   sync.Mutex
	msgs []message.Message
	err  error
}

// NewMemory creates an empty memory sink.
func NewMemory() *Memory { return &Memory{} }

// Name implements Sink
func (m *Memory) Name() string { return "memory" }

// FailWith makes subsequent publishes return err.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Publish implements Sink
func (m *Memory) Publish(_ context.Context, msgs []message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

// Messages returns a copy of everything published.
func (m *Memory) Messages() []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]message.Message(nil), m.msgs...)
}

// Close implements Sink
func (m *Memory) Close(context.Context) error { return nil }
