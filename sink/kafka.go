package sink

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/message"
)

// KafkaWriter is implemented by *kafka.Writer.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes each message to a topic keyed by device so a device's
// messages stay on one partition.
type Kafka struct {
	writer KafkaWriter
}

// NewKafkaWriter builds a writer for brokers and topic.
func NewKafkaWriter(brokers []string, topic string, batchTimeout time.Duration) *kafka.Writer {
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafka wraps a writer.
func NewKafka(w KafkaWriter) *Kafka {
	return &Kafka{writer: w}
}

// Name implements Sink
func (k *Kafka) Name() string { return "kafka" }

// Publish implements Sink
func (k *Kafka) Publish(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		data, err := encode(m)
		if err != nil {
			return err
		}
		out = append(out, kafka.Message{
			Key:   []byte(m.TenantID + "/" + m.ProductKey + "/" + m.DeviceID),
			Value: data,
			Time:  m.Timestamp,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(m.Kind)},
				{Key: "routing_key", Value: []byte(m.Key())},
			},
		})
	}
	if err := k.writer.WriteMessages(ctx, out...); err != nil {
		return errors.WrapTransient(err, "Kafka", "Publish", "write messages")
	}
	return nil
}

// Close implements Sink
func (k *Kafka) Close(context.Context) error {
	return k.writer.Close()
}
