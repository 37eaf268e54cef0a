package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/protogate/message"
	"github.com/c360/protogate/metric"
)

func sample(tenant, device string) message.Message {
	return message.Message{
		TenantID:   tenant,
		ProductKey: "p1",
		DeviceID:   device,
		Kind:       message.KindProperty,
		Properties: map[string]any{"temp": 21.5},
		Timestamp:  time.Unix(1700000000, 0),
	}
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, published{subject, data})
	return nil
}

func TestNATS_SubjectAndPayload(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATS(pub, "")

	require.NoError(t, s.Publish(context.Background(), []message.Message{sample("t1", "dev1")}))
	require.Len(t, pub.got, 1)
	assert.Equal(t, "devices.t1.p1.property", pub.got[0].subject)

	var decoded message.Message
	require.NoError(t, json.Unmarshal(pub.got[0].data, &decoded))
	assert.Equal(t, "dev1", decoded.DeviceID)
	assert.Equal(t, 21.5, decoded.Properties["temp"])
}

func TestNATS_PublishError(t *testing.T) {
	s := NewNATS(&fakePublisher{fail: errors.New("nats down")}, "gw")
	err := s.Publish(context.Background(), []message.Message{sample("t1", "dev1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats down")
}

type fakeKafka struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestKafka_KeysByDevice(t *testing.T) {
	w := &fakeKafka{}
	s := NewKafka(w)

	require.NoError(t, s.Publish(context.Background(), []message.Message{sample("t1", "dev1"), sample("t1", "dev2")}))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "t1/p1/dev1", string(w.msgs[0].Key))
	assert.Equal(t, "t1/p1/dev2", string(w.msgs[1].Key))
	assert.Equal(t, "routing_key", w.msgs[0].Headers[1].Key)
	assert.Equal(t, "t1.p1.property", string(w.msgs[0].Headers[1].Value))

	require.NoError(t, s.Close(context.Background()))
	assert.True(t, w.closed)
}

func TestMulti_AttemptsEverySink(t *testing.T) {
	metrics := metric.NewMetrics()
	bad := NewMemory()
	bad.FailWith(errors.New("boom"))
	good := NewMemory()

	m := NewMulti(metrics, bad, good)
	err := m.Publish(context.Background(), []message.Message{sample("t1", "dev1")})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, good.Messages(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesPublished.WithLabelValues("memory")))
}

func TestAsync_DeliversInOrderPerTenant(t *testing.T) {
	mem := NewMemory()
	a := NewAsync(mem, 2, 16, nil, nil)
	require.NoError(t, a.Start(context.Background()))

	for i := 0; i < 5; i++ {
		m := sample("t1", "dev1")
		m.Properties = map[string]any{"seq": i}
		require.NoError(t, a.Publish(context.Background(), []message.Message{m}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	got := mem.Messages()
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, i, m.Properties["seq"])
	}
}

func TestAsync_NotStarted(t *testing.T) {
	a := NewAsync(NewMemory(), 1, 1, nil, nil)
	err := a.Publish(context.Background(), []message.Message{sample("t1", "dev1")})
	assert.Error(t, err)
}

func TestLog_Publish(t *testing.T) {
	assert.NoError(t, NewLog(nil).Publish(context.Background(), []message.Message{sample("t1", "dev1")}))
}
