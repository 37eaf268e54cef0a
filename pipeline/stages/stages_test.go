package stages

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/protogate/codec"
	"github.com/c360/protogate/config"
	"github.com/c360/protogate/device"
	gwerrors "github.com/c360/protogate/errors"
	"github.com/c360/protogate/message"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/pipeline"
	"github.com/c360/protogate/rules"
	"github.com/c360/protogate/sink"
	"github.com/c360/protogate/transport"
)

type countingDirectory struct {
	*device.MemoryDirectory
	marks    atomic.Int64
	hideNew  bool
	markFail error
}

func (d *countingDirectory) GetDevice(ctx context.Context, pk, id string) (*device.Device, error) {
	if d.hideNew {
		return nil, &notFound{}
	}
	return d.MemoryDirectory.GetDevice(ctx, pk, id)
}

func (d *countingDirectory) MarkOnline(ctx context.Context, pk, id string, at time.Time) error {
	d.marks.Add(1)
	if d.markFail != nil {
		return d.markFail
	}
	return d.MemoryDirectory.MarkOnline(ctx, pk, id, at)
}

type notFound struct{}

func (*notFound) Error() string { return "device missing" }
func (*notFound) Unwrap() error { return device.ErrNotFound }

type harness struct {
	dir     *countingDirectory
	codecs  *codec.Registry
	sink    *sink.Memory
	metrics *metric.Metrics
	tenants map[string]*config.TenantConfig
	engine  rules.Engine
}

func newHarness() *harness {
	return &harness{
		dir: &countingDirectory{MemoryDirectory: device.NewMemoryDirectory(
			device.Product{Key: "p1", AllowAutoRegister: true},
			device.Product{Key: "locked"},
		)},
		codecs:  codec.NewRegistry(codec.JSONDecoder{}),
		sink:    sink.NewMemory(),
		metrics: metric.NewMetrics(),
		tenants: map[string]*config.TenantConfig{
			"t1": {ID: "t1", ProductKey: "p1"},
			"t2": {ID: "t2"},
		},
		engine: rules.Noop{},
	}
}

func (h *harness) pipeline() *pipeline.Pipeline {
	return pipeline.New(Default(Deps{
		Tenants: func(id string) (*config.TenantConfig, bool) {
			cfg, ok := h.tenants[id]
			return cfg, ok
		},
		Directory: h.dir,
		Codec:     h.codecs,
		Rules:     h.engine,
		Sink:      h.sink,
		Metrics:   h.metrics,
	}))
}

func resolved(tenant, pk, dev string, payload string) *pipeline.Context {
	pc := pipeline.NewContext(transport.Frame{
		TenantID:   tenant,
		Address:    "/v1/" + pk + "/" + dev,
		Payload:    []byte(payload),
		ReceivedAt: time.Now(),
	})
	pc.ProductKey, pc.DeviceID = pk, dev
	return pc
}

func TestDefault_StageOrder(t *testing.T) {
	p := newHarness().pipeline()
	assert.Equal(t, []string{"identity", "hydrate", "decode", "online", "rules", "publish", "metrics"}, p.Stages())

	bare := pipeline.New(Default(Deps{}))
	assert.Equal(t, []string{"decode", "rules", "metrics"}, bare.Stages())
}

func TestPipeline_PropertyFromAddressResolvedFrame(t *testing.T) {
	h := newHarness()
	out := h.pipeline().Execute(context.Background(), resolved("t1", "p1", "dev1", `{"temp":21}`))

	require.True(t, out.Success, "%v", out.Err)
	require.Len(t, out.Messages, 1)
	m := out.Messages[0]
	assert.Equal(t, message.KindProperty, m.Kind)
	assert.Equal(t, "dev1", m.DeviceID)
	assert.Equal(t, "p1", m.ProductKey)
	assert.Equal(t, "t1", m.TenantID)
	assert.EqualValues(t, 21, m.Properties["temp"])

	assert.Len(t, h.sink.Messages(), 1)
	assert.Equal(t, 1, h.dir.Count(), "device auto-registered")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesProcessed.WithLabelValues("t1", "success")))
}

func TestDecode_ThingModel(t *testing.T) {
	h := newHarness()
	out := h.pipeline().Execute(context.Background(),
		resolved("t1", "p1", "dev1", `{"messageType":"event","event":"alarm","data":{"level":3}}`))

	require.True(t, out.Success)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, message.KindEvent, out.Messages[0].Kind)
	assert.Equal(t, "alarm", out.Messages[0].Event)
}

func TestDecode_OpaqueFallback(t *testing.T) {
	s := NewDecode(nil, discard())
	pc := resolved("t1", "p1", "dev1", "\x01\x02binary")

	res, err := s.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, res)
	require.Len(t, pc.Messages, 1)
	assert.Equal(t, "\x01\x02binary", pc.Messages[0].Properties["raw"])
	v, _ := pc.Get(AttrOpaque)
	assert.Equal(t, true, v)

	pc = resolved("t1", "p1", "dev1", "\xff\xfe")
	_, err = s.Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, "fffe", pc.Messages[0].Properties["raw"])
}

func TestDecode_NoDecoderStillYieldsMessage(t *testing.T) {
	s := NewDecode(codec.NewRegistry(nil), discard())
	pc := resolved("t1", "p9", "dev1", "plain text")

	_, err := s.Process(context.Background(), pc)
	require.NoError(t, err)
	require.Len(t, pc.Messages, 1)
	assert.Equal(t, "plain text", pc.Messages[0].Properties["raw"])
}

func TestIdentity_AuthBindsLaterFrames(t *testing.T) {
	h := newHarness()
	p := h.pipeline()

	auth := pipeline.NewContext(transport.Frame{TenantID: "t2", Address: "/ws",
		Payload: []byte(`{"type":"auth","deviceId":"d9","productKey":"p1","deviceSecret":"s"}`)})
	out := p.Execute(context.Background(), auth)
	assert.True(t, out.Success)
	assert.Equal(t, pipeline.Stop, out.Result)
	assert.Equal(t, "identity", out.Stage)
	assert.Empty(t, h.sink.Messages())

	data := pipeline.NewContext(transport.Frame{TenantID: "t2", Address: "/ws", Payload: []byte(`{"hum":40}`)})
	out = p.Execute(context.Background(), data)
	require.True(t, out.Success, "%v", out.Err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "d9", out.Messages[0].DeviceID)

	identity := NewIdentity(func(string) (*config.TenantConfig, bool) { return nil, false }, discard())
	identity.bindings[bindingKey("t2", "/ws")] = binding{"p1", "d9"}
	identity.Forget("t2")
	assert.Empty(t, identity.bindings)
}

func TestIdentity_AuthOnResolvedAddressNeverPublished(t *testing.T) {
	h := newHarness()
	pc := resolved("t1", "p1", "dev1", `{"type":"auth","deviceId":"d9","productKey":"p1","deviceSecret":"s3cret"}`)

	out := h.pipeline().Execute(context.Background(), pc)
	assert.True(t, out.Success)
	assert.Equal(t, pipeline.Stop, out.Result)
	assert.Equal(t, "identity", out.Stage)
	assert.Empty(t, h.sink.Messages())
}

func TestIdentity_ResolvedDataFrameSkipsStage(t *testing.T) {
	s := NewIdentity(func(string) (*config.TenantConfig, bool) { return nil, false }, discard())
	assert.False(t, s.Supports(resolved("t1", "p1", "dev1", `{"temp":1}`)))
	assert.False(t, s.Supports(resolved("t1", "p1", "dev1", `{"note":"auth"}`)))
	assert.True(t, s.Supports(resolved("t1", "p1", "dev1", `{"type": "auth"}`)))
}

func TestIdentity_IncompleteAuthFails(t *testing.T) {
	h := newHarness()
	pc := pipeline.NewContext(transport.Frame{TenantID: "t2", Address: "/ws", Payload: []byte(`{"type":"auth","deviceId":"d9"}`)})
	out := h.pipeline().Execute(context.Background(), pc)
	assert.False(t, out.Success)
	assert.Equal(t, "identity", out.Stage)
}

func TestIdentity_UnidentifiedFrameIsRoutingError(t *testing.T) {
	h := newHarness()
	pc := pipeline.NewContext(transport.Frame{TenantID: "t2", Address: "/raw", Payload: []byte(`{}`)})
	out := h.pipeline().Execute(context.Background(), pc)
	assert.False(t, out.Success)
	assert.True(t, gwerrors.Is(out.Err, gwerrors.ErrRouting))

	// Tenant default product but no device id
	pc = pipeline.NewContext(transport.Frame{TenantID: "t1", Address: "/raw", Payload: []byte(`{}`)})
	out = h.pipeline().Execute(context.Background(), pc)
	assert.False(t, out.Success)
	assert.True(t, gwerrors.Is(out.Err, gwerrors.ErrRouting))
}

func TestHydrate_UnknownDeviceWithoutAutoRegisterStops(t *testing.T) {
	h := newHarness()
	out := h.pipeline().Execute(context.Background(), resolved("t1", "locked", "dev1", `{"temp":1}`))

	assert.True(t, out.Success)
	assert.Equal(t, pipeline.Stop, out.Result)
	assert.Equal(t, "hydrate", out.Stage)
	assert.Empty(t, out.Messages)
	assert.Empty(t, h.sink.Messages())
}

func TestHydrate_UnknownProductStops(t *testing.T) {
	h := newHarness()
	out := h.pipeline().Execute(context.Background(), resolved("t1", "nope", "dev1", `{}`))
	assert.True(t, out.Success)
	assert.Equal(t, "hydrate", out.Stage)
}

func TestHydrate_RegisteredDeviceNeverVisibleFails(t *testing.T) {
	h := newHarness()
	h.dir.hideNew = true

	out := h.pipeline().Execute(context.Background(), resolved("t1", "p1", "dev1", `{}`))
	assert.False(t, out.Success)
	assert.Equal(t, "hydrate", out.Stage)
	assert.Empty(t, h.sink.Messages())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesProcessed.WithLabelValues("t1", "failure")))
}

func TestOnline_MarksOncePerWindow(t *testing.T) {
	h := newHarness()
	p := h.pipeline()

	for i := 0; i < 3; i++ {
		out := p.Execute(context.Background(), resolved("t1", "p1", "dev1", `{"temp":1}`))
		require.True(t, out.Success)
	}
	assert.EqualValues(t, 1, h.dir.marks.Load())

	dev, err := h.dir.MemoryDirectory.GetDevice(context.Background(), "p1", "dev1")
	require.NoError(t, err)
	assert.True(t, dev.Online)
}

func TestOnline_FailureContinues(t *testing.T) {
	h := newHarness()
	h.dir.markFail = errors.New("directory down")

	out := h.pipeline().Execute(context.Background(), resolved("t1", "p1", "dev1", `{"temp":1}`))
	assert.True(t, out.Success)
	assert.Len(t, h.sink.Messages(), 1)
}

func TestRules_ErrorMeansNoFiltering(t *testing.T) {
	h := newHarness()
	h.engine = rules.EngineFunc(func(context.Context, []message.Message) ([]message.Message, error) {
		return nil, errors.New("engine unavailable")
	})

	out := h.pipeline().Execute(context.Background(), resolved("t1", "p1", "dev1", `{"temp":1}`))
	assert.True(t, out.Success)
	assert.Len(t, h.sink.Messages(), 1)
}

func TestRules_FilterAllStops(t *testing.T) {
	h := newHarness()
	f, err := rules.NewFieldFilter(rules.Rule{Name: "needs-hum", Conditions: []rules.Condition{{Property: "hum", Op: rules.OpExists}}})
	require.NoError(t, err)
	h.engine = f

	out := h.pipeline().Execute(context.Background(), resolved("t1", "p1", "dev1", `{"temp":1}`))
	assert.True(t, out.Success)
	assert.Equal(t, pipeline.Stop, out.Result)
	assert.Equal(t, "rules", out.Stage)
	assert.Empty(t, h.sink.Messages())
}

func TestPublish_SinkFailureFailsFrame(t *testing.T) {
	h := newHarness()
	h.sink.FailWith(errors.New("broker gone"))

	out := h.pipeline().Execute(context.Background(), resolved("t1", "p1", "dev1", `{"temp":1}`))
	assert.False(t, out.Success)
	assert.Equal(t, "publish", out.Stage)
	assert.True(t, gwerrors.Is(out.Err, gwerrors.ErrDownstream))
}

func TestRuleStagePanic_IsolatedToFrame(t *testing.T) {
	h := newHarness()
	h.engine = rules.EngineFunc(func(_ context.Context, msgs []message.Message) ([]message.Message, error) {
		if msgs[0].TenantID == "t1" {
			panic("rule script crashed")
		}
		return msgs, nil
	})
	h.tenants["t2"] = &config.TenantConfig{ID: "t2", ProductKey: "p1"}
	metricsStage := NewMetrics(h.metrics)

	descriptors := Default(Deps{
		Tenants: func(id string) (*config.TenantConfig, bool) {
			c, ok := h.tenants[id]
			return c, ok
		},
		Directory: h.dir,
		Codec:     h.codecs,
		Rules:     h.engine,
		Sink:      h.sink,
	})
	descriptors[len(descriptors)-1].Stage = metricsStage
	p := pipeline.New(descriptors)

	var wg sync.WaitGroup
	outcomes := make([]pipeline.Outcome, 2)
	for i, tenant := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(i int, tenant string) {
			defer wg.Done()
			outcomes[i] = p.Execute(context.Background(), resolved(tenant, "p1", "dev-"+tenant, `{"temp":21}`))
		}(i, tenant)
	}
	wg.Wait()

	assert.False(t, outcomes[0].Success)
	assert.Equal(t, "rules", outcomes[0].Stage)
	assert.Contains(t, outcomes[0].Err.Error(), "rule script crashed")

	assert.True(t, outcomes[1].Success)
	require.Len(t, h.sink.Messages(), 1)
	assert.Equal(t, "t2", h.sink.Messages()[0].TenantID)

	succeeded, failed := metricsStage.Counts()
	assert.EqualValues(t, 1, succeeded)
	assert.EqualValues(t, 1, failed)
}
