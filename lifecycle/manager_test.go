package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/protogate/config"
	gwerrors "github.com/c360/protogate/errors"
	"github.com/c360/protogate/health"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/pkg/scheduler"
	"github.com/c360/protogate/registry"
	"github.com/c360/protogate/topiccache"
	"github.com/c360/protogate/transport"
	"github.com/c360/protogate/transport/transporttest"
)

type harness struct {
	m       *Manager
	source  *config.MemorySource
	dialer  *transporttest.Dialer
	clock   *scheduler.ManualClock
	metrics *metric.Metrics
	monitor *health.Monitor
	frames  chan transport.Frame
}

func mqttTenant(id string) *config.TenantConfig {
	return &config.TenantConfig{
		ID:         id,
		Transport:  config.TransportMQTT,
		Endpoints:  []string{"tcp://broker:1883"},
		ProductKey: "p1",
		Enabled:    true,
		Subscriptions: []config.Subscription{
			{Address: "/v1/p1/+", ProductKey: "p1", Category: topiccache.CategoryThingModel, Enabled: true},
		},
	}
}

func newHarness(t *testing.T, configs ...*config.TenantConfig) *harness {
	t.Helper()

	h := &harness{
		source:  config.NewMemorySource(configs...),
		dialer:  transporttest.NewDialer(),
		clock:   scheduler.NewManualClock(),
		metrics: metric.NewMetrics(),
		monitor: health.NewMonitor(),
		frames:  make(chan transport.Frame, 16),
	}
	dialers := transport.NewRegistry()
	dialers.Register(config.TransportMQTT, h.dialer)
	dialers.Register(config.TransportTCP, h.dialer)

	h.m = New(h.source, dialers, registry.New(),
		WithClock(h.clock),
		WithMetrics(h.metrics),
		WithHealthMonitor(h.monitor),
		WithStartSettle(0),
		WithRestartDelay(0),
		WithFrameHandler(func(f transport.Frame) { h.frames <- f }),
	)
	t.Cleanup(func() {
		_ = h.m.Shutdown(context.Background())
	})
	return h
}

func (h *harness) status(t *testing.T, id string) registry.Status {
	t.Helper()
	st, ok := h.m.State(id)
	require.True(t, ok, "tenant %s not registered", id)
	return st.Status
}

func TestRequestStart_ConnectsAndPopulatesCache(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))

	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))
	assert.Equal(t, registry.StatusConnecting, h.status(t, "net-1"))
	assert.False(t, h.m.IsConnected("net-1"))

	attempt := h.dialer.Last()
	require.NotNil(t, attempt)
	attempt.Succeed()

	assert.True(t, h.m.IsConnected("net-1"))
	assert.Len(t, attempt.Handle.Subscribed(), 1)

	pk, ok := h.m.Cache().ResolveProductKey("net-1", "/v1/p1/dev1")
	require.True(t, ok)
	assert.Equal(t, "p1", pk)

	assert.Equal(t, float64(registry.StatusConnected),
		testutil.ToFloat64(h.metrics.TenantStatus.WithLabelValues("net-1")))
	st, ok := h.monitor.Get("net-1")
	require.True(t, ok)
	assert.True(t, st.IsHealthy())
}

func TestRequestStart_ConfigErrorsAreSynchronous(t *testing.T) {
	disabled := mqttTenant("net-off")
	disabled.Enabled = false
	broken := mqttTenant("net-bad")
	broken.Endpoints = nil

	h := newHarness(t, disabled, broken)

	for _, id := range []string{"missing", "net-off", "net-bad"} {
		err := h.m.RequestStart(context.Background(), id)
		require.Error(t, err, id)
		assert.ErrorIs(t, err, gwerrors.ErrConfiguration, id)
		assert.True(t, gwerrors.IsInvalid(err), id)
	}

	assert.Equal(t, 0, h.dialer.Dials())
	assert.Equal(t, 0, h.clock.Armed(), "config errors never schedule a reconnect")
	assert.Empty(t, h.m.Snapshot())
	assert.Equal(t, int64(3), h.m.Statistics().ConfigErrors)
}

func TestRequestStart_UnregisteredTransportIsConfigError(t *testing.T) {
	cfg := mqttTenant("net-ws")
	cfg.Transport = config.TransportWebSocket
	h := newHarness(t, cfg)

	err := h.m.RequestStart(context.Background(), "net-ws")
	assert.ErrorIs(t, err, gwerrors.ErrConfiguration)
	assert.Equal(t, 0, h.dialer.Dials())
}

func TestReconnect_BackoffThenSuccessClearsBookkeeping(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))

	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, delay := range expected {
		h.dialer.Last().Fail(errors.New("connection refused"))

		assert.Equal(t, registry.StatusReconnecting, h.status(t, "net-1"))
		require.Equal(t, []time.Duration{delay}, h.clock.Delays(), "attempt %d", i+1)

		h.clock.Advance(delay)
		assert.Equal(t, i+2, h.dialer.Dials())
	}

	h.dialer.Last().Succeed()

	st, ok := h.m.State("net-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusConnected, st.Status)
	assert.Equal(t, 0, st.Failures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 0, h.clock.Armed())
	assert.Equal(t, 0, h.m.Statistics().PendingReconnects)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.ReconnectsTotal.WithLabelValues("net-1")))
}

func TestReconnect_DelayIsCapped(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		h.dialer.Last().Fail(nil)
		d := h.clock.Delays()
		require.Len(t, d, 1)
		delays = append(delays, d[0])
		h.clock.Advance(d[0])
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, delays)
}

func TestReconnect_ExhaustionLeavesTenantDisconnected(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))

	for i := 0; i < 15; i++ {
		h.dialer.Last().Fail(nil)
		d := h.clock.Delays()
		require.Len(t, d, 1, "reconnect %d should be scheduled", i+1)
		h.clock.Advance(d[0])
	}
	require.Equal(t, 16, h.dialer.Dials())

	h.dialer.Last().Fail(nil)

	assert.Equal(t, registry.StatusDisconnected, h.status(t, "net-1"))
	assert.Equal(t, 0, h.clock.Armed(), "no timer after exhaustion")
	assert.Equal(t, int64(1), h.m.Statistics().Exhausted)

	st, ok := h.monitor.Get("net-1")
	require.True(t, ok)
	assert.True(t, st.IsUnhealthy())
}

func TestStop_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))
	h.dialer.Last().Fail(nil)
	require.Equal(t, 1, h.clock.Armed())

	require.NoError(t, h.m.Stop("net-1"))
	assert.Equal(t, 0, h.clock.Armed())

	_, ok := h.m.State("net-1")
	assert.False(t, ok)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.Dials(), "cancelled timer must not dial")

	require.NoError(t, h.m.Stop("net-1"), "stop is idempotent")
}

func TestStop_ClosesHandleAndPurgesCache(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))
	attempt := h.dialer.Last()
	attempt.Succeed()

	changes, cancel := h.m.Subscribe(8)
	defer cancel()

	require.NoError(t, h.m.Stop("net-1"))

	assert.Equal(t, 1, attempt.Handle.Closes())
	assert.False(t, h.m.IsConnected("net-1"))
	assert.False(t, h.m.Cache().HasTenant("net-1"))
	_, ok := h.m.Cache().CategoryForProduct("p1")
	assert.False(t, ok)

	select {
	case c := <-changes:
		assert.Equal(t, registry.StatusStopped, c.To)
	default:
		t.Fatal("expected a STOPPED change")
	}
}

func TestStopThenStart_LateCallbacksAreDiscarded(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	ctx := context.Background()

	require.NoError(t, h.m.RequestStart(ctx, "net-1"))
	first := h.dialer.Last()
	require.NoError(t, h.m.Stop("net-1"))
	require.NoError(t, h.m.RequestStart(ctx, "net-1"))
	second := h.dialer.Last()

	// The abandoned attempt completes late.
	first.Succeed()
	assert.Equal(t, 1, first.Handle.Closes(), "stale handle must be closed")
	assert.False(t, h.m.IsConnected("net-1"))

	first.Fail(nil)
	assert.Equal(t, 0, h.clock.Armed(), "stale failure must not schedule a reconnect")

	second.Succeed()
	assert.True(t, h.m.IsConnected("net-1"))
	assert.Equal(t, 0, h.clock.Armed())
}

func TestRequestStart_ConcurrentYieldsOneConnection(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	h.dialer.AutoResolve(func(*config.TenantConfig) error { return nil })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.m.RequestStart(context.Background(), "net-1")
		}()
	}
	wg.Wait()

	live := 0
	for _, a := range h.dialer.Attempts() {
		if a.Handle.Alive() {
			live++
		}
	}
	assert.LessOrEqual(t, live, 1, "at most one live handle per tenant")

	if h.m.IsConnected("net-1") {
		handle, ok := h.m.Registry().Handle("net-1")
		require.True(t, ok)
		assert.True(t, handle.Alive())
	}
}

func TestRequestStart_ConcurrentKeepsLiveSessionContext(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.m.RequestStart(context.Background(), "net-1")
		}()
	}
	wg.Wait()

	var live []*transporttest.Attempt
	for _, a := range h.dialer.Attempts() {
		if a.Ctx.Err() == nil {
			live = append(live, a)
		}
	}
	require.Len(t, live, 1, "only the winning session keeps its context")

	for _, a := range h.dialer.Attempts() {
		a.Succeed()
	}
	handle, ok := h.m.Registry().Handle("net-1")
	require.True(t, ok)
	assert.Same(t, live[0].Handle, handle)
}

func TestStop_LateConnectLeavesNoState(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))
	attempt := h.dialer.Last()

	require.NoError(t, h.m.Stop("net-1"))
	attempt.Succeed()
	attempt.Fail(errors.New("late"))

	assert.False(t, h.m.Cache().Known("net-1"))
	assert.False(t, h.m.Cache().HasTenant("net-1"))
	assert.Equal(t, 1, attempt.Handle.Closes())
	assert.Equal(t, 0, testutil.CollectAndCount(h.metrics.TenantStatus))
	assert.Equal(t, 0, h.m.Statistics().PendingReconnects)
	assert.Zero(t, h.clock.Armed())
}

func TestConnectionLost_SchedulesReconnect(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))
	attempt := h.dialer.Last()
	attempt.Succeed()

	attempt.Handle.Drop(errors.New("broker went away"))

	st, ok := h.m.State("net-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusReconnecting, st.Status)
	assert.Contains(t, st.LastError, "broker went away")
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.Delays())

	h.clock.Advance(2 * time.Second)
	h.dialer.Last().Succeed()
	assert.True(t, h.m.IsConnected("net-1"))
}

func TestSubscribeFailure_IsTreatedAsConnectFailure(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))

	attempt := h.dialer.Last()
	attempt.Handle.FailSubscribe(errors.New("not authorized"))
	attempt.Succeed()

	assert.Equal(t, registry.StatusReconnecting, h.status(t, "net-1"))
	assert.Equal(t, 1, attempt.Handle.Closes())
	assert.Equal(t, 1, h.clock.Armed())
}

func TestCheckHealth_DeadConnectionReconnects(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"), mqttTenant("net-2"))
	ctx := context.Background()
	require.NoError(t, h.m.RequestStart(ctx, "net-1"))
	a1 := h.dialer.Last()
	a1.Succeed()
	require.NoError(t, h.m.RequestStart(ctx, "net-2"))
	h.dialer.Last().Succeed()

	assert.Equal(t, 0, h.m.CheckHealth())

	a1.Handle.Kill()
	assert.Equal(t, 1, h.m.CheckHealth())

	assert.Equal(t, registry.StatusReconnecting, h.status(t, "net-1"))
	assert.Equal(t, registry.StatusConnected, h.status(t, "net-2"))
	assert.Equal(t, 1, h.clock.Armed())
	assert.Equal(t, int64(2), h.m.Statistics().HealthSweeps)
}

func TestRestart_StopsAndStartsFreshSession(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	ctx := context.Background()
	require.NoError(t, h.m.RequestStart(ctx, "net-1"))
	first := h.dialer.Last()
	first.Succeed()
	before, _ := h.m.State("net-1")

	require.NoError(t, h.m.Restart(ctx, "net-1"))

	assert.Equal(t, 1, first.Handle.Closes())
	after, ok := h.m.State("net-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusConnecting, after.Status)
	assert.Greater(t, after.Session, before.Session)
	assert.Equal(t, 2, h.dialer.Dials())
}

func TestRestart_HonoursContextDuringDelay(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	h.m.restartDelay = time.Hour
	h.m.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.m.Restart(ctx, "net-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.dialer.Dials())
}

func TestSharedConnection_Coverage(t *testing.T) {
	covered := mqttTenant("net-shared")
	covered.SharedConnection = "system-broker"
	h := newHarness(t, covered)

	alive := true
	h.m.RegisterShared("system-broker", func() bool { return alive })

	require.NoError(t, h.m.RequestStart(context.Background(), "net-shared"))
	assert.Equal(t, 0, h.dialer.Dials(), "covered tenants are not dialled")
	assert.True(t, h.m.IsConnected("net-shared"))
	assert.True(t, h.m.Cache().HasTenant("net-shared"))

	alive = false
	assert.False(t, h.m.IsConnected("net-shared"))
	assert.Equal(t, 1, h.m.Statistics().Shared)
}

func TestReloadAll_StartsEnabledTenants(t *testing.T) {
	disabled := mqttTenant("net-off")
	disabled.Enabled = false
	covered := mqttTenant("net-shared")
	covered.SharedConnection = "system-broker"

	h := newHarness(t, mqttTenant("net-1"), mqttTenant("net-2"), disabled, covered)
	h.dialer.AutoResolve(func(*config.TenantConfig) error { return nil })

	require.NoError(t, h.m.ReloadAll(context.Background()))

	assert.True(t, h.m.IsConnected("net-1"))
	assert.True(t, h.m.IsConnected("net-2"))
	_, ok := h.m.State("net-off")
	assert.False(t, ok)
	assert.Equal(t, 2, h.dialer.Dials())

	stats := h.m.Statistics()
	assert.Equal(t, 2, stats.Connected)
	assert.Equal(t, 1, stats.Shared)

	// A second reload tears everything down first.
	require.NoError(t, h.m.ReloadAll(context.Background()))
	assert.Equal(t, 4, h.dialer.Dials())
	for _, a := range h.dialer.Attempts()[:2] {
		assert.Equal(t, 1, a.Handle.Closes())
	}
}

func TestReloadAll_ReportsStartErrors(t *testing.T) {
	bad := mqttTenant("net-bad")
	bad.Transport = config.TransportUDP
	h := newHarness(t, mqttTenant("net-1"), bad)
	h.dialer.AutoResolve(func(*config.TenantConfig) error { return nil })

	err := h.m.ReloadAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerrors.ErrConfiguration)
	assert.True(t, h.m.IsConnected("net-1"), "one failure does not block other tenants")
}

func TestPublish_Downlink(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	ctx := context.Background()

	err := h.m.Publish(ctx, "net-1", "/v1/p1/dev1/down", []byte(`{}`))
	assert.ErrorIs(t, err, gwerrors.ErrNotConnected)

	require.NoError(t, h.m.RequestStart(ctx, "net-1"))
	attempt := h.dialer.Last()
	attempt.Succeed()

	require.NoError(t, h.m.Publish(ctx, "net-1", "/v1/p1/dev1/down", []byte(`{"on":true}`)))
	published := attempt.Handle.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "/v1/p1/dev1/down", published[0].Address)
}

func TestFrames_ForwardedOnlyForLiveSession(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	require.NoError(t, h.m.RequestStart(context.Background(), "net-1"))
	attempt := h.dialer.Last()
	attempt.Succeed()

	attempt.Handle.Deliver("/v1/p1/dev1", []byte(`{"temp":21}`))
	select {
	case f := <-h.frames:
		assert.Equal(t, "net-1", f.TenantID)
		assert.Equal(t, "/v1/p1/dev1", f.Address)
		assert.False(t, f.ReceivedAt.IsZero())
	default:
		t.Fatal("frame not forwarded")
	}

	require.NoError(t, h.m.Stop("net-1"))
	attempt.Handle.Deliver("/v1/p1/dev1", []byte(`{}`))
	assert.Empty(t, h.frames)
}

func TestFollow_AppliesConfigEvents(t *testing.T) {
	h := newHarness(t, mqttTenant("net-1"))
	h.dialer.AutoResolve(func(*config.TenantConfig) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := h.source.Watch(ctx)
	require.NoError(t, err)
	go h.m.Follow(ctx, events)

	h.source.Put(mqttTenant("net-2"))
	require.Eventually(t, func() bool { return h.m.IsConnected("net-2") }, time.Second, 5*time.Millisecond)

	h.source.Delete("net-2")
	require.Eventually(t, func() bool {
		_, ok := h.m.State("net-2")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestStart_TwiceFails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(context.Background()))
	err := h.m.Start(context.Background())
	assert.ErrorIs(t, err, gwerrors.ErrAlreadyStarted)
}
