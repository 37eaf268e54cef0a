package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/protogate/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"})
	require.NoError(t, registry.RegisterCounter("svc", "test_counter", counter))
	counter.Inc()

	assert.True(t, gatheredNames(t, registry)["test_counter"])
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "dup_gauge", gauge))

	err := registry.RegisterGauge("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector under a different key collides inside prometheus.
	err = registry.RegisterGauge("other", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gone_total", Help: "x"}, []string{"k"})
	require.NoError(t, registry.RegisterCounterVec("svc", "gone_total", vec))
	vec.WithLabelValues("a").Inc()

	assert.True(t, registry.Unregister("svc", "gone_total"))
	assert.False(t, registry.Unregister("svc", "gone_total"))
	assert.False(t, gatheredNames(t, registry)["gone_total"])
}

func TestCoreMetrics_Recorders(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordTenantStatus("net-1", 2)
	m.RecordConnectAttempt("net-1", "failure")
	m.RecordConnectAttempt("net-1", "failure")
	m.RecordFrameProcessed("net-1", false, 3*time.Millisecond)
	m.RecordPublished("nats", 4)
	m.CacheConflicts.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TenantStatus.WithLabelValues("net-1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("net-1", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesProcessed.WithLabelValues("net-1", "failure")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheConflicts))

	m.ForgetTenant("net-1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.TenantStatus))
}

func TestCoreMetrics_PipelineHistogram(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()
	m.RecordFrameProcessed("net-1", true, 2*time.Millisecond)
	m.RecordFrameProcessed("net-1", true, 40*time.Millisecond)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	hist := byName["protogate_pipeline_duration_seconds"]
	require.NotNil(t, hist)
	require.Equal(t, dto.MetricType_HISTOGRAM, hist.GetType())
	require.Len(t, hist.GetMetric(), 1)

	h := hist.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 0.042, h.GetSampleSum(), 1e-9)
	assert.Equal(t, "tenant", hist.GetMetric()[0].GetLabel()[0].GetName())
}

func TestHandler_ServesExposition(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordFrameReceived("net-1")

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `protogate_frames_received_total{tenant="net-1"} 1`)
}
