package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "protogate"

// Metrics contains the gateway-wide metrics shared by the lifecycle manager,
// the resolution cache and the pipeline.
type Metrics struct {
	TenantStatus      *prometheus.GaugeVec
	ConnectAttempts   *prometheus.CounterVec
	ReconnectsTotal   *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	FramesProcessed   *prometheus.CounterVec
	PipelineDuration  *prometheus.HistogramVec
	StageErrors       *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	CacheEntries      prometheus.Gauge
	CacheConflicts    prometheus.Counter
}

// NewMetrics creates the core gateway metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		TenantStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "status",
			Help:      "Tenant connection status (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=stopped)",
		}, []string{"tenant"}),

		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by outcome",
		}, []string{"tenant", "result"}),

		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled",
		}, []string{"tenant"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Inbound frames received from transports",
		}, []string{"tenant"}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Inbound frames dropped before the pipeline",
		}, []string{"tenant", "reason"}),

		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "processed_total",
			Help:      "Frames that completed the pipeline",
		}, []string{"tenant", "result"}),

		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Pipeline latency per frame",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"tenant"}),

		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_errors_total",
			Help:      "Errors raised by pipeline stages",
		}, []string{"stage"}),

		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Canonical messages handed to sinks",
		}, []string{"sink"}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "category_entries",
			Help:      "Product key to category entries held",
		}),

		CacheConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "category_conflicts_total",
			Help:      "Category mappings ignored because another tenant registered the product key first",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TenantStatus,
		m.ConnectAttempts,
		m.ReconnectsTotal,
		m.FramesReceived,
		m.FramesDropped,
		m.FramesProcessed,
		m.PipelineDuration,
		m.StageErrors,
		m.MessagesPublished,
		m.CacheEntries,
		m.CacheConflicts,
	}
}

// RecordTenantStatus sets the status gauge for a tenant
func (m *Metrics) RecordTenantStatus(tenant string, status int) {
	m.TenantStatus.WithLabelValues(tenant).Set(float64(status))
}

// ForgetTenant drops per-tenant series after a tenant is removed
func (m *Metrics) ForgetTenant(tenant string) {
	m.TenantStatus.DeleteLabelValues(tenant)
}

// RecordConnectAttempt counts a connect outcome ("success" or "failure")
func (m *Metrics) RecordConnectAttempt(tenant, result string) {
	m.ConnectAttempts.WithLabelValues(tenant, result).Inc()
}

// RecordReconnectScheduled counts a scheduled reconnect
func (m *Metrics) RecordReconnectScheduled(tenant string) {
	m.ReconnectsTotal.WithLabelValues(tenant).Inc()
}

// RecordFrameReceived counts an inbound frame
func (m *Metrics) RecordFrameReceived(tenant string) {
	m.FramesReceived.WithLabelValues(tenant).Inc()
}

// RecordFrameDropped counts a frame discarded before processing
func (m *Metrics) RecordFrameDropped(tenant, reason string) {
	m.FramesDropped.WithLabelValues(tenant, reason).Inc()
}

// RecordFrameProcessed counts a finished frame and observes its latency
func (m *Metrics) RecordFrameProcessed(tenant string, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.FramesProcessed.WithLabelValues(tenant, result).Inc()
	m.PipelineDuration.WithLabelValues(tenant).Observe(d.Seconds())
}

// RecordStageError counts a stage failure
func (m *Metrics) RecordStageError(stage string) {
	m.StageErrors.WithLabelValues(stage).Inc()
}

// RecordPublished counts messages handed to a sink
func (m *Metrics) RecordPublished(sink string, n int) {
	m.MessagesPublished.WithLabelValues(sink).Add(float64(n))
}
