package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/protogate/metric"
)

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "protogate", Subsystem: "lookaside", Name: "hits_total",
			ConstLabels: labels, Help: "Cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "protogate", Subsystem: "lookaside", Name: "misses_total",
			ConstLabels: labels, Help: "Cache misses",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "protogate", Subsystem: "lookaside", Name: "evictions_total",
			ConstLabels: labels, Help: "Entries evicted by size or expiry",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "protogate", Subsystem: "lookaside", Name: "size",
			ConstLabels: labels, Help: "Current number of entries",
		}),
	}

	if err := registry.RegisterCounter(prefix, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}
