// Package metrics exposes Prometheus collectors for the prefetch cache. A nil
// *Registry is valid and records nothing, so callers never need to branch on
// whether metrics are enabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "media_prefetch"

// 预取结果标签。
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Registry 汇总缓存与预取相关的指标。
type Registry struct {
	reg *prometheus.Registry

	cacheWrites     prometheus.Counter
	cacheWriteBytes prometheus.Counter
	evictions       prometheus.Counter
	evictedBytes    prometheus.Counter
	resident        prometheus.Gauge
	capacity        prometheus.Gauge

	prefetches      *prometheus.CounterVec
	prefetchBytes   prometheus.Counter
	queueRejections prometheus.Counter
}

// New 创建独立的 Prometheus registry，并注册进程与 Go runtime 指标。
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		cacheWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache write calls that stored at least one new byte",
		}),
		cacheWriteBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_bytes_total",
			Help:      "Bytes newly stored in the cache",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_spans_total",
			Help:      "Spans removed by LRU eviction or explicit removal",
		}),
		evictedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes removed by LRU eviction or explicit removal",
		}),
		resident: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_resident_bytes",
			Help:      "Bytes currently resident in the cache",
		}),
		capacity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_capacity_bytes",
			Help:      "Capacity of the live cache instance",
		}),
		prefetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_tasks_total",
			Help:      "Finished prefetch tasks by outcome",
		}, []string{"outcome"}),
		prefetchBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_bytes_total",
			Help:      "Bytes downloaded by prefetch workers",
		}),
		queueRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_queue_rejections_total",
			Help:      "Prefetch requests dropped because the queue was full",
		}),
	}
}

// ObserveWrite 实现 cache.Observer。
func (r *Registry) ObserveWrite(bytes int64) {
	if r == nil {
		return
	}
	r.cacheWrites.Inc()
	r.cacheWriteBytes.Add(float64(bytes))
}

// ObserveEviction 实现 cache.Observer。
func (r *Registry) ObserveEviction(spans int, bytes int64) {
	if r == nil {
		return
	}
	r.evictions.Add(float64(spans))
	r.evictedBytes.Add(float64(bytes))
}

// ObserveResident 实现 cache.Observer。
func (r *Registry) ObserveResident(resident, capacity int64) {
	if r == nil {
		return
	}
	r.resident.Set(float64(resident))
	r.capacity.Set(float64(capacity))
}

// ObservePrefetch 记录一次预取任务的结果与下载字节数。
func (r *Registry) ObservePrefetch(outcome string, bytes int64) {
	if r == nil {
		return
	}
	r.prefetches.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		r.prefetchBytes.Add(float64(bytes))
	}
}

// ObserveQueueRejection 记录因队列已满被丢弃的请求。
func (r *Registry) ObserveQueueRejection() {
	if r == nil {
		return
	}
	r.queueRejections.Inc()
}

// Handler 返回 /-/metrics 使用的 HTTP handler；nil Registry 返回 404。
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
