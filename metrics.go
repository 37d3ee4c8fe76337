package gamebus

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics 总线指标。注册到注入的 Registerer；
// 周期上报由 bus 的维护调度器驱动（monitoring.metricsInterval）。
type metrics struct {
	published  *prometheus.CounterVec
	failures   *prometheus.CounterVec
	retries    *prometheus.CounterVec
	cancels    *prometheus.CounterVec
	dedupSkips *prometheus.CounterVec
	bridgeIn   prometheus.Counter
	bridgeOut  prometheus.Counter
	bridgeDrop prometheus.Counter
	queueDepth prometheus.Gauge
	subs       prometheus.GaugeFunc
	conns      prometheus.GaugeFunc
	latency    prometheus.Histogram

	// 窗口累计值，供周期报告计算速率与错误率。
	winPublished atomic.Int64
	winErrors    atomic.Int64
}

func newMetrics(reg prometheus.Registerer, namespace string, subCount func() int, connCount func() int) *metrics {
	if namespace == "" {
		namespace = "gamebus"
	}
	m := &metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total", Help: "Events accepted by the publish pipeline.",
		}, []string{"category"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_failures_total", Help: "Handler invocations that returned an error or panicked.",
		}, []string{"category"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_retries_total", Help: "Scheduled delivery retries.",
		}, []string{"category"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_cancelled_total", Help: "Retry loops halted by unsubscribe.",
		}, []string{"category"}),
		dedupSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dedup_skips_total", Help: "Exactly-once deliveries skipped by the dedup window.",
		}, []string{"category"}),
		bridgeIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_inbound_total", Help: "Events received from the broker.",
		}),
		bridgeOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_outbound_total", Help: "Events forwarded to the broker.",
		}),
		bridgeDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_dropped_total", Help: "Cross-process publishes rejected by the full outbound queue.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bridge_queue_depth", Help: "Pending events in the bridge outbound queue.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "publish_duration_seconds", Help: "End-to-end publish latency including local delivery.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	m.subs = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "active_subscriptions", Help: "Active subscriptions in the registry.",
	}, func() float64 { return float64(subCount()) })
	m.conns = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "active_connections", Help: "Open client connections.",
	}, func() float64 { return float64(connCount()) })
	if reg != nil {
		reg.MustRegister(m.published, m.failures, m.retries, m.cancels, m.dedupSkips,
			m.bridgeIn, m.bridgeOut, m.bridgeDrop, m.queueDepth, m.subs, m.conns, m.latency)
	}
	return m
}

func (m *metrics) eventPublished(c Category) {
	m.published.WithLabelValues(string(c)).Inc()
	m.winPublished.Add(1)
}

func (m *metrics) handlerFailure(c Category) {
	m.failures.WithLabelValues(string(c)).Inc()
	m.winErrors.Add(1)
}

func (m *metrics) retryScheduled(c Category)  { m.retries.WithLabelValues(string(c)).Inc() }
func (m *metrics) retryCancelled(c Category)  { m.cancels.WithLabelValues(string(c)).Inc() }
func (m *metrics) dedupSkip(c Category)       { m.dedupSkips.WithLabelValues(string(c)).Inc() }
func (m *metrics) inbound()                   { m.bridgeIn.Inc() }
func (m *metrics) outbound(n int)             { m.bridgeOut.Add(float64(n)) }
func (m *metrics) dropped()                   { m.bridgeDrop.Inc(); m.winErrors.Add(1) }
func (m *metrics) setQueueDepth(n int)        { m.queueDepth.Set(float64(n)) }
func (m *metrics) observeLatency(sec float64) { m.latency.Observe(sec) }

// report 输出一个统计窗口并复位窗口计数；错误率超阈值时告警。
func (m *metrics) report(ctx context.Context, logger Logger, intervalSec float64, alertErrorRate float64) {
	pub := m.winPublished.Swap(0)
	errs := m.winErrors.Swap(0)
	rate := 0.0
	if pub > 0 {
		rate = float64(errs) / float64(pub)
	}
	logger.Info(ctx, "bus stats",
		"events_per_sec", float64(pub)/intervalSec,
		"errors", errs,
		"error_rate", rate,
	)
	if alertErrorRate > 0 && rate >= alertErrorRate {
		logger.Error(ctx, "error rate above threshold", "error_rate", rate, "threshold", alertErrorRate)
	}
}
