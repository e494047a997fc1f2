// Package metrics provides Prometheus metrics for the signal relay
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。
// 同时维护一份进程内计数副本，供管理接口 Snapshot 直接读取。
type Monitor struct {
	registry *prometheus.Registry

	// 管道指标
	messagesProcessed prometheus.Counter
	messagesSent      prometheus.Counter
	batchesFlushed    prometheus.Counter
	messagesDropped   *prometheus.CounterVec
	parseRejects      prometheus.Counter

	// 触发指标
	triggersFired *prometheus.CounterVec
	handlerErrors prometheus.Counter

	// 连接指标
	activeConnections prometheus.Gauge

	// 批量指标
	lastBatchSize *prometheus.GaugeVec

	// 信号处理耗时
	processingSeconds prometheus.Histogram

	// snapshot 副本
	procCount    atomic.Int64
	sentCount    atomic.Int64
	batchCount   atomic.Int64
	dropCount    atomic.Int64
	connCount    atomic.Int64
	lastProcMs   atomic.Int64
	mu           sync.RWMutex
	lastBatchMap map[string]int
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "relay",
		Subsystem: "pipeline",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Monitor{
		registry:     reg,
		lastBatchMap: make(map[string]int),

		messagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "messages_processed_total",
			Help:      "上游消息处理总数",
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "messages_sent_total",
			Help:      "出站消息总数",
		}),
		batchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "batches_flushed_total",
			Help:      "批次刷出总数",
		}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "messages_dropped_total",
			Help:      "丢弃消息总数（按阶段）",
		}, []string{"stage"}),
		parseRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "parse_rejects_total",
			Help:      "上游消息解析失败总数",
		}),
		triggersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "triggers_fired_total",
			Help:      "触发事件总数（按类型）",
		}, []string{"kind"}),
		handlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "handler_errors_total",
			Help:      "订阅处理器异常总数",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "active_connections",
			Help:      "当前活跃订阅连接数",
		}),
		lastBatchSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "last_batch_size",
			Help:      "各通道最近一次批次大小",
		}, []string{"channel"}),
		processingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "signal_processing_seconds",
			Help:      "信号生成耗时",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	return m
}

// Registry 暴露给 promhttp。
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回该 Monitor 专属的 /metrics 处理器。
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve 启动Prometheus指标服务器
func (m *Monitor) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}

// MessageProcessed 上游消息完成一次状态更新。
func (m *Monitor) MessageProcessed() {
	m.messagesProcessed.Inc()
	m.procCount.Add(1)
}

// ParseRejected 上游消息字段非法被拒。
func (m *Monitor) ParseRejected() {
	m.parseRejects.Inc()
	m.dropCount.Add(1)
	m.messagesDropped.WithLabelValues("parse").Inc()
}

// TriggerFired 触发事件产生。
func (m *Monitor) TriggerFired(kind string) {
	m.triggersFired.WithLabelValues(kind).Inc()
}

// HandlerError 订阅处理器异常。
func (m *Monitor) HandlerError(topic, subscriber string) {
	m.handlerErrors.Inc()
}

// BusDropped 总线订阅队列满丢弃。
func (m *Monitor) BusDropped(topic, subscriber string) {
	m.messagesDropped.WithLabelValues("bus").Inc()
	m.dropCount.Add(1)
}

// ConnectionOpened / ConnectionClosed 维护活跃连接数。
func (m *Monitor) ConnectionOpened() {
	m.activeConnections.Inc()
	m.connCount.Add(1)
}

func (m *Monitor) ConnectionClosed() {
	m.activeConnections.Dec()
	m.connCount.Add(-1)
}

// ObserveProcessing 记录一次信号生成耗时。
func (m *Monitor) ObserveProcessing(seconds float64) {
	m.processingSeconds.Observe(seconds)
	m.lastProcMs.Store(int64(seconds * 1000))
}

// 以下四个方法实现 dispatch.Recorder。

func (m *Monitor) MessageEnqueued(channel string) {}

func (m *Monitor) MessageDropped(channel, reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
	m.dropCount.Add(1)
}

func (m *Monitor) BatchFlushed(channel string, size int) {
	m.batchesFlushed.Inc()
	m.batchCount.Add(1)
	m.lastBatchSize.WithLabelValues(channel).Set(float64(size))
	m.mu.Lock()
	m.lastBatchMap[channel] = size
	m.mu.Unlock()
}

func (m *Monitor) MessagesSent(channel string, n int) {
	m.messagesSent.Add(float64(n))
	m.sentCount.Add(int64(n))
}

// Snapshot 管理接口用的指标视图。
type SnapshotView struct {
	MessagesProcessed int64          `json:"messages_processed"`
	MessagesSent      int64          `json:"messages_sent"`
	MessagesBatched   int64          `json:"messages_batched"`
	MessagesDropped   int64          `json:"messages_dropped"`
	ActiveConnections int64          `json:"active_connections"`
	LastBatchSize     map[string]int `json:"last_batch_size"`
	ProcessingTimeMs  int64          `json:"processing_time_ms"`
}

// Snapshot 返回当前计数的一致副本。
func (m *Monitor) Snapshot() SnapshotView {
	m.mu.RLock()
	batches := make(map[string]int, len(m.lastBatchMap))
	for k, v := range m.lastBatchMap {
		batches[k] = v
	}
	m.mu.RUnlock()

	return SnapshotView{
		MessagesProcessed: m.procCount.Load(),
		MessagesSent:      m.sentCount.Load(),
		MessagesBatched:   m.batchCount.Load(),
		MessagesDropped:   m.dropCount.Load(),
		ActiveConnections: m.connCount.Load(),
		LastBatchSize:     batches,
		ProcessingTimeMs:  m.lastProcMs.Load(),
	}
}
