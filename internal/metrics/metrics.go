// Package metrics 定義 Prometheus 指標
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "study_lobby"

// 拒絕原因
const (
	ReasonCapacity        = "capacity"
	ReasonMissingIdentity = "missing_identity"
)

// Metrics 服務指標集合
//
// 每個實例使用自己的 Registry，測試時可以建立多個互不干擾
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec // reason
	Superseded          prometheus.Counter
	InboundMessages     *prometheus.CounterVec // type
	DroppedMessages     prometheus.Counter
	BroadcastDeliveries prometheus.Counter

	JobIterations *prometheus.CounterVec // job, result
	JobsRunning   prometheus.Gauge

	RankUpserts  *prometheus.CounterVec // period
	RankRebuilds prometheus.Counter

	CacheEvictions prometheus.Counter
}

// New 建立並註冊所有指標
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of live real-time sessions.",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Sessions admitted by the connection manager.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connection attempts refused, by reason.",
		}, []string{"reason"}),
		Superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_superseded_total",
			Help:      "Sessions closed because the same identity connected again.",
		}),
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound client messages, by type.",
		}, []string{"type"}),
		DroppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "Outbound messages dropped because a send buffer was full.",
		}),
		BroadcastDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Messages enqueued to sessions by lobby broadcasts.",
		}),
		JobIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_iterations_total",
			Help:      "Background job iterations, by job and result.",
		}, []string{"job", "result"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Supervised units currently running.",
		}),
		RankUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rank_upserts_total",
			Help:      "Rank index upserts applied by rebuilds, by period.",
		}, []string{"period"}),
		RankRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rank_rebuilds_total",
			Help:      "Completed leaderboard rebuilds.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "User-info cache entries removed by expiry sweeps.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionsActive,
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.Superseded,
		m.InboundMessages,
		m.DroppedMessages,
		m.BroadcastDeliveries,
		m.JobIterations,
		m.JobsRunning,
		m.RankUpserts,
		m.RankRebuilds,
		m.CacheEvictions,
	)

	return m
}

// Handler 返回 /metrics 的 HTTP 處理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底層 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
