package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Segments *prometheus.CounterVec   // dir, tier
	Bytes    *prometheus.CounterVec   // dir, tier
	Ops      *prometheus.CounterVec   // op, result
	Duration *prometheus.HistogramVec // op
}

// New 在 reg 上注册全部指标；reg 为 nil 时使用默认注册表。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Segments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediacache",
			Name:      "segments_total",
			Help:      "Segments read or written.",
		}, []string{"dir", "tier"}),
		Bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediacache",
			Name:      "payload_bytes_total",
			Help:      "Raw payload bytes read or written.",
		}, []string{"dir", "tier"}),
		Ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediacache",
			Name:      "operations_total",
			Help:      "Object store operations by result.",
		}, []string{"op", "result"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediacache",
			Name:      "operation_duration_seconds",
			Help:      "Object store operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op"}),
	}
}

func (m *Metrics) Segment(dir, tier string, n int) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues(dir, tier).Inc()
	m.Bytes.WithLabelValues(dir, tier).Add(float64(n))
}

// Observe 记录一次操作；result 由调用方归类（ok / not_found / error ...）。
func (m *Metrics) Observe(op, result string, start time.Time) {
	if m == nil {
		return
	}
	m.Ops.WithLabelValues(op, result).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
