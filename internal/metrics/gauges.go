// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）- 发送/接收引擎
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rdt"

// 标签取值
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"

	ResultOK     = "ok"
	ResultFailed = "failed"

	AckInOrder   = "in_order"
	AckDuplicate = "duplicate"

	DiscardMalformed  = "malformed"
	DiscardCorrupt    = "corrupt"
	DiscardStaleAck   = "stale_ack"
	DiscardFutureAck  = "future_ack"
	DiscardOutOfOrder = "out_of_order"
	DiscardForeign    = "foreign"
	DiscardUnexpected = "unexpected"
)

// RDTMetrics 指标集合
//
// 所有方法对 nil 接收者安全，引擎在未启用监控时传入 nil。
type RDTMetrics struct {
	// 拥塞控制
	CongestionWindow   prometheus.Gauge
	SlowStartThreshold prometheus.Gauge
	InFlight           prometheus.Gauge

	// 延迟与吞吐
	RTT        prometheus.Histogram
	Throughput prometheus.Gauge

	// 重传
	Retransmits prometheus.Counter
	Timeouts    prometheus.Counter

	// 数据
	SegmentsSent      prometheus.Counter
	SegmentsDelivered prometheus.Counter
	BytesAcked        prometheus.Counter
	AcksSent          *prometheus.CounterVec

	// 异常帧
	FramesDiscarded *prometheus.CounterVec

	// 连接
	Handshakes *prometheus.CounterVec
	Teardowns  *prometheus.CounterVec
}

// NewRDTMetrics 创建并注册指标集合
func NewRDTMetrics(registry prometheus.Registerer) *RDTMetrics {
	m := &RDTMetrics{
		CongestionWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "congestion",
			Name:      "window_segments",
			Help:      "Current congestion window in segments",
		}),

		SlowStartThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "congestion",
			Name:      "slow_start_threshold_segments",
			Help:      "Current slow start threshold in segments",
		}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "in_flight_segments",
			Help:      "Segments sent but not yet acknowledged",
		}),

		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "rtt_seconds",
			Help:      "Round-trip time from last transmission to cumulative ACK",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		Throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "throughput_bits_per_second",
			Help:      "Acknowledged payload throughput over the last sampling window",
		}),

		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "retransmits_total",
			Help:      "Total segment retransmissions",
		}),

		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "timeouts_total",
			Help:      "Total retransmission timer expirations",
		}),

		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "segments_sent_total",
			Help:      "Total segments admitted into the window",
		}),

		SegmentsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "segments_delivered_total",
			Help:      "Total segments delivered in order",
		}),

		BytesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "bytes_acked_total",
			Help:      "Total payload bytes cumulatively acknowledged",
		}),

		AcksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "acks_sent_total",
			Help:      "ACKs sent by kind",
		}, []string{"kind"}),

		FramesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_discarded_total",
			Help:      "Frames discarded without changing protocol state",
		}, []string{"role", "reason"}),

		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Open handshakes by role and result",
		}, []string{"role", "result"}),

		Teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Close handshakes by role and result",
		}, []string{"role", "result"}),
	}

	// 注册所有指标
	registry.MustRegister(
		m.CongestionWindow,
		m.SlowStartThreshold,
		m.InFlight,
		m.RTT,
		m.Throughput,
		m.Retransmits,
		m.Timeouts,
		m.SegmentsSent,
		m.SegmentsDelivered,
		m.BytesAcked,
		m.AcksSent,
		m.FramesDiscarded,
		m.Handshakes,
		m.Teardowns,
	)

	return m
}

// UpdateCongestion 更新拥塞控制状态
func (m *RDTMetrics) UpdateCongestion(cwnd float64, ssthresh int, inFlight int) {
	if m == nil {
		return
	}
	m.CongestionWindow.Set(cwnd)
	m.SlowStartThreshold.Set(float64(ssthresh))
	m.InFlight.Set(float64(inFlight))
}

// RecordRTT 记录 RTT 样本
func (m *RDTMetrics) RecordRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.RTT.Observe(rtt.Seconds())
}

// RecordThroughput 记录吞吐量采样
func (m *RDTMetrics) RecordThroughput(bps float64) {
	if m == nil {
		return
	}
	m.Throughput.Set(bps)
}

// RecordTimeout 记录一次超时重传
func (m *RDTMetrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
	m.Retransmits.Inc()
}

// RecordSegmentSent 记录新段发送
func (m *RDTMetrics) RecordSegmentSent() {
	if m == nil {
		return
	}
	m.SegmentsSent.Inc()
}

// RecordAcked 记录累积确认的字节数
func (m *RDTMetrics) RecordAcked(bytes int) {
	if m == nil {
		return
	}
	m.BytesAcked.Add(float64(bytes))
}

// RecordDelivered 记录按序交付
func (m *RDTMetrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.SegmentsDelivered.Inc()
}

// RecordAckSent 记录接收端发出的 ACK
func (m *RDTMetrics) RecordAckSent(kind string) {
	if m == nil {
		return
	}
	m.AcksSent.WithLabelValues(kind).Inc()
}

// RecordDiscard 记录丢弃的帧
func (m *RDTMetrics) RecordDiscard(role, reason string) {
	if m == nil {
		return
	}
	m.FramesDiscarded.WithLabelValues(role, reason).Inc()
}

// RecordHandshake 记录握手结果
func (m *RDTMetrics) RecordHandshake(role, result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(role, result).Inc()
}

// RecordTeardown 记录挥手结果
func (m *RDTMetrics) RecordTeardown(role, result string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(role, result).Inc()
}
