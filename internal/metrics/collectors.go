// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 信道模拟器
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Channel 收集器
// =============================================================================

// ChannelStats 信道模拟器统计数据接口
type ChannelStats interface {
	GetDirectionStats() []DirectionStatData
	GetLossProbability() float64
	GetCorruptionProbability() float64
	GetReceiveLossProbability() float64
}

// DirectionStatData 单方向统计数据
type DirectionStatData struct {
	Direction string
	Passed    uint64
	Dropped   uint64
	Corrupted uint64
}

// ChannelCollector 信道指标收集器
type ChannelCollector struct {
	statsProvider ChannelStats

	passedDesc    *prometheus.Desc
	droppedDesc   *prometheus.Desc
	corruptedDesc *prometheus.Desc

	lossProbDesc        *prometheus.Desc
	corruptionProbDesc  *prometheus.Desc
	receiveLossProbDesc *prometheus.Desc
}

// NewChannelCollector 创建信道收集器
func NewChannelCollector(provider ChannelStats) *ChannelCollector {
	subsystem := "channel"

	return &ChannelCollector{
		statsProvider: provider,

		passedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "datagrams_passed_total"),
			"Datagrams passed through unchanged",
			[]string{"direction"}, nil,
		),
		droppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "datagrams_dropped_total"),
			"Datagrams dropped by the emulator",
			[]string{"direction"}, nil,
		),
		corruptedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "datagrams_corrupted_total"),
			"Datagrams corrupted by the emulator",
			[]string{"direction"}, nil,
		),

		lossProbDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "loss_probability"),
			"Configured outbound loss probability",
			nil, nil,
		),
		corruptionProbDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "corruption_probability"),
			"Configured outbound corruption probability",
			nil, nil,
		),
		receiveLossProbDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "receive_loss_probability"),
			"Configured inbound loss probability",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *ChannelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.passedDesc
	ch <- c.droppedDesc
	ch <- c.corruptedDesc
	ch <- c.lossProbDesc
	ch <- c.corruptionProbDesc
	ch <- c.receiveLossProbDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *ChannelCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.statsProvider.GetDirectionStats() {
		ch <- prometheus.MustNewConstMetric(c.passedDesc, prometheus.CounterValue,
			float64(s.Passed), s.Direction)
		ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue,
			float64(s.Dropped), s.Direction)
		ch <- prometheus.MustNewConstMetric(c.corruptedDesc, prometheus.CounterValue,
			float64(s.Corrupted), s.Direction)
	}

	ch <- prometheus.MustNewConstMetric(c.lossProbDesc, prometheus.GaugeValue,
		c.statsProvider.GetLossProbability())
	ch <- prometheus.MustNewConstMetric(c.corruptionProbDesc, prometheus.GaugeValue,
		c.statsProvider.GetCorruptionProbability())
	ch <- prometheus.MustNewConstMetric(c.receiveLossProbDesc, prometheus.GaugeValue,
		c.statsProvider.GetReceiveLossProbability())
}
