// =============================================================================
// 文件: internal/congestion/bandwidth.go
// 描述: 吞吐量测量 - 已确认字节按不短于采样周期的窗口折算为 bit/s
// =============================================================================
package congestion

import (
	"time"
)

// DefaultThroughputPeriod 吞吐量采样周期
const DefaultThroughputPeriod = time.Second

// ThroughputMeter 吞吐量计
//
// 不带锁，由发送引擎在窗口锁内调用。
type ThroughputMeter struct {
	period time.Duration
	start  time.Time

	lastSampleAt time.Time
	pendingBytes int64
	totalBytes   int64

	samples []ThroughputSample
}

// NewThroughputMeter 创建吞吐量计
func NewThroughputMeter(start time.Time, period time.Duration) *ThroughputMeter {
	if period <= 0 {
		period = DefaultThroughputPeriod
	}
	return &ThroughputMeter{
		period:       period,
		start:        start,
		lastSampleAt: start,
	}
}

// OnAcked 记录确认字节，窗口满一个周期时返回新样本
func (m *ThroughputMeter) OnAcked(bytes int, now time.Time) (ThroughputSample, bool) {
	m.pendingBytes += int64(bytes)
	m.totalBytes += int64(bytes)

	elapsed := now.Sub(m.lastSampleAt)
	if elapsed < m.period {
		return ThroughputSample{}, false
	}

	sample := ThroughputSample{
		Elapsed:       now.Sub(m.start).Seconds(),
		BitsPerSecond: float64(m.pendingBytes*8) / elapsed.Seconds(),
	}
	m.samples = append(m.samples, sample)
	m.pendingBytes = 0
	m.lastSampleAt = now
	return sample, true
}

// Samples 全部样本
func (m *ThroughputMeter) Samples() []ThroughputSample {
	out := make([]ThroughputSample, len(m.samples))
	copy(out, m.samples)
	return out
}

// TotalBytes 累计确认字节
func (m *ThroughputMeter) TotalBytes() int64 {
	return m.totalBytes
}

// Average 从开始到 now 的平均吞吐量 (bit/s)
func (m *ThroughputMeter) Average(now time.Time) float64 {
	d := now.Sub(m.start).Seconds()
	if d <= 0 {
		return 0
	}
	return float64(m.totalBytes*8) / d
}
