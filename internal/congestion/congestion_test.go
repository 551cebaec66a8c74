// =============================================================================
// 文件: internal/congestion/congestion_test.go
// 描述: 拥塞控制测试
// =============================================================================
package congestion

import (
	"math"
	"testing"
	"time"
)

func TestNewController(t *testing.T) {
	c := NewController(DefaultInitialWindow, DefaultSlowStartThreshold)

	if c.Cwnd() != 1 || c.Ssthresh() != 16 {
		t.Errorf("初始值错误: cwnd=%v ssthresh=%d", c.Cwnd(), c.Ssthresh())
	}
	if c.State() != StateSlowStart {
		t.Errorf("初始应为慢启动, got %s", c.State())
	}

	// 非法参数回退到 1
	c = NewController(0, 0)
	if c.Cwnd() != 1 || c.Ssthresh() != 1 {
		t.Errorf("下限错误: cwnd=%v ssthresh=%d", c.Cwnd(), c.Ssthresh())
	}
}

func TestSlowStart(t *testing.T) {
	c := NewController(1, 4)

	for i := 0; i < 3; i++ {
		c.OnAck()
	}
	if c.Cwnd() != 4 {
		t.Fatalf("慢启动每个 ACK 应加 1: cwnd=%v", c.Cwnd())
	}
	if c.State() != StateCongestionAvoidance {
		t.Errorf("cwnd >= ssthresh 应进入拥塞避免, got %s", c.State())
	}
}

func TestCongestionAvoidance(t *testing.T) {
	c := NewController(4, 4)

	c.OnAck()
	if math.Abs(c.Cwnd()-4.25) > 1e-9 {
		t.Errorf("拥塞避免应加 1/cwnd: cwnd=%v", c.Cwnd())
	}

	// 大约一个窗口的 ACK 后窗口加 1
	for i := 0; i < 4; i++ {
		c.OnAck()
	}
	if c.Window() != 5 {
		t.Errorf("Window = %d, want 5", c.Window())
	}
}

func TestOnTimeout(t *testing.T) {
	tests := []struct {
		name         string
		cwnd         float64
		wantSsthresh int
	}{
		{"偶数窗口", 10, 5},
		{"小数窗口", 7.9, 3},
		{"窗口为 1", 1, 1},
		{"窗口为 2.5", 2.5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(tt.cwnd, 100)
			c.OnTimeout()
			if c.Ssthresh() != tt.wantSsthresh {
				t.Errorf("ssthresh = %d, want %d", c.Ssthresh(), tt.wantSsthresh)
			}
			if c.Cwnd() != 1 {
				t.Errorf("cwnd = %v, want 1", c.Cwnd())
			}
		})
	}
}

func TestCwndNeverBelowOne(t *testing.T) {
	c := NewController(1, 1)
	for i := 0; i < 100; i++ {
		if i%3 == 0 {
			c.OnTimeout()
		} else {
			c.OnAck()
		}
		if c.Cwnd() < 1 || c.Ssthresh() < 1 {
			t.Fatalf("第 %d 步越界: cwnd=%v ssthresh=%d", i, c.Cwnd(), c.Ssthresh())
		}
	}

	stats := c.GetStats()
	if stats.Timeouts != 34 || stats.AcksProcessed != 66 {
		t.Errorf("统计错误: %+v", stats)
	}
}

func TestRTTEstimator(t *testing.T) {
	r := NewRTTEstimator()

	r.Update(100 * time.Millisecond)
	if r.GetSmoothedRTT() != 100*time.Millisecond {
		t.Errorf("首个样本应直接作为 SRTT: %v", r.GetSmoothedRTT())
	}
	if r.GetRTTVariance() != 50*time.Millisecond {
		t.Errorf("首个样本 RTTVAR 应为一半: %v", r.GetRTTVariance())
	}

	r.Update(20 * time.Millisecond)
	r.Update(300 * time.Millisecond)

	if r.GetMinRTT() != 20*time.Millisecond || r.GetMaxRTT() != 300*time.Millisecond {
		t.Errorf("min=%v max=%v", r.GetMinRTT(), r.GetMaxRTT())
	}
	if r.GetLatestRTT() != 300*time.Millisecond {
		t.Errorf("latest=%v", r.GetLatestRTT())
	}
	if r.GetAverageRTT() != 140*time.Millisecond {
		t.Errorf("avg=%v", r.GetAverageRTT())
	}
	if r.Samples() != 3 {
		t.Errorf("samples=%d", r.Samples())
	}

	srtt := r.GetSmoothedRTT()
	if srtt <= 20*time.Millisecond || srtt >= 300*time.Millisecond {
		t.Errorf("SRTT 应在样本范围内: %v", srtt)
	}
}

func TestThroughputMeter(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewThroughputMeter(start, time.Second)

	if _, ok := m.OnAcked(500, start.Add(300*time.Millisecond)); ok {
		t.Error("不足一个周期不应产生样本")
	}

	s, ok := m.OnAcked(500, start.Add(2*time.Second))
	if !ok {
		t.Fatal("超过一个周期应产生样本")
	}
	// 1000 字节 / 2 秒 = 4000 bit/s
	if s.BitsPerSecond != 4000 {
		t.Errorf("bps = %v", s.BitsPerSecond)
	}
	if s.Elapsed != 2 {
		t.Errorf("elapsed = %v", s.Elapsed)
	}

	// 新窗口从上一个样本开始计
	s, ok = m.OnAcked(250, start.Add(3*time.Second))
	if !ok || s.BitsPerSecond != 2000 {
		t.Errorf("第二个样本错误: %+v %v", s, ok)
	}

	if len(m.Samples()) != 2 || m.TotalBytes() != 1250 {
		t.Errorf("samples=%d total=%d", len(m.Samples()), m.TotalBytes())
	}
	if avg := m.Average(start.Add(5 * time.Second)); avg != 2000 {
		t.Errorf("avg = %v", avg)
	}
}

func TestStateString(t *testing.T) {
	if StateSlowStart.String() != "slow_start" || CongestionState(9).String() != "unknown" {
		t.Error("状态名称错误")
	}
}

func TestLossEstimator(t *testing.T) {
	e := NewLossEstimator()
	if e.Rate() != 0 || e.Smoothed() != 0 {
		t.Fatal("初始丢包率应为 0")
	}

	// 10 次发送，其中 2 次超时
	for i := 0; i < 10; i++ {
		e.OnSent()
	}
	e.OnLoss()
	e.OnLoss()
	e.OnAcked(8)

	if e.Rate() != 0.2 {
		t.Errorf("Rate = %v, want 0.2", e.Rate())
	}
	if s := e.Smoothed(); s <= 0 || s >= 1 {
		t.Errorf("Smoothed 应在 (0,1) 内: %v", s)
	}

	// 持续确认使平滑值回落
	before := e.Smoothed()
	e.OnAcked(20)
	if e.Smoothed() >= before {
		t.Errorf("确认后平滑丢包率应下降: %v -> %v", before, e.Smoothed())
	}
	if e.Rate() != 0.2 {
		t.Errorf("确认不改变累计丢包率: %v", e.Rate())
	}
}
