// =============================================================================
// 文件: internal/congestion/reno.go
// 描述: 慢启动 / 拥塞避免控制器 - 以段为单位，超时后回到 1
// =============================================================================
package congestion

import (
	"math"
)

const (
	DefaultInitialWindow      = 1
	DefaultSlowStartThreshold = 16
)

// Controller 拥塞窗口控制器
//
// 不带锁，由发送引擎在窗口锁内调用。
type Controller struct {
	cwnd     float64
	ssthresh int

	acks     uint64
	timeouts uint64
}

// NewController 创建控制器，非法参数回退到下限 1
func NewController(initialWindow float64, ssthresh int) *Controller {
	if initialWindow < 1 {
		initialWindow = 1
	}
	if ssthresh < 1 {
		ssthresh = 1
	}
	return &Controller{
		cwnd:     initialWindow,
		ssthresh: ssthresh,
	}
}

// OnAck 每个被接受的累积 ACK 调用一次
func (c *Controller) OnAck() {
	c.acks++
	if c.cwnd < float64(c.ssthresh) {
		// 慢启动
		c.cwnd++
		return
	}
	// 拥塞避免: 每个 RTT 约加 1
	c.cwnd += 1 / c.cwnd
}

// OnTimeout 未确认段的重传定时器到期
func (c *Controller) OnTimeout() {
	c.timeouts++
	c.ssthresh = int(math.Floor(c.cwnd / 2))
	if c.ssthresh < 1 {
		c.ssthresh = 1
	}
	c.cwnd = 1
}

// Window 允许同时在途的段数
func (c *Controller) Window() int {
	return int(math.Floor(c.cwnd))
}

// Cwnd 当前拥塞窗口
func (c *Controller) Cwnd() float64 {
	return c.cwnd
}

// Ssthresh 当前慢启动阈值
func (c *Controller) Ssthresh() int {
	return c.ssthresh
}

// State 当前阶段
func (c *Controller) State() CongestionState {
	if c.cwnd < float64(c.ssthresh) {
		return StateSlowStart
	}
	return StateCongestionAvoidance
}

// GetStats 获取统计
func (c *Controller) GetStats() *CongestionStats {
	return &CongestionStats{
		CongestionWindow:   c.cwnd,
		SlowStartThreshold: c.ssthresh,
		State:              c.State().String(),
		AcksProcessed:      c.acks,
		Timeouts:           c.timeouts,
	}
}
