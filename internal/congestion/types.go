// =============================================================================
// 文件: internal/congestion/types.go
// 描述: 拥塞控制类型定义
// =============================================================================
package congestion

// CongestionState 拥塞状态
type CongestionState int

const (
	StateSlowStart CongestionState = iota
	StateCongestionAvoidance
)

func (s CongestionState) String() string {
	switch s {
	case StateSlowStart:
		return "slow_start"
	case StateCongestionAvoidance:
		return "congestion_avoidance"
	default:
		return "unknown"
	}
}

// CongestionStats 拥塞控制统计
type CongestionStats struct {
	CongestionWindow   float64 `json:"cwnd"`
	SlowStartThreshold int     `json:"ssthresh"`
	State              string  `json:"state"`

	AcksProcessed uint64 `json:"acks_processed"`
	Timeouts      uint64 `json:"timeouts"`
}

// CwndSample 拥塞窗口采样
type CwndSample struct {
	Elapsed float64 `json:"elapsed_s"`
	Cwnd    float64 `json:"cwnd"`
}

// ThroughputSample 吞吐量采样
type ThroughputSample struct {
	Elapsed       float64 `json:"elapsed_s"`
	BitsPerSecond float64 `json:"bps"`
}
