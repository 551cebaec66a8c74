// =============================================================================
// 文件: internal/congestion/loss_estimator.go
// 描述: 丢包率估算 - 以超时重传作为丢包信号的 EWMA 与累计比例
// =============================================================================
package congestion

const (
	// lossEWMAAlpha 每个样本的权重 (1/8)
	lossEWMAAlpha = 0.125
)

// LossEstimator 丢包率估算器
//
// 发送引擎没有 SACK，只能把超时视为丢包；丢失的 ACK 同样计入，
// 因此结果是信道双向损伤的上界。不带锁。
type LossEstimator struct {
	sent  uint64
	lost  uint64
	acked uint64

	ewma    float64
	samples int
}

// NewLossEstimator 创建估算器
func NewLossEstimator() *LossEstimator {
	return &LossEstimator{}
}

// OnSent 记录一次发送 (含重传)
func (e *LossEstimator) OnSent() {
	e.sent++
}

// OnAcked 记录 n 个分段被确认
func (e *LossEstimator) OnAcked(n int) {
	for i := 0; i < n; i++ {
		e.sample(0)
	}
	e.acked += uint64(n)
}

// OnLoss 记录一次超时
func (e *LossEstimator) OnLoss() {
	e.lost++
	e.sample(1)
}

func (e *LossEstimator) sample(v float64) {
	if e.samples == 0 {
		e.ewma = v
	} else {
		e.ewma += lossEWMAAlpha * (v - e.ewma)
	}
	e.samples++
}

// Rate 累计丢包比例 lost/sent
func (e *LossEstimator) Rate() float64 {
	if e.sent == 0 {
		return 0
	}
	return float64(e.lost) / float64(e.sent)
}

// Smoothed 近期丢包率的 EWMA
func (e *LossEstimator) Smoothed() float64 {
	return e.ewma
}
