// =============================================================================
// 文件: internal/congestion/rtt.go
// 描述: RTT 测量与估算 (RFC 6298 平滑)，仅用于统计，不参与重传定时
// =============================================================================
package congestion

import (
	"sync"
	"time"
)

const (
	rttAlpha = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta  = 0.25  // RTT 方差因子 (1/4)
)

// RTTEstimator RTT 估算器
type RTTEstimator struct {
	smoothedRTT time.Duration
	rttVariance time.Duration
	minRTT      time.Duration
	maxRTT      time.Duration
	latestRTT   time.Duration

	totalSamples uint64
	sumRTT       time.Duration

	mu sync.RWMutex
}

// NewRTTEstimator 创建 RTT 估算器
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{}
}

// Update 加入一个 RTT 样本
func (r *RTTEstimator) Update(sample time.Duration) {
	if sample < 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.latestRTT = sample
	r.sumRTT += sample

	if r.totalSamples == 0 {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.minRTT = sample
		r.maxRTT = sample
		r.totalSamples = 1
		return
	}
	r.totalSamples++

	if sample < r.minRTT {
		r.minRTT = sample
	}
	if sample > r.maxRTT {
		r.maxRTT = sample
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration(
		float64(r.rttVariance)*(1-rttBeta) + float64(diff)*rttBeta,
	)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothedRTT = time.Duration(
		float64(r.smoothedRTT)*(1-rttAlpha) + float64(sample)*rttAlpha,
	)
}

// GetSmoothedRTT 获取平滑 RTT
func (r *RTTEstimator) GetSmoothedRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.smoothedRTT
}

// GetMinRTT 获取最小 RTT
func (r *RTTEstimator) GetMinRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minRTT
}

// GetMaxRTT 获取最大 RTT
func (r *RTTEstimator) GetMaxRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxRTT
}

// GetLatestRTT 获取最新 RTT
func (r *RTTEstimator) GetLatestRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestRTT
}

// GetRTTVariance 获取 RTT 方差
func (r *RTTEstimator) GetRTTVariance() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rttVariance
}

// GetAverageRTT 获取平均 RTT
func (r *RTTEstimator) GetAverageRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.totalSamples == 0 {
		return 0
	}
	return time.Duration(int64(r.sumRTT) / int64(r.totalSamples))
}

// Samples 样本数
func (r *RTTEstimator) Samples() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalSamples
}
