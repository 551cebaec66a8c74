// =============================================================================
// 文件: internal/rdt/options.go
// 描述: 引擎参数 - 默认值与配置映射
// =============================================================================
package rdt

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/rdt/internal/config"
	"github.com/mrcgq/rdt/internal/congestion"
	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/transport"
)

// Options 发送/接收引擎参数
type Options struct {
	// 重传
	TimeoutInterval time.Duration

	// 拥塞控制
	InitialCongestionWindow   float64
	InitialSlowStartThreshold int

	// MaxSequenceNumber 单次会话允许的最大序列号，序列号不回绕
	MaxSequenceNumber uint32

	// 握手
	HandshakeTimeout time.Duration
	HandshakeRetries int
	HandshakeBackoff time.Duration

	// 挥手
	TeardownTimeout time.Duration
	TeardownRetries int

	// 读取超时，用于周期性检查退出条件
	AckReadTimeout     time.Duration
	ReceiveReadTimeout time.Duration

	// Channel 仅 SendUDP/ReceiveUDP 使用
	Channel         transport.ChannelProfile
	MaxDatagramSize int

	Logger  zerolog.Logger
	Metrics *metrics.RDTMetrics
	Clock   Clock
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		TimeoutInterval:           time.Second,
		InitialCongestionWindow:   congestion.DefaultInitialWindow,
		InitialSlowStartThreshold: congestion.DefaultSlowStartThreshold,
		MaxSequenceNumber:         1<<32 - 1,
		HandshakeTimeout:          5 * time.Second,
		HandshakeRetries:          0,
		HandshakeBackoff:          500 * time.Millisecond,
		TeardownTimeout:           5 * time.Second,
		TeardownRetries:           0,
		AckReadTimeout:            2 * time.Second,
		ReceiveReadTimeout:        2 * time.Second,
		MaxDatagramSize:           transport.DefaultMaxDatagramSize,
		Logger:                    zerolog.Nop(),
		Clock:                     SystemClock,
	}
}

// OptionsFromConfig 从配置文件生成参数
func OptionsFromConfig(cfg *config.Config) Options {
	p := cfg.Protocol
	o := DefaultOptions()

	o.TimeoutInterval = p.TimeoutInterval()
	o.InitialCongestionWindow = float64(p.InitialCongestionWindow)
	o.InitialSlowStartThreshold = p.InitialSlowStartThreshold
	o.MaxSequenceNumber = p.MaxSequenceNumber
	o.HandshakeTimeout = p.HandshakeTimeout()
	o.HandshakeRetries = p.HandshakeRetries
	o.HandshakeBackoff = p.HandshakeBackoff()
	o.TeardownTimeout = p.TeardownTimeout()
	o.TeardownRetries = p.TeardownRetries
	o.AckReadTimeout = p.AckReadTimeout()
	o.ReceiveReadTimeout = p.ReceiveReadTimeout()
	o.MaxDatagramSize = p.MaxDatagramSize

	o.Channel = transport.ChannelProfile{
		LossProbability:        cfg.Channel.LossProbability,
		CorruptionProbability:  cfg.Channel.CorruptionProbability,
		ReceiveLossProbability: cfg.Channel.ReceiveLossProbability,
		ImpairControl:          cfg.Channel.ImpairControl,
		Seed:                   cfg.Channel.Seed,
	}
	return o
}

// normalize 补全零值
func (o *Options) normalize() {
	def := DefaultOptions()

	if o.TimeoutInterval <= 0 {
		o.TimeoutInterval = def.TimeoutInterval
	}
	if o.InitialCongestionWindow < 1 {
		o.InitialCongestionWindow = def.InitialCongestionWindow
	}
	if o.InitialSlowStartThreshold < 1 {
		o.InitialSlowStartThreshold = def.InitialSlowStartThreshold
	}
	if o.MaxSequenceNumber == 0 {
		o.MaxSequenceNumber = def.MaxSequenceNumber
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.HandshakeRetries < 0 {
		o.HandshakeRetries = 0
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = def.TeardownTimeout
	}
	if o.TeardownRetries < 0 {
		o.TeardownRetries = 0
	}
	if o.AckReadTimeout <= 0 {
		o.AckReadTimeout = def.AckReadTimeout
	}
	if o.ReceiveReadTimeout <= 0 {
		o.ReceiveReadTimeout = def.ReceiveReadTimeout
	}
	if o.MaxDatagramSize <= 0 {
		o.MaxDatagramSize = def.MaxDatagramSize
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
}
