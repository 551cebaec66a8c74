// =============================================================================
// 文件: internal/transport/lossy.go
// 描述: 不可靠信道模拟器 - 按概率丢弃/损坏数据报的 Transport 装饰器
// =============================================================================
package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/rdt/internal/logging"
	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/protocol"
)

// Direction 数据报方向
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

var directionNames = []string{"outbound", "inbound"}

func (d Direction) String() string {
	if int(d) < len(directionNames) {
		return directionNames[d]
	}
	return fmt.Sprintf("direction(%d)", d)
}

// Verdict 对单个数据报的处置
type Verdict uint8

const (
	Pass Verdict = iota
	Drop
	Corrupt
)

var verdictNames = []string{"pass", "drop", "corrupt"}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return fmt.Sprintf("verdict(%d)", v)
}

// Policy 决定每个数据报的命运
//
// 实现可能被发送和接收两条路径并发调用。
type Policy interface {
	Decide(dir Direction, frame []byte) Verdict
}

// PolicyFunc 函数形式的 Policy，用于脚本化测试
type PolicyFunc func(dir Direction, frame []byte) Verdict

// Decide 实现 Policy
func (f PolicyFunc) Decide(dir Direction, frame []byte) Verdict {
	return f(dir, frame)
}

// ChannelProfile 信道损伤参数
type ChannelProfile struct {
	LossProbability        float64
	CorruptionProbability  float64
	ReceiveLossProbability float64

	// ImpairControl 为 false 时只损伤 DATA 帧
	ImpairControl bool

	// Seed 为 0 时使用当前时间
	Seed int64
}

// IsZero 是否完全无损伤
func (p ChannelProfile) IsZero() bool {
	return p.LossProbability == 0 && p.CorruptionProbability == 0 && p.ReceiveLossProbability == 0
}

// RandomPolicy 按独立概率抽样的 Policy
type RandomPolicy struct {
	profile ChannelProfile

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy 创建随机策略
func NewRandomPolicy(profile ChannelProfile) *RandomPolicy {
	seed := profile.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomPolicy{
		profile: profile,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Profile 返回策略参数
func (p *RandomPolicy) Profile() ChannelProfile {
	return p.profile
}

// Decide 实现 Policy
func (p *RandomPolicy) Decide(dir Direction, frame []byte) Verdict {
	typ, ok := protocol.PeekType(frame)
	if !ok {
		return Pass
	}
	if typ != protocol.TypeData && !p.profile.ImpairControl {
		return Pass
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if dir == Inbound {
		if p.rng.Float64() < p.profile.ReceiveLossProbability {
			return Drop
		}
		return Pass
	}

	// 出站: 丢包与损坏分别独立抽样
	if p.rng.Float64() < p.profile.LossProbability {
		return Drop
	}
	if typ == protocol.TypeData && len(frame) > protocol.HeaderSize &&
		p.rng.Float64() < p.profile.CorruptionProbability {
		return Corrupt
	}
	return Pass
}

// CorruptPayload 翻转第一个负载字节的所有位，无负载时返回 false
func CorruptPayload(frame []byte) bool {
	if len(frame) <= protocol.HeaderSize {
		return false
	}
	frame[protocol.HeaderSize] ^= 0xFF
	return true
}

// DirectionStats 单方向计数
type DirectionStats struct {
	Passed    uint64
	Dropped   uint64
	Corrupted uint64
}

type directionCounters struct {
	passed    atomic.Uint64
	dropped   atomic.Uint64
	corrupted atomic.Uint64
}

// LossyTransport 在任意 Transport 之上注入丢包和损坏
type LossyTransport struct {
	inner  Transport
	policy Policy
	log    zerolog.Logger

	counters [2]directionCounters
}

// LossyOption 配置选项
type LossyOption func(*LossyTransport)

// WithLogger 设置日志
func WithLogger(log zerolog.Logger) LossyOption {
	return func(t *LossyTransport) {
		t.log = logging.Component(log, "Channel")
	}
}

// NewLossyTransport 创建信道模拟器
func NewLossyTransport(inner Transport, policy Policy, opts ...LossyOption) *LossyTransport {
	t := &LossyTransport{
		inner:  inner,
		policy: policy,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WrapProfile 按参数包装传输，无损伤时原样返回
func WrapProfile(inner Transport, profile ChannelProfile, opts ...LossyOption) Transport {
	if profile.IsZero() {
		return inner
	}
	return NewLossyTransport(inner, NewRandomPolicy(profile), opts...)
}

// Send 实现 Transport
func (t *LossyTransport) Send(b []byte, to net.Addr) error {
	c := &t.counters[Outbound]

	switch t.policy.Decide(Outbound, b) {
	case Drop:
		c.dropped.Add(1)
		t.log.Debug().Str("frame", describe(b)).Msg("模拟丢包")
		return nil

	case Corrupt:
		out := make([]byte, len(b))
		copy(out, b)
		if CorruptPayload(out) {
			c.corrupted.Add(1)
			t.log.Debug().Str("frame", describe(b)).Msg("模拟损坏")
		} else {
			c.passed.Add(1)
		}
		return t.inner.Send(out, to)

	default:
		c.passed.Add(1)
		return t.inner.Send(b, to)
	}
}

// Receive 实现 Transport，入站丢弃的数据报不会返回给调用者
func (t *LossyTransport) Receive(deadline time.Time) ReadResult {
	c := &t.counters[Inbound]

	for {
		r := t.inner.Receive(deadline)
		if r.Status != ReadOK {
			return r
		}

		switch t.policy.Decide(Inbound, r.Data) {
		case Drop:
			c.dropped.Add(1)
			t.log.Debug().Str("frame", describe(r.Data)).Msg("模拟接收端丢包")
			continue

		case Corrupt:
			if CorruptPayload(r.Data) {
				c.corrupted.Add(1)
			} else {
				c.passed.Add(1)
			}
			return r

		default:
			c.passed.Add(1)
			return r
		}
	}
}

// LocalAddr 实现 Transport
func (t *LossyTransport) LocalAddr() net.Addr {
	return t.inner.LocalAddr()
}

// Close 关闭底层传输
func (t *LossyTransport) Close() error {
	return t.inner.Close()
}

// Stats 单方向统计
func (t *LossyTransport) Stats(dir Direction) DirectionStats {
	c := &t.counters[dir]
	return DirectionStats{
		Passed:    c.passed.Load(),
		Dropped:   c.dropped.Load(),
		Corrupted: c.corrupted.Load(),
	}
}

// =============================================================================
// metrics.ChannelStats 实现
// =============================================================================

// GetDirectionStats 各方向统计
func (t *LossyTransport) GetDirectionStats() []metrics.DirectionStatData {
	out := make([]metrics.DirectionStatData, 0, len(t.counters))
	for _, dir := range []Direction{Outbound, Inbound} {
		s := t.Stats(dir)
		out = append(out, metrics.DirectionStatData{
			Direction: dir.String(),
			Passed:    s.Passed,
			Dropped:   s.Dropped,
			Corrupted: s.Corrupted,
		})
	}
	return out
}

func (t *LossyTransport) profile() ChannelProfile {
	if rp, ok := t.policy.(*RandomPolicy); ok {
		return rp.Profile()
	}
	return ChannelProfile{}
}

// GetLossProbability 出站丢包概率
func (t *LossyTransport) GetLossProbability() float64 {
	return t.profile().LossProbability
}

// GetCorruptionProbability 出站损坏概率
func (t *LossyTransport) GetCorruptionProbability() float64 {
	return t.profile().CorruptionProbability
}

// GetReceiveLossProbability 入站丢包概率
func (t *LossyTransport) GetReceiveLossProbability() float64 {
	return t.profile().ReceiveLossProbability
}

func describe(b []byte) string {
	typ, ok := protocol.PeekType(b)
	if !ok {
		return fmt.Sprintf("short(%d)", len(b))
	}
	seq, _ := protocol.PeekSeq(b)
	return fmt.Sprintf("%s seq=%d len=%d", typ, seq, len(b)-protocol.HeaderSize)
}
