// =============================================================================
// 文件: internal/rdt/sender.go
// 描述: 发送引擎 - 滑动窗口、累积确认、逐段超时重传与拥塞控制
// =============================================================================
package rdt

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/rdt/internal/congestion"
	"github.com/mrcgq/rdt/internal/logging"
	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/protocol"
	"github.com/mrcgq/rdt/internal/transport"
)

// inflight 已发送未确认的分段
type inflight struct {
	payload       []byte
	sentAt        time.Time
	timer         Timer
	gen           uint64
	transmissions int
}

// Sender 发送端
//
// 准入与确认两个协程共享一把锁，sync.Cond 作为"窗口前移"信号。
// 每个在途分段有独立的重传定时器，回调持锁并校验窗口成员与代数。
type Sender struct {
	tr   transport.Transport
	peer net.Addr
	opts Options
	log  zerolog.Logger
	m    *metrics.RDTMetrics
	lc   *lifecycle

	mu       sync.Mutex
	advanced *sync.Cond
	state    State
	used     bool
	closed   bool

	segments [][]byte
	base     int
	next     int
	window   map[int]*inflight
	gen      uint64

	cc    *congestion.Controller
	rtt   *congestion.RTTEstimator
	meter *congestion.ThroughputMeter
	loss  *congestion.LossEstimator
	start time.Time

	rtts            map[uint32]time.Duration
	cwndTrace       []congestion.CwndSample
	transmissions   int
	retransmissions int
	timeouts        int
	staleAcks       int

	// traceAdmit 测试钩子: 每次准入前回调 (准入后在途数, 当前窗口)
	traceAdmit func(inFlight, window int)
}

// NewSender 创建绑定到 tr 与 peer 的发送端，每个 Sender 只能发送一次
func NewSender(tr transport.Transport, peer net.Addr, opts Options) *Sender {
	opts.normalize()
	s := &Sender{
		tr:     tr,
		peer:   peer,
		opts:   opts,
		log:    logging.Component(opts.Logger, "Sender"),
		m:      opts.Metrics,
		state:  StateClosed,
		window: make(map[int]*inflight),
		rtts:   make(map[uint32]time.Duration),
		cc:     congestion.NewController(opts.InitialCongestionWindow, opts.InitialSlowStartThreshold),
		rtt:    congestion.NewRTTEstimator(),
		loss:   congestion.NewLossEstimator(),
	}
	s.lc = newLifecycle(tr, &s.opts, metrics.RoleSender)
	s.advanced = sync.NewCond(&s.mu)
	return s
}

// State 当前连接状态
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("状态变更")
	}
}

// Send 握手、可靠发送全部分段、关闭连接
//
// 分段 i 使用序列号 i。握手失败返回 ErrConnectionFailed；关闭握手失败
// 只记录在 Report.TeardownErr 中。
func (s *Sender) Send(ctx context.Context, segments [][]byte) (*Report, error) {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return nil, errors.Wrap(ErrInvalidState, "发送端不可重复使用")
	}
	s.used = true
	s.mu.Unlock()

	if n := len(segments); n > 0 && uint64(n-1) > uint64(s.opts.MaxSequenceNumber) {
		return nil, errors.Wrapf(ErrSequenceSpaceExhausted,
			"%d 个分段超出序列号上限 %d", n, s.opts.MaxSequenceNumber)
	}

	s.setState(StateSynSent)
	if err := s.lc.connect(ctx, s.peer); err != nil {
		s.setState(StateClosed)
		return nil, err
	}
	s.setState(StateEstablished)

	s.mu.Lock()
	s.segments = segments
	s.start = s.opts.Clock.Now()
	s.meter = congestion.NewThroughputMeter(s.start, congestion.DefaultThroughputPeriod)
	s.recordCwndLocked()
	s.mu.Unlock()

	s.log.Info().Int("segments", len(segments)).Str("peer", s.peer.String()).Msg("开始发送")

	err := s.transfer(ctx)

	s.mu.Lock()
	s.stopTimersLocked()
	report := s.reportLocked()
	s.mu.Unlock()

	if err != nil {
		s.setState(StateClosed)
		return report, err
	}

	s.log.Info().
		Int("segments", report.Segments).
		Int("retransmissions", report.Retransmissions).
		Dur("duration", report.Duration).
		Msg("全部分段已确认")

	s.setState(StateFinSent)
	if err := s.lc.close(ctx, s.peer); err != nil {
		report.TeardownErr = err
		s.log.Warn().Err(err).Msg("关闭握手未完成")
	}
	s.setState(StateClosed)
	return report, nil
}

// transfer 并发运行准入与确认，直到全部确认或出错
func (s *Sender) transfer(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// 取消或出错时唤醒准入协程
	stop := context.AfterFunc(gctx, func() {
		s.mu.Lock()
		s.advanced.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	g.Go(func() error { return s.admitLoop(gctx) })
	g.Go(func() error { return s.ackLoop(gctx) })
	return g.Wait()
}

// admitLoop 窗口允许时发送新分段，否则等待窗口前移
func (s *Sender) admitLoop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.base >= len(s.segments) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fillWindowLocked(); err != nil {
			return err
		}
		s.advanced.Wait()
		s.recordCwndLocked()
	}
}

// windowLocked 允许在途的分段数
//
// 分段 0 确认前只允许它单独在途: 接收端对失序分段回复的 ACK 0
// 与分段 0 本身的确认无法区分。
func (s *Sender) windowLocked() int {
	if s.base == 0 {
		return 1
	}
	return s.cc.Window()
}

// fillWindowLocked 发送窗口内全部可发送的新分段
func (s *Sender) fillWindowLocked() error {
	for s.next < len(s.segments) && s.next < s.base+s.windowLocked() {
		if err := s.admitLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) admitLocked() error {
	seq := s.next
	if s.traceAdmit != nil {
		s.traceAdmit(seq-s.base+1, s.windowLocked())
	}

	seg := &inflight{payload: s.segments[seq]}
	s.window[seq] = seg
	s.next++
	return s.transmitLocked(seq, seg)
}

// transmitLocked 发送 (或重发) 分段并重新装填定时器
func (s *Sender) transmitLocked(seq int, seg *inflight) error {
	frame := protocol.NewDataFrame(uint32(seq), seg.payload).Encode()
	err := s.tr.Send(frame, s.peer)

	seg.sentAt = s.opts.Clock.Now()
	seg.transmissions++
	s.transmissions++
	s.loss.OnSent()

	s.gen++
	seg.gen = s.gen
	gen := seg.gen
	seg.timer = s.opts.Clock.AfterFunc(s.opts.TimeoutInterval, func() {
		s.onTimer(seq, gen)
	})

	s.m.RecordSegmentSent()
	s.m.UpdateCongestion(s.cc.Cwnd(), s.cc.Ssthresh(), s.next-s.base)

	if err != nil {
		return errors.Wrapf(err, "发送分段 %d 失败", seq)
	}
	s.log.Debug().Int("seq", seq).Int("size", len(seg.payload)).Int("tx", seg.transmissions).Msg("发送分段")
	return nil
}

// ackLoop 读取 ACK，带超时以便复查退出条件
func (s *Sender) ackLoop(ctx context.Context) error {
	for {
		if s.done() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		r := s.tr.Receive(time.Now().Add(s.opts.AckReadTimeout))
		switch r.Status {
		case transport.ReadTimeout:
			continue
		case transport.ReadError:
			s.log.Error().Err(r.Err).Msg("读取 ACK 失败")
			return errors.Wrap(r.Err, "读取 ACK 失败")
		}

		if !transport.SameAddr(r.From, s.peer) {
			s.m.RecordDiscard(metrics.RoleSender, metrics.DiscardForeign)
			s.log.Debug().Str("from", addrString(r.From)).Msg("忽略非对端数据报")
			continue
		}

		f, err := protocol.DecodeValid(r.Data)
		if err != nil {
			reason := discardReason(err)
			s.m.RecordDiscard(metrics.RoleSender, reason)
			s.log.Debug().Err(err).Str("reason", reason).Msg("丢弃帧")
			continue
		}
		if f.Type != protocol.TypeACK {
			s.m.RecordDiscard(metrics.RoleSender, metrics.DiscardUnexpected)
			s.log.Debug().Str("frame", f.String()).Msg("忽略非 ACK 帧")
			continue
		}

		s.mu.Lock()
		s.onAckLocked(f.Seq)
		s.mu.Unlock()
	}
}

func (s *Sender) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base >= len(s.segments)
}

// onAckLocked 处理累积 ACK
func (s *Sender) onAckLocked(ack uint32) {
	switch {
	case uint64(ack) < uint64(s.base):
		s.staleAcks++
		s.m.RecordDiscard(metrics.RoleSender, metrics.DiscardStaleAck)
		s.log.Debug().Uint32("ack", ack).Int("base", s.base).Msg("重复 ACK")
		return
	case uint64(ack) >= uint64(s.next):
		s.m.RecordDiscard(metrics.RoleSender, metrics.DiscardFutureAck)
		s.log.Debug().Uint32("ack", ack).Int("next", s.next).Msg("确认未发送的分段，忽略")
		return
	}

	seq := int(ack)
	now := s.opts.Clock.Now()

	rtt := now.Sub(s.window[seq].sentAt)
	s.rtts[ack] = rtt
	s.rtt.Update(rtt)
	s.m.RecordRTT(rtt)

	s.loss.OnAcked(seq - s.base + 1)

	bytes := 0
	for i := s.base; i <= seq; i++ {
		if seg, ok := s.window[i]; ok {
			seg.timer.Stop()
			bytes += len(seg.payload)
			delete(s.window, i)
		}
	}
	s.base = seq + 1

	s.cc.OnAck()
	s.m.RecordAcked(bytes)
	if sample, ok := s.meter.OnAcked(bytes, now); ok {
		s.m.RecordThroughput(sample.BitsPerSecond)
	}
	s.m.UpdateCongestion(s.cc.Cwnd(), s.cc.Ssthresh(), s.next-s.base)

	s.log.Debug().
		Uint32("ack", ack).
		Dur("rtt", rtt).
		Float64("cwnd", s.cc.Cwnd()).
		Int("ssthresh", s.cc.Ssthresh()).
		Msg("收到 ACK")

	s.advanced.Broadcast()
}

func (s *Sender) onTimer(seq int, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTimeoutLocked(seq, gen)
}

// onTimeoutLocked 分段超时: 收缩窗口、重发、重新计时
//
// 定时器可能与 ACK 竞争，分段已确认或已被重新计时则忽略。
func (s *Sender) onTimeoutLocked(seq int, gen uint64) {
	if s.closed {
		return
	}
	seg, ok := s.window[seq]
	if !ok || seg.gen != gen {
		return
	}

	prior := s.cc.Cwnd()
	s.cc.OnTimeout()
	s.timeouts++
	s.retransmissions++
	s.loss.OnLoss()
	s.m.RecordTimeout()

	s.log.Warn().
		Int("seq", seq).
		Float64("cwnd_before", prior).
		Int("ssthresh", s.cc.Ssthresh()).
		Msg("分段超时，重传")

	if err := s.transmitLocked(seq, seg); err != nil {
		s.log.Error().Err(err).Int("seq", seq).Msg("重传失败")
	}
	s.recordCwndLocked()
}

// stopTimersLocked 停止全部定时器，之后触发的回调不再生效
func (s *Sender) stopTimersLocked() {
	s.closed = true
	for _, seg := range s.window {
		if seg.timer != nil {
			seg.timer.Stop()
		}
	}
}

func (s *Sender) recordCwndLocked() {
	s.cwndTrace = append(s.cwndTrace, congestion.CwndSample{
		Elapsed: s.opts.Clock.Now().Sub(s.start).Seconds(),
		Cwnd:    s.cc.Cwnd(),
	})
}

func (s *Sender) reportLocked() *Report {
	now := s.opts.Clock.Now()

	var bytesSent int64
	for _, seg := range s.segments[:s.base] {
		bytesSent += int64(len(seg))
	}

	rtts := make(map[uint32]time.Duration, len(s.rtts))
	for k, v := range s.rtts {
		rtts[k] = v
	}

	report := &Report{
		Segments:        len(s.segments),
		BytesSent:       bytesSent,
		Duration:        now.Sub(s.start),
		BaseSeq:         s.base,
		RTTs:            rtts,
		SmoothedRTT:     s.rtt.GetSmoothedRTT(),
		MinRTT:          s.rtt.GetMinRTT(),
		MaxRTT:          s.rtt.GetMaxRTT(),
		CwndTrace:       append([]congestion.CwndSample(nil), s.cwndTrace...),
		Transmissions:   s.transmissions,
		Retransmissions: s.retransmissions,
		Timeouts:        s.timeouts,
		StaleAcks:       s.staleAcks,
		LossRate:        s.loss.Rate(),
		SmoothedLoss:    s.loss.Smoothed(),
		FinalCwnd:       s.cc.Cwnd(),
		FinalSsthresh:   s.cc.Ssthresh(),
		Congestion:      s.cc.GetStats(),
	}
	if s.meter != nil {
		report.Throughput = s.meter.Samples()
		report.AverageThroughput = s.meter.Average(now)
	}
	return report
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}

// SendUDP 在临时 UDP 端口上发送到 peer，按 opts.Channel 模拟信道损伤
func SendUDP(ctx context.Context, peer string, segments [][]byte, opts Options) (*Report, error) {
	opts.normalize()

	addr, err := transport.ResolvePeer(peer)
	if err != nil {
		return nil, err
	}
	conn, err := transport.ListenUDP(":0", opts.MaxDatagramSize)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tr := transport.WrapProfile(conn, opts.Channel, transport.WithLogger(opts.Logger))
	return NewSender(tr, addr, opts).Send(ctx, segments)
}
