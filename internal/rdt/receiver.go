// =============================================================================
// 文件: internal/rdt/receiver.go
// 描述: 接收引擎 - 按序交付、累积确认、响应关闭
// =============================================================================
package rdt

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mrcgq/rdt/internal/logging"
	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/protocol"
	"github.com/mrcgq/rdt/internal/transport"
)

// Receiver 接收端
type Receiver struct {
	// OnDeliver 每交付一个分段回调一次，在接收协程中执行
	OnDeliver func(seq uint32, payload []byte)

	tr   transport.Transport
	opts Options
	log  zerolog.Logger
	m    *metrics.RDTMetrics
	lc   *lifecycle

	mu    sync.Mutex
	state State
	used  bool
	peer  net.Addr
	stats ReceiverStats

	expected  uint64
	delivered [][]byte
}

// NewReceiver 创建接收端，每个 Receiver 只能接收一次
func NewReceiver(tr transport.Transport, opts Options) *Receiver {
	opts.normalize()
	r := &Receiver{
		tr:    tr,
		opts:  opts,
		log:   logging.Component(opts.Logger, "Receiver"),
		m:     opts.Metrics,
		state: StateClosed,
	}
	r.lc = newLifecycle(tr, &r.opts, metrics.RoleReceiver)
	return r
}

// State 当前连接状态
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats 接收统计快照
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Peer 已建立连接的对端地址
func (r *Receiver) Peer() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

func (r *Receiver) setState(st State) {
	r.mu.Lock()
	prev := r.state
	r.state = st
	r.mu.Unlock()
	if prev != st {
		r.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("状态变更")
	}
}

// Receive 等待连接、按序接收，收到 FIN 后返回已交付的分段
//
// FIN 到达时即使有分段缺失也立即结束。ctx 取消或传输错误时返回已交付
// 的部分与错误。
func (r *Receiver) Receive(ctx context.Context) ([][]byte, error) {
	r.mu.Lock()
	if r.used {
		r.mu.Unlock()
		return nil, errors.Wrap(ErrInvalidState, "接收端不可重复使用")
	}
	r.used = true
	r.mu.Unlock()

	peer, first, err := r.lc.accept(ctx, r.setState)
	if err != nil {
		r.setState(StateClosed)
		return nil, err
	}

	r.mu.Lock()
	r.peer = peer
	r.mu.Unlock()
	r.setState(StateEstablished)

	if first != nil {
		if fin, err := r.handleFrame(first); err != nil || fin {
			return r.finish(err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.finish(errors.Wrap(err, "接收中断"))
		}

		res := r.tr.Receive(time.Now().Add(r.opts.ReceiveReadTimeout))
		switch res.Status {
		case transport.ReadTimeout:
			continue
		case transport.ReadError:
			r.log.Error().Err(res.Err).Msg("读取失败")
			return r.finish(errors.Wrap(res.Err, "读取数据失败"))
		}

		if !transport.SameAddr(res.From, peer) {
			r.mu.Lock()
			r.stats.Foreign++
			r.mu.Unlock()
			r.m.RecordDiscard(metrics.RoleReceiver, metrics.DiscardForeign)
			r.log.Debug().Str("from", addrString(res.From)).Msg("忽略非对端数据报")
			continue
		}

		f, err := protocol.DecodeValid(res.Data)
		if err != nil {
			reason := discardReason(err)
			r.mu.Lock()
			if reason == metrics.DiscardMalformed {
				r.stats.Malformed++
			} else {
				r.stats.Corrupt++
			}
			r.mu.Unlock()
			r.m.RecordDiscard(metrics.RoleReceiver, reason)
			r.log.Debug().Err(err).Str("reason", reason).Msg("丢弃帧，不回复 ACK")
			continue
		}

		fin, err := r.handleFrame(f)
		if err != nil || fin {
			return r.finish(err)
		}
	}
}

func (r *Receiver) finish(err error) ([][]byte, error) {
	r.setState(StateClosed)

	r.mu.Lock()
	delivered := r.delivered
	stats := r.stats
	r.mu.Unlock()

	if err != nil {
		return delivered, err
	}
	r.log.Info().
		Int("delivered", stats.Delivered).
		Int("duplicates", stats.Duplicates).
		Int("out_of_order", stats.OutOfOrder).
		Int64("bytes", stats.Bytes).
		Msg("接收完成")
	return delivered, nil
}

// handleFrame 处理一个有效帧，返回 true 表示收到 FIN
func (r *Receiver) handleFrame(f *protocol.Frame) (bool, error) {
	switch f.Type {
	case protocol.TypeFIN:
		if f.Seq != protocol.ControlSeq {
			r.ignore(f)
			return false, nil
		}
		if err := r.lc.send(protocol.NewFinFrame(), r.peer); err != nil {
			r.log.Warn().Err(err).Msg("回复 FIN 失败")
		}
		r.m.RecordTeardown(metrics.RoleReceiver, metrics.ResultOK)
		r.log.Info().Uint64("expected", r.expected).Msg("收到 FIN，连接关闭")
		return true, nil

	case protocol.TypeData:
		return false, r.handleData(f)

	default:
		// 迟到的 SYN/ACK
		r.ignore(f)
		return false, nil
	}
}

func (r *Receiver) ignore(f *protocol.Frame) {
	r.m.RecordDiscard(metrics.RoleReceiver, metrics.DiscardUnexpected)
	r.log.Debug().Str("frame", f.String()).Msg("忽略帧")
}

func (r *Receiver) handleData(f *protocol.Frame) error {
	if uint64(f.Seq) == r.expected {
		payload := f.Payload
		if payload == nil {
			payload = []byte{}
		}

		r.mu.Lock()
		r.delivered = append(r.delivered, payload)
		r.expected++
		r.stats.Delivered++
		r.stats.Bytes += int64(len(payload))
		r.mu.Unlock()

		r.m.RecordDelivered()
		r.log.Debug().Uint32("seq", f.Seq).Int("size", len(payload)).Msg("按序交付")
		if r.OnDeliver != nil {
			r.OnDeliver(f.Seq, payload)
		}
		return r.ack(f.Seq, metrics.AckInOrder)
	}

	r.mu.Lock()
	if uint64(f.Seq) < r.expected {
		r.stats.Duplicates++
	} else {
		r.stats.OutOfOrder++
	}
	r.mu.Unlock()

	if uint64(f.Seq) > r.expected {
		r.m.RecordDiscard(metrics.RoleReceiver, metrics.DiscardOutOfOrder)
	}

	var last uint32
	if r.expected > 0 {
		last = uint32(r.expected - 1)
	}
	r.log.Debug().Uint32("seq", f.Seq).Uint64("expected", r.expected).Uint32("ack", last).Msg("非期望分段，重复确认")
	return r.ack(last, metrics.AckDuplicate)
}

func (r *Receiver) ack(seq uint32, kind string) error {
	if err := r.lc.send(protocol.NewAckFrame(seq), r.peer); err != nil {
		r.log.Error().Err(err).Uint32("ack", seq).Msg("发送 ACK 失败")
		return err
	}
	r.mu.Lock()
	r.stats.AcksSent++
	r.mu.Unlock()
	r.m.RecordAckSent(kind)
	return nil
}

// ReceiveUDP 在 bind 上监听，接收一次完整会话
func ReceiveUDP(ctx context.Context, bind string, opts Options) ([][]byte, error) {
	opts.normalize()

	conn, err := transport.ListenUDP(bind, opts.MaxDatagramSize)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tr := transport.WrapProfile(conn, opts.Channel, transport.WithLogger(opts.Logger))
	return NewReceiver(tr, opts).Receive(ctx)
}
