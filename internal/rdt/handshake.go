// =============================================================================
// 文件: internal/rdt/handshake.go
// 描述: 连接生命周期 - 三次握手建立与发送端发起的关闭握手
// =============================================================================
package rdt

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mrcgq/rdt/internal/logging"
	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/protocol"
	"github.com/mrcgq/rdt/internal/transport"
)

// lifecycle 握手相关的公共依赖
type lifecycle struct {
	tr   transport.Transport
	opts *Options
	log  zerolog.Logger
	m    *metrics.RDTMetrics
	role string
}

func newLifecycle(tr transport.Transport, opts *Options, role string) *lifecycle {
	return &lifecycle{
		tr:   tr,
		opts: opts,
		log:  logging.Component(opts.Logger, "Handshake").With().Str("role", role).Logger(),
		m:    opts.Metrics,
		role: role,
	}
}

func (l *lifecycle) send(f *protocol.Frame, to net.Addr) error {
	if err := l.tr.Send(f.Encode(), to); err != nil {
		return errors.Wrapf(err, "发送 %s 失败", f.Type)
	}
	return nil
}

// readSlice 单次读取的截止时间，不超过 until
func readSlice(slice time.Duration, until time.Time) time.Time {
	d := time.Now().Add(slice)
	if !until.IsZero() && until.Before(d) {
		return until
	}
	return d
}

// waitFor 等待来自 peer 的指定控制帧，期间丢弃损坏和无关帧
//
// 超时返回 (false, nil)；传输错误或 ctx 取消返回错误。
func (l *lifecycle) waitFor(ctx context.Context, peer net.Addr, typ protocol.FrameType, until time.Time) (bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !time.Now().Before(until) {
			return false, nil
		}

		r := l.tr.Receive(readSlice(l.opts.AckReadTimeout, until))
		switch r.Status {
		case transport.ReadTimeout:
			continue
		case transport.ReadError:
			return false, r.Err
		}

		if !transport.SameAddr(r.From, peer) {
			l.m.RecordDiscard(l.role, metrics.DiscardForeign)
			continue
		}
		f, err := protocol.DecodeValid(r.Data)
		if err != nil {
			l.discard(err)
			continue
		}
		if f.Is(typ, protocol.ControlSeq) {
			return true, nil
		}
		l.log.Debug().Str("frame", f.String()).Str("want", typ.String()).Msg("忽略无关帧")
	}
}

func (l *lifecycle) discard(err error) {
	reason := discardReason(err)
	l.m.RecordDiscard(l.role, reason)
	l.log.Debug().Err(err).Str("reason", reason).Msg("丢弃帧")
}

// discardReason 解码错误对应的丢弃原因
func discardReason(err error) string {
	if errors.Is(err, protocol.ErrMalformedFrame) {
		return metrics.DiscardMalformed
	}
	return metrics.DiscardCorrupt
}

// connect 发起方握手: SYN → 等待 SYN → ACK
func (l *lifecycle) connect(ctx context.Context, peer net.Addr) error {
	attempts := 1 + l.opts.HandshakeRetries
	backoff := l.opts.HandshakeBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			l.log.Info().Int("attempt", attempt).Dur("backoff", backoff).Msg("重试握手")
			select {
			case <-ctx.Done():
				return l.failed(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := l.send(protocol.NewSynFrame(), peer); err != nil {
			return l.failed(err)
		}
		l.log.Debug().Str("peer", peer.String()).Msg("已发送 SYN")

		ok, err := l.waitFor(ctx, peer, protocol.TypeSYN, time.Now().Add(l.opts.HandshakeTimeout))
		if err != nil {
			return l.failed(err)
		}
		if !ok {
			l.log.Warn().Int("attempt", attempt).Dur("timeout", l.opts.HandshakeTimeout).Msg("等待 SYN 超时")
			continue
		}

		if err := l.send(protocol.NewAckFrame(protocol.ControlSeq), peer); err != nil {
			return l.failed(err)
		}
		l.m.RecordHandshake(l.role, metrics.ResultOK)
		l.log.Info().Str("peer", peer.String()).Msg("连接已建立")
		return nil
	}

	return l.failed(errors.Errorf("%d 次尝试均未收到 SYN", attempts))
}

func (l *lifecycle) failed(cause error) error {
	l.m.RecordHandshake(l.role, metrics.ResultFailed)
	return errors.Wrapf(ErrConnectionFailed, "%v", cause)
}

// accept 响应方握手: 等待 SYN → 回复 SYN → 等待 ACK
//
// SYN_RCVD 状态下对端的 DATA 或 FIN 视为隐式确认，作为第一帧返回给调用者。
func (l *lifecycle) accept(ctx context.Context, setState func(State)) (net.Addr, *protocol.Frame, error) {
	var (
		peer        net.Addr
		synDeadline time.Time
		state       = StateListening
	)
	setState(state)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, l.failed(err)
		}

		var until time.Time
		if state == StateSynRcvd {
			until = synDeadline
		}
		r := l.tr.Receive(readSlice(l.opts.ReceiveReadTimeout, until))

		switch r.Status {
		case transport.ReadTimeout:
			if state == StateSynRcvd && !time.Now().Before(synDeadline) {
				l.log.Warn().Str("peer", peer.String()).Msg("等待 ACK 超时，回到 LISTENING")
				state, peer = StateListening, nil
				setState(state)
			}
			continue
		case transport.ReadError:
			return nil, nil, l.failed(r.Err)
		}

		if state == StateSynRcvd && !transport.SameAddr(r.From, peer) {
			l.m.RecordDiscard(l.role, metrics.DiscardForeign)
			continue
		}

		f, err := protocol.DecodeValid(r.Data)
		if err != nil {
			l.discard(err)
			continue
		}

		switch state {
		case StateListening:
			if !f.Is(protocol.TypeSYN, protocol.ControlSeq) {
				l.log.Debug().Str("frame", f.String()).Msg("等待 SYN，忽略")
				continue
			}
			peer = r.From
			if err := l.send(protocol.NewSynFrame(), peer); err != nil {
				return nil, nil, l.failed(err)
			}
			state = StateSynRcvd
			synDeadline = time.Now().Add(l.opts.HandshakeTimeout)
			setState(state)
			l.log.Debug().Str("peer", peer.String()).Msg("收到 SYN，已回复")

		case StateSynRcvd:
			switch {
			case f.Is(protocol.TypeACK, protocol.ControlSeq):
				l.m.RecordHandshake(l.role, metrics.ResultOK)
				l.log.Info().Str("peer", peer.String()).Msg("连接已建立")
				return peer, nil, nil

			case f.Is(protocol.TypeSYN, protocol.ControlSeq):
				// 对端未收到回复，重发
				if err := l.send(protocol.NewSynFrame(), peer); err != nil {
					return nil, nil, l.failed(err)
				}
				synDeadline = time.Now().Add(l.opts.HandshakeTimeout)
				l.log.Debug().Msg("重复 SYN，重发回复")

			case f.Type == protocol.TypeData, f.Is(protocol.TypeFIN, protocol.ControlSeq):
				l.m.RecordHandshake(l.role, metrics.ResultOK)
				l.log.Info().Str("peer", peer.String()).Str("frame", f.String()).Msg("ACK 丢失，隐式建立连接")
				return peer, f, nil

			default:
				l.log.Debug().Str("frame", f.String()).Msg("等待 ACK，忽略")
			}
		}
	}
}

// close 发起方关闭: FIN → 等待 FIN，失败不影响已完成的数据传输
func (l *lifecycle) close(ctx context.Context, peer net.Addr) error {
	attempts := 1 + l.opts.TeardownRetries

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := l.send(protocol.NewFinFrame(), peer); err != nil {
			return l.teardownFailed(err)
		}
		l.log.Debug().Int("attempt", attempt).Msg("已发送 FIN")

		ok, err := l.waitFor(ctx, peer, protocol.TypeFIN, time.Now().Add(l.opts.TeardownTimeout))
		if err != nil {
			return l.teardownFailed(err)
		}
		if ok {
			l.m.RecordTeardown(l.role, metrics.ResultOK)
			l.log.Info().Msg("连接已关闭")
			return nil
		}
		l.log.Warn().Int("attempt", attempt).Msg("等待 FIN 超时")
	}

	return l.teardownFailed(errors.Errorf("%d 次尝试均未收到 FIN", attempts))
}

func (l *lifecycle) teardownFailed(cause error) error {
	l.m.RecordTeardown(l.role, metrics.ResultFailed)
	return errors.Wrapf(ErrTeardownFailed, "%v", cause)
}
