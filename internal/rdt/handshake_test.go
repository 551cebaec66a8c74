// =============================================================================
// 文件: internal/rdt/handshake_test.go
// 描述: 连接生命周期测试 - 握手重试、响应方加固、关闭握手
// =============================================================================
package rdt

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/protocol"
	"github.com/mrcgq/rdt/internal/transport"
)

// =============================================================================
// 发起方
// =============================================================================

func TestConnectNoResponder(t *testing.T) {
	a, b := transport.NewMemoryPair("sender", "silent")
	defer a.Close()
	defer b.Close()

	opts := testOptions()
	opts.HandshakeTimeout = 50 * time.Millisecond
	opts.HandshakeRetries = 2

	s := NewSender(a, b.LocalAddr(), opts)
	report, err := s.Send(context.Background(), makeSegments(3))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("应返回 ErrConnectionFailed, got %v", err)
	}
	if report != nil {
		t.Error("握手失败不应返回报告")
	}
	if s.State() != StateClosed {
		t.Errorf("状态应为 CLOSED, got %s", s.State())
	}

	// 1 次初始 + 2 次重试，且没有数据帧
	syns := 0
	for {
		r := b.Receive(time.Now())
		if r.Status != transport.ReadOK {
			break
		}
		f, err := protocol.DecodeValid(r.Data)
		if err != nil {
			t.Fatalf("无效帧: %v", err)
		}
		if !f.Is(protocol.TypeSYN, protocol.ControlSeq) {
			t.Errorf("握手期间只应发送 SYN, got %s", f)
		}
		syns++
	}
	if syns != 3 {
		t.Errorf("SYN 次数错误: got %d, want 3", syns)
	}
}

func TestConnectIgnoresNoise(t *testing.T) {
	a, b := transport.NewMemoryPair("sender", "peer")
	defer a.Close()
	defer b.Close()

	peer := &rawPeer{t: t, tr: b, to: a.LocalAddr()}
	opts := testOptions()

	done := make(chan error, 1)
	go func() {
		lc := newLifecycle(a, &opts, metrics.RoleSender)
		done <- lc.connect(context.Background(), b.LocalAddr())
	}()

	peer.expect(protocol.TypeSYN, protocol.ControlSeq)

	// 损坏帧、无关帧、第三方数据报都应被忽略
	bad := protocol.NewSynFrame().Encode()
	bad[0] ^= 0x01
	peer.sendRaw(bad)
	peer.send(protocol.NewAckFrame(7))
	a.Inject(protocol.NewSynFrame().Encode(), transport.MemoryAddr("intruder"))
	peer.send(protocol.NewSynFrame())

	peer.expect(protocol.TypeACK, protocol.ControlSeq)
	if err := <-done; err != nil {
		t.Fatalf("握手失败: %v", err)
	}
}

func TestConnectCancel(t *testing.T) {
	a, b := transport.NewMemoryPair("sender", "silent")
	defer a.Close()
	defer b.Close()

	opts := testOptions()
	opts.HandshakeTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewSender(a, b.LocalAddr(), opts).Send(ctx, makeSegments(1))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("应返回 ErrConnectionFailed, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("取消后应尽快返回")
	}
}

// =============================================================================
// 响应方
// =============================================================================

func TestAcceptHardening(t *testing.T) {
	t.Run("重复 SYN 重发回复", func(t *testing.T) {
		_, peer, done, _ := startReceiver(t, testOptions(), nil)

		peer.send(protocol.NewSynFrame())
		peer.expect(protocol.TypeSYN, protocol.ControlSeq)
		peer.send(protocol.NewSynFrame())
		peer.expect(protocol.TypeSYN, protocol.ControlSeq)
		peer.send(protocol.NewAckFrame(protocol.ControlSeq))

		peer.send(protocol.NewFinFrame())
		peer.expect(protocol.TypeFIN, protocol.ControlSeq)
		if res := waitResult(t, done); res.err != nil {
			t.Fatalf("接收失败: %v", res.err)
		}
	})

	t.Run("DATA 隐式确认", func(t *testing.T) {
		_, peer, done, _ := startReceiver(t, testOptions(), nil)

		peer.send(protocol.NewSynFrame())
		peer.expect(protocol.TypeSYN, protocol.ControlSeq)
		// 握手 ACK 丢失
		peer.send(protocol.NewDataFrame(0, []byte("first")))
		peer.expect(protocol.TypeACK, 0)

		peer.send(protocol.NewFinFrame())
		peer.expect(protocol.TypeFIN, protocol.ControlSeq)
		res := waitResult(t, done)
		assertDelivered(t, res.delivered, [][]byte{[]byte("first")})
	})

	t.Run("FIN 隐式确认", func(t *testing.T) {
		_, peer, done, _ := startReceiver(t, testOptions(), nil)

		peer.send(protocol.NewSynFrame())
		peer.expect(protocol.TypeSYN, protocol.ControlSeq)
		peer.send(protocol.NewFinFrame())
		peer.expect(protocol.TypeFIN, protocol.ControlSeq)

		res := waitResult(t, done)
		if res.err != nil || len(res.delivered) != 0 {
			t.Errorf("结果错误: %d %v", len(res.delivered), res.err)
		}
	})

	t.Run("SYN_RCVD 超时回到 LISTENING", func(t *testing.T) {
		opts := testOptions()
		opts.HandshakeTimeout = 60 * time.Millisecond
		recv, peer, done, _ := startReceiver(t, opts, nil)

		peer.send(protocol.NewSynFrame())
		peer.expect(protocol.TypeSYN, protocol.ControlSeq)
		waitState(t, recv.State, StateSynRcvd)
		waitState(t, recv.State, StateListening)

		peer.handshake()
		peer.send(protocol.NewDataFrame(0, []byte("a")))
		peer.expect(protocol.TypeACK, 0)
		peer.send(protocol.NewFinFrame())
		peer.expect(protocol.TypeFIN, protocol.ControlSeq)

		res := waitResult(t, done)
		assertDelivered(t, res.delivered, [][]byte{[]byte("a")})
	})

	t.Run("等待 SYN 时忽略其他帧", func(t *testing.T) {
		_, peer, done, _ := startReceiver(t, testOptions(), nil)

		peer.send(protocol.NewDataFrame(0, []byte("early")))
		peer.send(protocol.NewFinFrame())
		peer.sendRaw([]byte{1})
		peer.expectSilence(50 * time.Millisecond)

		peer.handshake()
		peer.send(protocol.NewFinFrame())
		peer.expect(protocol.TypeFIN, protocol.ControlSeq)
		waitResult(t, done)
	})

	t.Run("取消监听", func(t *testing.T) {
		recv, _, done, cancel := startReceiver(t, testOptions(), nil)
		waitState(t, recv.State, StateListening)

		cancel()
		res := waitResult(t, done)
		if !errors.Is(res.err, ErrConnectionFailed) {
			t.Errorf("应返回 ErrConnectionFailed, got %v", res.err)
		}
	})
}

// =============================================================================
// 关闭握手
// =============================================================================

func TestTeardownFailureIsNonFatal(t *testing.T) {
	a, b := transport.NewMemoryPair("sender", "peer")
	defer a.Close()
	defer b.Close()

	opts := testOptions()
	opts.TeardownTimeout = 50 * time.Millisecond
	opts.TeardownRetries = 1

	peer := &rawPeer{t: t, tr: b, to: a.LocalAddr()}
	go func() {
		peer.accept()
		peer.expect(protocol.TypeData, 0)
		peer.send(protocol.NewAckFrame(0))
	}()

	report, err := NewSender(a, b.LocalAddr(), opts).Send(context.Background(), makeSegments(1))
	if err != nil {
		t.Fatalf("关闭失败不应影响发送结果: %v", err)
	}
	if !errors.Is(report.TeardownErr, ErrTeardownFailed) {
		t.Errorf("TeardownErr 应为 ErrTeardownFailed, got %v", report.TeardownErr)
	}
	if report.BaseSeq != 1 {
		t.Errorf("BaseSeq = %d, want 1", report.BaseSeq)
	}

	// 初始 + 1 次重试
	fins := 0
	for {
		r := b.Receive(time.Now())
		if r.Status != transport.ReadOK {
			break
		}
		if f, err := protocol.DecodeValid(r.Data); err == nil && f.Is(protocol.TypeFIN, protocol.ControlSeq) {
			fins++
		}
	}
	if fins != 2 {
		t.Errorf("FIN 次数错误: got %d, want 2", fins)
	}
}

func TestTeardownIgnoresLateAcks(t *testing.T) {
	a, b := transport.NewMemoryPair("sender", "peer")
	defer a.Close()
	defer b.Close()

	opts := testOptions()
	peer := &rawPeer{t: t, tr: b, to: a.LocalAddr()}

	done := make(chan error, 1)
	go func() {
		lc := newLifecycle(a, &opts, metrics.RoleSender)
		done <- lc.close(context.Background(), b.LocalAddr())
	}()

	peer.expect(protocol.TypeFIN, protocol.ControlSeq)
	peer.send(protocol.NewAckFrame(3))
	peer.send(protocol.NewAckFrame(3))
	peer.send(protocol.NewFinFrame())

	if err := <-done; err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
}
