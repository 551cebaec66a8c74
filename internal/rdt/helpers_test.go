// =============================================================================
// 文件: internal/rdt/helpers_test.go
// 描述: 测试辅助 - 手动时钟、脚本化对端、故障注入
// =============================================================================
package rdt

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/rdt/internal/protocol"
	"github.com/mrcgq/rdt/internal/transport"
)

// =============================================================================
// 参数与数据
// =============================================================================

func testOptions() Options {
	o := DefaultOptions()
	o.TimeoutInterval = 40 * time.Millisecond
	o.HandshakeTimeout = 300 * time.Millisecond
	o.HandshakeBackoff = 10 * time.Millisecond
	o.TeardownTimeout = 200 * time.Millisecond
	o.AckReadTimeout = 10 * time.Millisecond
	o.ReceiveReadTimeout = 10 * time.Millisecond
	return o
}

func makeSegments(n int) [][]byte {
	segments := make([][]byte, n)
	for i := range segments {
		segments[i] = []byte(fmt.Sprintf("Message part %d", i+1))
	}
	return segments
}

func assertDelivered(t *testing.T, got, want [][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("交付数量错误: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i]) != string(want[i]) {
			t.Errorf("分段 %d 错误: got %q, want %q", i, got[i], want[i])
		}
	}
}

// =============================================================================
// 端到端
// =============================================================================

type receiveResult struct {
	delivered [][]byte
	err       error
}

// runTransfer 在 receiverTr 上接收，同时从 senderTr 发送到 peer
func runTransfer(t *testing.T, senderTr, receiverTr transport.Transport, peer net.Addr,
	segments [][]byte, opts Options) (*Report, [][]byte, *Receiver) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recv := NewReceiver(receiverTr, opts)
	done := make(chan receiveResult, 1)
	go func() {
		delivered, err := recv.Receive(ctx)
		done <- receiveResult{delivered, err}
	}()

	report, err := NewSender(senderTr, peer, opts).Send(ctx, segments)
	if err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("接收失败: %v", res.err)
	}
	return report, res.delivered, recv
}

// =============================================================================
// 故障注入
// =============================================================================

// onceFault 对指定序列号的第一次发送施加一次 verdict
type onceFault struct {
	mu      sync.Mutex
	seq     uint32
	verdict transport.Verdict
	applied bool
	sends   int
}

func (f *onceFault) Decide(dir transport.Direction, frame []byte) transport.Verdict {
	if dir != transport.Outbound {
		return transport.Pass
	}
	typ, ok := protocol.PeekType(frame)
	if !ok || typ != protocol.TypeData {
		return transport.Pass
	}
	if seq, _ := protocol.PeekSeq(frame); seq != f.seq {
		return transport.Pass
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.applied {
		return transport.Pass
	}
	f.applied = true
	return f.verdict
}

func (f *onceFault) Sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// =============================================================================
// 手动时钟
// =============================================================================

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	at    time.Time
	f     func()
	done  bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance 推进时间并在调用方协程中执行到期回调
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (t *manualTimer) Stopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.done
}

// =============================================================================
// 脚本化对端
// =============================================================================

// rawPeer 直接收发帧，用于逐帧驱动引擎
type rawPeer struct {
	t  *testing.T
	tr *transport.MemoryTransport
	to net.Addr
}

func (p *rawPeer) send(f *protocol.Frame) {
	p.t.Helper()
	if err := p.tr.Send(f.Encode(), p.to); err != nil {
		p.t.Fatalf("发送 %s 失败: %v", f, err)
	}
}

func (p *rawPeer) sendRaw(b []byte) {
	p.t.Helper()
	if err := p.tr.Send(b, p.to); err != nil {
		p.t.Fatalf("发送失败: %v", err)
	}
}

// next 读取下一帧
func (p *rawPeer) next(timeout time.Duration) (*protocol.Frame, bool) {
	p.t.Helper()
	r := p.tr.Receive(time.Now().Add(timeout))
	if r.Status != transport.ReadOK {
		return nil, false
	}
	f, err := protocol.DecodeValid(r.Data)
	if err != nil {
		p.t.Fatalf("收到无效帧: %v", err)
	}
	return f, true
}

func (p *rawPeer) expect(typ protocol.FrameType, seq uint32) *protocol.Frame {
	p.t.Helper()
	f, ok := p.next(2 * time.Second)
	if !ok {
		p.t.Fatalf("等待 %s(%d) 超时", typ, seq)
	}
	if !f.Is(typ, seq) {
		p.t.Fatalf("期望 %s(%d), got %s", typ, seq, f)
	}
	return f
}

func (p *rawPeer) expectSilence(d time.Duration) {
	p.t.Helper()
	if f, ok := p.next(d); ok {
		p.t.Fatalf("不应收到帧, got %s", f)
	}
}

// handshake 作为发起方完成握手
func (p *rawPeer) handshake() {
	p.t.Helper()
	p.send(protocol.NewSynFrame())
	p.expect(protocol.TypeSYN, protocol.ControlSeq)
	p.send(protocol.NewAckFrame(protocol.ControlSeq))
}

// accept 作为响应方完成握手
func (p *rawPeer) accept() {
	p.t.Helper()
	p.expect(protocol.TypeSYN, protocol.ControlSeq)
	p.send(protocol.NewSynFrame())
	p.expect(protocol.TypeACK, protocol.ControlSeq)
}

// startReceiver 启动接收端，返回驱动它的对端
func startReceiver(t *testing.T, opts Options, onDeliver func(uint32, []byte)) (*Receiver, *rawPeer, <-chan receiveResult, context.CancelFunc) {
	t.Helper()

	a, b := transport.NewMemoryPair("peer", "receiver")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(func() {
		cancel()
		a.Close()
		b.Close()
	})

	recv := NewReceiver(b, opts)
	recv.OnDeliver = onDeliver

	done := make(chan receiveResult, 1)
	go func() {
		delivered, err := recv.Receive(ctx)
		done <- receiveResult{delivered, err}
	}()

	return recv, &rawPeer{t: t, tr: a, to: b.LocalAddr()}, done, cancel
}

func waitResult(t *testing.T, done <-chan receiveResult) receiveResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("接收端未结束")
		return receiveResult{}
	}
}

func waitState(t *testing.T, get func() State, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("状态未变为 %s, 当前 %s", want, get())
}
