// =============================================================================
// 文件: internal/transport/transport_test.go
// =============================================================================

package transport

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestMemoryPairDelivery(t *testing.T) {
	a, b := NewMemoryPair("a", "b")
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("hello"), a.PeerAddr()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	r := b.Receive(time.Now().Add(time.Second))
	if r.Status != ReadOK {
		t.Fatalf("status = %s, err = %v", r.Status, r.Err)
	}
	if string(r.Data) != "hello" {
		t.Errorf("data = %q", r.Data)
	}
	if !SameAddr(r.From, a.LocalAddr()) {
		t.Errorf("from = %v", r.From)
	}
}

func TestMemoryReceiveTimeout(t *testing.T) {
	a, b := NewMemoryPair("a", "b")
	defer a.Close()
	defer b.Close()

	start := time.Now()
	r := b.Receive(start.Add(20 * time.Millisecond))
	if r.Status != ReadTimeout {
		t.Fatalf("应超时, got %s", r.Status)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("超时返回过早")
	}

	// 过去的截止时间立即返回
	if r := b.Receive(time.Now().Add(-time.Second)); r.Status != ReadTimeout {
		t.Errorf("过去的截止时间应立即超时, got %s", r.Status)
	}
}

func TestMemoryUnknownPeer(t *testing.T) {
	a, b := NewMemoryPair("a", "b")
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("x"), MemoryAddr("c")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("应返回 ErrUnknownPeer, got %v", err)
	}
	if err := a.Send([]byte("x"), nil); !errors.Is(err, ErrNoPeer) {
		t.Errorf("应返回 ErrNoPeer, got %v", err)
	}
}

func TestMemoryClose(t *testing.T) {
	a, b := NewMemoryPair("a", "b")
	defer b.Close()

	done := make(chan ReadResult, 1)
	go func() {
		done <- a.Receive(time.Now().Add(5 * time.Second))
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case r := <-done:
		if r.Status != ReadError || !errors.Is(r.Err, ErrClosed) {
			t.Errorf("关闭后应返回 ErrClosed, got %s %v", r.Status, r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("关闭未唤醒 Receive")
	}

	if err := a.Send([]byte("x"), a.PeerAddr()); !errors.Is(err, ErrClosed) {
		t.Errorf("关闭后发送应返回 ErrClosed, got %v", err)
	}
}

func TestMemoryInject(t *testing.T) {
	a, b := NewMemoryPair("a", "b")
	defer a.Close()
	defer b.Close()

	b.Inject([]byte("forged"), MemoryAddr("z"))
	r := b.Receive(time.Now().Add(time.Second))
	if r.Status != ReadOK || string(r.Data) != "forged" || r.From.String() != "z" {
		t.Errorf("注入失败: %+v", r)
	}
}

func TestUDPLoopback(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer server.Close()

	client, err := ListenUDP("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer client.Close()

	if err := client.Send([]byte("ping"), server.LocalAddr()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	r := server.Receive(time.Now().Add(2 * time.Second))
	if r.Status != ReadOK {
		t.Fatalf("status = %s, err = %v", r.Status, r.Err)
	}
	if string(r.Data) != "ping" {
		t.Errorf("data = %q", r.Data)
	}

	if err := server.Send([]byte("pong"), r.From); err != nil {
		t.Fatalf("回复失败: %v", err)
	}
	r = client.Receive(time.Now().Add(2 * time.Second))
	if r.Status != ReadOK || string(r.Data) != "pong" {
		t.Errorf("回复未收到: %+v", r)
	}
}

func TestUDPTimeoutAndClose(t *testing.T) {
	u, err := ListenUDP("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}

	if r := u.Receive(time.Now().Add(20 * time.Millisecond)); r.Status != ReadTimeout {
		t.Errorf("应超时, got %s %v", r.Status, r.Err)
	}

	u.Close()
	r := u.Receive(time.Now().Add(20 * time.Millisecond))
	if r.Status != ReadError || !errors.Is(r.Err, ErrClosed) {
		t.Errorf("关闭后应返回 ErrClosed, got %s %v", r.Status, r.Err)
	}
}

func TestSameAddr(t *testing.T) {
	if !SameAddr(MemoryAddr("a"), MemoryAddr("a")) {
		t.Error("相同地址应相等")
	}
	if SameAddr(MemoryAddr("a"), WSAddr("a")) {
		t.Error("不同网络类型不应相等")
	}
	if SameAddr(MemoryAddr("a"), nil) {
		t.Error("nil 不应与非 nil 相等")
	}
}
