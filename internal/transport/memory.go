// =============================================================================
// 文件: internal/transport/memory.go
// 描述: 进程内数据报通道 - 测试用桩，行为与 UDP 一致 (队列满即丢弃)
// =============================================================================
package transport

import (
	"net"
	"sync"
	"time"
)

const defaultMemoryQueueSize = 1024

// MemoryAddr 进程内地址
type MemoryAddr string

func (a MemoryAddr) Network() string { return "mem" }
func (a MemoryAddr) String() string  { return string(a) }

type datagram struct {
	data []byte
	from net.Addr
}

// MemoryTransport 一对进程内端点中的一端
type MemoryTransport struct {
	local MemoryAddr
	peer  *MemoryTransport

	inbox     chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMemoryPair 创建互相连通的两个端点
func NewMemoryPair(a, b string) (*MemoryTransport, *MemoryTransport) {
	ta := &MemoryTransport{
		local:  MemoryAddr(a),
		inbox:  make(chan datagram, defaultMemoryQueueSize),
		closed: make(chan struct{}),
	}
	tb := &MemoryTransport{
		local:  MemoryAddr(b),
		inbox:  make(chan datagram, defaultMemoryQueueSize),
		closed: make(chan struct{}),
	}
	ta.peer = tb
	tb.peer = ta
	return ta, tb
}

// Send 投递到对端，目的地址必须是对端
func (t *MemoryTransport) Send(b []byte, to net.Addr) error {
	if t.isClosed() {
		return ErrClosed
	}
	if to == nil {
		return ErrNoPeer
	}
	if !SameAddr(to, t.peer.local) {
		return ErrUnknownPeer
	}

	data := make([]byte, len(b))
	copy(data, b)

	select {
	case <-t.peer.closed:
		// 对端已关闭，等同于网络丢包
	case t.peer.inbox <- datagram{data: data, from: t.local}:
	default:
		// 队列满，丢弃
	}
	return nil
}

// Receive 带截止时间读取
func (t *MemoryTransport) Receive(deadline time.Time) ReadResult {
	// 已排队的数据优先
	select {
	case d := <-t.inbox:
		return ReadResult{Data: d.data, From: d.from, Status: ReadOK}
	default:
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		if t.isClosed() {
			return errorResult(ErrClosed)
		}
		return timeoutResult()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d := <-t.inbox:
		return ReadResult{Data: d.data, From: d.from, Status: ReadOK}
	case <-t.closed:
		return errorResult(ErrClosed)
	case <-timer.C:
		return timeoutResult()
	}
}

// Inject 直接向本端注入一个数据报 (测试构造乱序/伪造帧)
func (t *MemoryTransport) Inject(b []byte, from net.Addr) {
	data := make([]byte, len(b))
	copy(data, b)
	select {
	case t.inbox <- datagram{data: data, from: from}:
	default:
	}
}

// LocalAddr 本地地址
func (t *MemoryTransport) LocalAddr() net.Addr {
	return t.local
}

// PeerAddr 对端地址
func (t *MemoryTransport) PeerAddr() net.Addr {
	return t.peer.local
}

// Close 关闭本端
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
