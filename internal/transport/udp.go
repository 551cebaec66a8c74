// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 数据报传输 - 生产环境使用的底层通道
// =============================================================================
package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// UDPTransport 基于 net.UDPConn 的传输
type UDPTransport struct {
	conn    *net.UDPConn
	bufSize int
}

// ListenUDP 绑定本地地址 (host:port，port 为 0 时随机分配)
func ListenUDP(addr string, maxDatagramSize int) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "解析地址失败: %s", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "监听失败: %s", addr)
	}
	return NewUDPTransport(conn, maxDatagramSize), nil
}

// NewUDPTransport 包装已有的 UDP 连接
func NewUDPTransport(conn *net.UDPConn, maxDatagramSize int) *UDPTransport {
	if maxDatagramSize <= 0 {
		maxDatagramSize = DefaultMaxDatagramSize
	}
	return &UDPTransport{conn: conn, bufSize: maxDatagramSize}
}

// ResolvePeer 解析对端 UDP 地址
func ResolvePeer(addr string) (*net.UDPAddr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "解析对端地址失败: %s", addr)
	}
	return udpAddr, nil
}

// Send 发送数据报
func (t *UDPTransport) Send(b []byte, to net.Addr) error {
	if to == nil {
		return ErrNoPeer
	}
	_, err := t.conn.WriteTo(b, to)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return errors.Wrap(err, "UDP 发送失败")
	}
	return nil
}

// Receive 带截止时间读取
func (t *UDPTransport) Receive(deadline time.Time) ReadResult {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return errorResult(ErrClosed)
		}
		return errorResult(errors.Wrap(err, "设置读取超时失败"))
	}

	buf := make([]byte, t.bufSize)
	n, from, err := t.conn.ReadFrom(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return timeoutResult()
		}
		if errors.Is(err, net.ErrClosed) {
			return errorResult(ErrClosed)
		}
		return errorResult(errors.Wrap(err, "UDP 读取失败"))
	}
	return ReadResult{Data: buf[:n], From: from, Status: ReadOK}
}

// LocalAddr 本地地址
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close 关闭连接
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
