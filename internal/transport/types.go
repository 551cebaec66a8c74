// =============================================================================
// 文件: internal/transport/types.go
// 描述: 数据报传输层统一类型定义
// =============================================================================
package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultMaxDatagramSize 单次读取的最大数据报
	DefaultMaxDatagramSize = 4096
)

// 错误定义
var (
	ErrClosed      = errors.New("传输已关闭")
	ErrNoPeer      = errors.New("未指定对端地址")
	ErrUnknownPeer = errors.New("未知对端")
)

// ReadStatus 读取结果状态
type ReadStatus uint8

const (
	ReadOK ReadStatus = iota
	ReadTimeout
	ReadError
)

func (s ReadStatus) String() string {
	switch s {
	case ReadOK:
		return "ok"
	case ReadTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// ReadResult 一次带截止时间的读取结果，超时不作为错误返回
type ReadResult struct {
	Data   []byte
	From   net.Addr
	Status ReadStatus
	Err    error
}

func timeoutResult() ReadResult {
	return ReadResult{Status: ReadTimeout}
}

func errorResult(err error) ReadResult {
	return ReadResult{Status: ReadError, Err: err}
}

// Transport 不可靠数据报通道
//
// Receive 同一时刻只允许一个调用者；Send 可并发调用。
type Transport interface {
	// Send 发送一个数据报，丢失不报错
	Send(b []byte, to net.Addr) error

	// Receive 阻塞直到收到数据报、到达 deadline 或出错
	Receive(deadline time.Time) ReadResult

	LocalAddr() net.Addr
	Close() error
}

// SameAddr 比较两个地址是否为同一端点
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
