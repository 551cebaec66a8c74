// =============================================================================
// 文件: internal/rdt/types.go
// 描述: 可靠传输类型定义 - 错误、连接状态、发送报告
// =============================================================================
package rdt

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/mrcgq/rdt/internal/congestion"
)

// 错误定义
var (
	ErrConnectionFailed       = errors.New("连接建立失败")
	ErrTeardownFailed         = errors.New("连接关闭失败")
	ErrSequenceSpaceExhausted = errors.New("序列号空间不足")
	ErrInvalidState           = errors.New("连接状态错误")
)

// State 连接状态
type State int

const (
	StateClosed State = iota
	StateListening
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinSent
)

var stateNames = []string{
	"CLOSED",
	"LISTENING",
	"SYN_SENT",
	"SYN_RCVD",
	"ESTABLISHED",
	"FIN_SENT",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Report 一次发送会话的统计
type Report struct {
	Segments  int
	BytesSent int64
	Duration  time.Duration

	// BaseSeq 结束时最早未确认的序列号，全部确认时等于 Segments
	BaseSeq int

	// RTT 按被确认的序列号记录，重传段取最后一次发送时间
	RTTs        map[uint32]time.Duration
	SmoothedRTT time.Duration
	MinRTT      time.Duration
	MaxRTT      time.Duration

	CwndTrace         []congestion.CwndSample
	Throughput        []congestion.ThroughputSample
	AverageThroughput float64

	Transmissions   int
	Retransmissions int
	Timeouts        int
	StaleAcks       int

	// LossRate 超时次数占发送次数的比例，SmoothedLoss 为近期 EWMA
	LossRate     float64
	SmoothedLoss float64

	FinalCwnd     float64
	FinalSsthresh int
	Congestion    *congestion.CongestionStats

	// TeardownErr 关闭握手失败不影响发送结果
	TeardownErr error
}

// ReceiverStats 接收端统计
type ReceiverStats struct {
	Delivered  int
	Duplicates int
	OutOfOrder int
	Corrupt    int
	Malformed  int
	Foreign    int
	AcksSent   int
	Bytes      int64
}
