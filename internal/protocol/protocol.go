// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: RDT 帧编解码 - 固定 7 字节头 + 可变负载，加法校验和
// =============================================================================

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// FrameType 帧类型
type FrameType uint8

// 帧类型 (线上取值固定，不可调整)
const (
	TypeData FrameType = 0
	TypeSYN  FrameType = 1
	TypeACK  FrameType = 2
	TypeFIN  FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeSYN:
		return "SYN"
	case TypeACK:
		return "ACK"
	case TypeFIN:
		return "FIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// =============================================================================
// 帧格式常量
// =============================================================================

const (
	// HeaderSize 帧头大小: Type(1) + Seq(4) + Checksum(2) = 7
	HeaderSize = 7

	// ControlSeq 控制帧 (SYN/ACK/FIN) 使用的保留序列号
	ControlSeq uint32 = 0
)

// 错误定义
var (
	ErrMalformedFrame = errors.New("帧格式错误")
	ErrCorruptFrame   = errors.New("帧校验和不匹配")
)

// Frame RDT 帧
type Frame struct {
	Type     FrameType
	Seq      uint32
	Checksum uint16
	Payload  []byte
}

// ComputeChecksum 计算校验和
// Type + Seq + 每个负载字节之和，截断为 16 位。
// 已知弱点: 相同和的字节互换等错误无法检出，保持原样。
func ComputeChecksum(t FrameType, seq uint32, payload []byte) uint16 {
	sum := uint64(t) + uint64(seq)
	for _, b := range payload {
		sum += uint64(b)
	}
	return uint16(sum & 0xFFFF)
}

// NewFrame 创建帧并填充校验和
func NewFrame(t FrameType, seq uint32, payload []byte) *Frame {
	f := &Frame{Type: t, Seq: seq}
	if len(payload) > 0 {
		f.Payload = make([]byte, len(payload))
		copy(f.Payload, payload)
	}
	f.Checksum = ComputeChecksum(f.Type, f.Seq, f.Payload)
	return f
}

// NewDataFrame 创建数据帧
func NewDataFrame(seq uint32, payload []byte) *Frame {
	return NewFrame(TypeData, seq, payload)
}

// NewAckFrame 创建 ACK 帧 (握手 ACK 使用 ControlSeq)
func NewAckFrame(seq uint32) *Frame {
	return NewFrame(TypeACK, seq, nil)
}

// NewSynFrame 创建 SYN 帧
func NewSynFrame() *Frame {
	return NewFrame(TypeSYN, ControlSeq, nil)
}

// NewFinFrame 创建 FIN 帧
func NewFinFrame() *Frame {
	return NewFrame(TypeFIN, ControlSeq, nil)
}

// Encode 编码帧，重新计算并写入校验和，不修改 f
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.Seq)
	binary.BigEndian.PutUint16(buf[5:7], ComputeChecksum(f.Type, f.Seq, f.Payload))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode 解码帧，保留线上的校验和以便 IsCorrupt 检查
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrapf(ErrMalformedFrame, "数据太短: %d < %d", len(data), HeaderSize)
	}

	f := &Frame{
		Type:     FrameType(data[0]),
		Seq:      binary.BigEndian.Uint32(data[1:5]),
		Checksum: binary.BigEndian.Uint16(data[5:7]),
	}
	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}

// DecodeValid 解码并校验，损坏帧返回 ErrCorruptFrame
func DecodeValid(data []byte) (*Frame, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if f.IsCorrupt() {
		return nil, errors.Wrapf(ErrCorruptFrame, "%s seq=%d checksum=%#04x", f.Type, f.Seq, f.Checksum)
	}
	return f, nil
}

// IsCorrupt 重新计算校验和并比较
func (f *Frame) IsCorrupt() bool {
	return f.Checksum != ComputeChecksum(f.Type, f.Seq, f.Payload)
}

// Is 判断帧类型和序列号
func (f *Frame) Is(t FrameType, seq uint32) bool {
	return f.Type == t && f.Seq == seq
}

// IsControl 是否控制帧
func (f *Frame) IsControl() bool {
	return f.Type == TypeSYN || f.Type == TypeACK || f.Type == TypeFIN
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s seq=%d len=%d", f.Type, f.Seq, len(f.Payload))
}

// PeekType 不完整解码，仅读取类型字节 (信道模拟器使用)
func PeekType(data []byte) (FrameType, bool) {
	if len(data) < HeaderSize {
		return 0, false
	}
	return FrameType(data[0]), true
}

// PeekSeq 仅读取序列号
func PeekSeq(data []byte) (uint32, bool) {
	if len(data) < HeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[1:5]), true
}
