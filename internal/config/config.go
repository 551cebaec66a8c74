// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 默认值、YAML 覆盖、范围校验与示例生成
// =============================================================================
package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// 运行模式
const (
	ModeUDP       = "udp"
	ModeWebSocket = "websocket"
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`
	Mode     string `yaml:"mode"`

	Sender   SenderConfig   `yaml:"sender"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Channel  ChannelConfig  `yaml:"channel"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SenderConfig 发送端配置
type SenderConfig struct {
	Peer string `yaml:"peer"`
	Bind string `yaml:"bind"`
}

// ReceiverConfig 接收端配置
type ReceiverConfig struct {
	Listen        string `yaml:"listen"`
	WebSocketPath string `yaml:"websocket_path"`
}

// ProtocolConfig 协议参数
type ProtocolConfig struct {
	TimeoutIntervalMs         int    `yaml:"timeout_interval_ms"`
	InitialCongestionWindow   int    `yaml:"initial_congestion_window"`
	InitialSlowStartThreshold int    `yaml:"initial_slow_start_threshold"`
	MaxSequenceNumber         uint32 `yaml:"max_sequence_number"`

	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	HandshakeRetries   int `yaml:"handshake_retries"`
	HandshakeBackoffMs int `yaml:"handshake_backoff_ms"`

	TeardownTimeoutMs int `yaml:"teardown_timeout_ms"`
	TeardownRetries   int `yaml:"teardown_retries"`

	AckReadTimeoutMs     int `yaml:"ack_read_timeout_ms"`
	ReceiveReadTimeoutMs int `yaml:"receive_read_timeout_ms"`
	MaxDatagramSize      int `yaml:"max_datagram_size"`
}

// ChannelConfig 信道模拟参数 (生产环境全部为 0)
type ChannelConfig struct {
	LossProbability        float64 `yaml:"loss_probability"`
	CorruptionProbability  float64 `yaml:"corruption_probability"`
	ReceiveLossProbability float64 `yaml:"receive_loss_probability"`
	ImpairControl          bool    `yaml:"impair_control"`
	Seed                   int64   `yaml:"seed"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "读取配置失败")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "解析配置失败")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Mode:     ModeUDP,

		Sender: SenderConfig{
			Peer: "127.0.0.1:12345",
			Bind: ":0",
		},

		Receiver: ReceiverConfig{
			Listen:        "127.0.0.1:12345",
			WebSocketPath: "/rdt",
		},

		Protocol: ProtocolConfig{
			TimeoutIntervalMs:         1000,
			InitialCongestionWindow:   1,
			InitialSlowStartThreshold: 16,
			MaxSequenceNumber:         1<<32 - 1,
			HandshakeTimeoutMs:        5000,
			HandshakeRetries:          0,
			HandshakeBackoffMs:        500,
			TeardownTimeoutMs:         5000,
			TeardownRetries:           0,
			AckReadTimeoutMs:          2000,
			ReceiveReadTimeoutMs:      2000,
			MaxDatagramSize:           4096,
		},

		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     ":9100",
			Path:       "/metrics",
			HealthPath: "/health",
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log_level 无效: %s (可选 debug, info, warn, error)", c.LogLevel)
	}

	switch c.Mode {
	case ModeUDP, ModeWebSocket:
	default:
		return errors.Errorf("mode 无效: %s (可选 udp, websocket)", c.Mode)
	}

	if _, err := parsePort(c.Sender.Peer); err != nil {
		return errors.Wrap(err, "sender.peer 端口格式错误")
	}
	if _, err := parsePort(c.Receiver.Listen); err != nil {
		return errors.Wrap(err, "receiver.listen 端口格式错误")
	}
	if c.Mode == ModeWebSocket && !strings.HasPrefix(c.Receiver.WebSocketPath, "/") {
		return errors.New("receiver.websocket_path 必须以 / 开头")
	}

	if err := c.validateProtocolConfig(); err != nil {
		return err
	}
	if err := c.validateChannelConfig(); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		if _, err := parsePort(c.Metrics.Listen); err != nil {
			return errors.Wrap(err, "metrics.listen 端口格式错误")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return errors.New("metrics.path 和 metrics.health_path 必须以 / 开头")
		}
		if c.Metrics.Path == c.Metrics.HealthPath {
			return errors.New("metrics.path 与 metrics.health_path 冲突")
		}
	}

	return nil
}

func (c *Config) validateProtocolConfig() error {
	p := &c.Protocol

	if p.TimeoutIntervalMs < 1 || p.TimeoutIntervalMs > 60000 {
		return errors.New("protocol.timeout_interval_ms 需在 1-60000 之间")
	}
	if p.InitialCongestionWindow < 1 || p.InitialCongestionWindow > 65536 {
		return errors.New("protocol.initial_congestion_window 需在 1-65536 之间")
	}
	if p.InitialSlowStartThreshold < 1 || p.InitialSlowStartThreshold > 65536 {
		return errors.New("protocol.initial_slow_start_threshold 需在 1-65536 之间")
	}
	if p.MaxSequenceNumber < 1 {
		return errors.New("protocol.max_sequence_number 必须大于 0")
	}
	if p.HandshakeTimeoutMs < 1 || p.HandshakeTimeoutMs > 60000 {
		return errors.New("protocol.handshake_timeout_ms 需在 1-60000 之间")
	}
	if p.HandshakeRetries < 0 || p.HandshakeRetries > 20 {
		return errors.New("protocol.handshake_retries 需在 0-20 之间")
	}
	if p.HandshakeBackoffMs < 0 || p.HandshakeBackoffMs > 60000 {
		return errors.New("protocol.handshake_backoff_ms 需在 0-60000 之间")
	}
	if p.TeardownTimeoutMs < 1 || p.TeardownTimeoutMs > 60000 {
		return errors.New("protocol.teardown_timeout_ms 需在 1-60000 之间")
	}
	if p.TeardownRetries < 0 || p.TeardownRetries > 20 {
		return errors.New("protocol.teardown_retries 需在 0-20 之间")
	}
	if p.AckReadTimeoutMs < 1 || p.AckReadTimeoutMs > 60000 {
		return errors.New("protocol.ack_read_timeout_ms 需在 1-60000 之间")
	}
	if p.ReceiveReadTimeoutMs < 1 || p.ReceiveReadTimeoutMs > 60000 {
		return errors.New("protocol.receive_read_timeout_ms 需在 1-60000 之间")
	}
	if p.MaxDatagramSize < 8 || p.MaxDatagramSize > 65507 {
		return errors.New("protocol.max_datagram_size 需在 8-65507 之间")
	}
	return nil
}

func (c *Config) validateChannelConfig() error {
	probs := []struct {
		name string
		v    float64
	}{
		{"channel.loss_probability", c.Channel.LossProbability},
		{"channel.corruption_probability", c.Channel.CorruptionProbability},
		{"channel.receive_loss_probability", c.Channel.ReceiveLossProbability},
	}
	for _, p := range probs {
		if p.v < 0 || p.v > 1 {
			return errors.Errorf("%s 需在 0-1 之间", p.name)
		}
	}
	return nil
}

// TimeoutInterval 重传超时
func (p ProtocolConfig) TimeoutInterval() time.Duration {
	return time.Duration(p.TimeoutIntervalMs) * time.Millisecond
}

// HandshakeTimeout 握手超时
func (p ProtocolConfig) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutMs) * time.Millisecond
}

// HandshakeBackoff 握手重试初始退避
func (p ProtocolConfig) HandshakeBackoff() time.Duration {
	return time.Duration(p.HandshakeBackoffMs) * time.Millisecond
}

// TeardownTimeout 挥手超时
func (p ProtocolConfig) TeardownTimeout() time.Duration {
	return time.Duration(p.TeardownTimeoutMs) * time.Millisecond
}

// AckReadTimeout ACK 读取超时
func (p ProtocolConfig) AckReadTimeout() time.Duration {
	return time.Duration(p.AckReadTimeoutMs) * time.Millisecond
}

// ReceiveReadTimeout 接收端读取超时
func (p ProtocolConfig) ReceiveReadTimeout() time.Duration {
	return time.Duration(p.ReceiveReadTimeoutMs) * time.Millisecond
}

// IsImpaired 是否启用信道损伤
func (c ChannelConfig) IsImpaired() bool {
	return c.LossProbability > 0 || c.CorruptionProbability > 0 || c.ReceiveLossProbability > 0
}

// parsePort 从地址中解析端口
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return checkPort(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, errors.Wrapf(err, "地址格式错误: %s", addr)
	}
	return checkPort(portStr)
}

func checkPort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "端口不是数字: %s", s)
	}
	if port < 0 || port > 65535 {
		return 0, errors.Errorf("端口超出范围: %d", port)
	}
	return port, nil
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# rdt 配置文件示例
# =============================================================================

# 基础配置
log_level: "info"                   # 日志级别: debug, info, warn, error
mode: "udp"                         # 传输模式: udp, websocket

# 发送端
sender:
  peer: "127.0.0.1:12345"           # 接收端地址
  bind: ":0"                        # 本地绑定地址 (0 = 随机端口)

# 接收端
receiver:
  listen: "127.0.0.1:12345"         # 监听地址
  websocket_path: "/rdt"            # WebSocket 模式下的路径

# 协议参数
protocol:
  timeout_interval_ms: 1000         # 重传超时 (毫秒)
  initial_congestion_window: 1      # 初始拥塞窗口 (段)
  initial_slow_start_threshold: 16  # 初始慢启动阈值 (段)
  max_sequence_number: 4294967295   # 单次会话允许的最大序列号
  handshake_timeout_ms: 5000        # 握手等待时间 (毫秒)
  handshake_retries: 0              # 握手重试次数
  handshake_backoff_ms: 500         # 握手重试初始退避 (毫秒，指数增长)
  teardown_timeout_ms: 5000         # 挥手等待时间 (毫秒)
  teardown_retries: 0               # 挥手重试次数
  ack_read_timeout_ms: 2000         # 发送端 ACK 读取超时 (毫秒)
  receive_read_timeout_ms: 2000     # 接收端读取超时 (毫秒)
  max_datagram_size: 4096           # 最大数据报长度 (字节)

# 信道模拟 (仅测试使用，生产环境保持 0)
channel:
  loss_probability: 0               # 出站丢包概率
  corruption_probability: 0         # 出站损坏概率 (仅带负载的 DATA 帧)
  receive_loss_probability: 0       # 入站丢包概率
  impair_control: false             # 是否同时损伤控制帧
  seed: 0                           # 随机种子 (0 = 使用当前时间)

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"                   # 监控端口
  path: "/metrics"                  # Prometheus 指标路径
  health_path: "/health"            # 健康检查路径
  enable_pprof: false               # 启用 pprof
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
