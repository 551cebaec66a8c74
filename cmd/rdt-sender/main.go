// =============================================================================
// 文件: cmd/rdt-sender/main.go
// 描述: 发送端入口 - 握手、可靠发送、关闭并打印会话报告
// =============================================================================
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mrcgq/rdt/internal/config"
	"github.com/mrcgq/rdt/internal/logging"
	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/rdt"
	"github.com/mrcgq/rdt/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (为空时使用默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	mode := flag.String("mode", "", "传输模式: udp/websocket")
	peer := flag.String("peer", "", "接收端地址 host:port")
	count := flag.Int("n", 5, "生成的消息数量 (未指定 -in 时)")
	input := flag.String("in", "", "负载文件，每行一个分段")
	logLevel := flag.String("log", "", "日志级别: debug/info/warn/error")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	// 命令行覆盖
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *peer != "" {
		cfg.Sender.Peer = *peer
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}

	segments, err := loadSegments(*input, *count)
	if err != nil {
		log.Error().Err(err).Msg("读取负载失败")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, segments, log); err != nil {
		log.Error().Err(err).Msg("发送失败")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, segments [][]byte, log zerolog.Logger) error {
	opts := rdt.OptionsFromConfig(cfg)
	opts.Logger = log

	sessions := metrics.NewSessionStats()
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
			log,
		)
		opts.Metrics = metrics.NewRDTMetrics(metricsServer.GetRegistry())
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return sessions.Health(Version)
		})
		if err := metricsServer.Start(ctx); err != nil {
			return err
		}
		defer metricsServer.Stop()
	}

	tr, peerAddr, err := openTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer tr.Close()

	tr = transport.WrapProfile(tr, opts.Channel, transport.WithLogger(log))
	if lossy, ok := tr.(*transport.LossyTransport); ok {
		log.Warn().
			Float64("loss", opts.Channel.LossProbability).
			Float64("corruption", opts.Channel.CorruptionProbability).
			Msg("信道损伤已启用")
		if metricsServer != nil {
			if err := metricsServer.RegisterCollector(metrics.NewChannelCollector(lossy)); err != nil {
				return err
			}
		}
	}

	printBanner(cfg, peerAddr, len(segments))

	sessions.SessionStarted()
	report, err := rdt.NewSender(tr, peerAddr, opts).Send(ctx, segments)

	rec := metrics.SessionRecord{
		Role:      metrics.RoleSender,
		Peer:      peerAddr.String(),
		StartedAt: time.Now(),
		Segments:  uint64(len(segments)),
	}
	if report != nil {
		rec.StartedAt = rec.StartedAt.Add(-report.Duration)
		rec.Duration = report.Duration
		rec.Bytes = uint64(report.BytesSent)
	}
	if err != nil {
		rec.Err = err.Error()
	}
	sessions.SessionFinished(rec)

	if report != nil {
		printReport(report)
	}
	return err
}

// openTransport 按模式建立底层传输，返回对端地址
func openTransport(ctx context.Context, cfg *config.Config, log zerolog.Logger) (transport.Transport, net.Addr, error) {
	switch cfg.Mode {
	case config.ModeWebSocket:
		url := "ws://" + cfg.Sender.Peer + cfg.Receiver.WebSocketPath
		ws, err := transport.DialWebSocket(ctx, url, cfg.Protocol.MaxDatagramSize)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("url", url).Msg("WebSocket 已连接")
		return ws, ws.RemoteAddr(), nil

	default:
		addr, err := transport.ResolvePeer(cfg.Sender.Peer)
		if err != nil {
			return nil, nil, err
		}
		conn, err := transport.ListenUDP(cfg.Sender.Bind, cfg.Protocol.MaxDatagramSize)
		if err != nil {
			return nil, nil, err
		}
		log.Debug().Str("local", conn.LocalAddr().String()).Msg("UDP 已绑定")
		return conn, addr, nil
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// loadSegments 从文件逐行读取，未指定文件时生成 "Message part i"
func loadSegments(path string, n int) ([][]byte, error) {
	if path == "" {
		if n < 0 {
			return nil, errors.Errorf("消息数量无效: %d", n)
		}
		segments := make([][]byte, n)
		for i := range segments {
			segments[i] = []byte(fmt.Sprintf("Message part %d", i+1))
		}
		return segments, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "打开负载文件失败")
	}
	defer f.Close()

	var segments [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		segments = append(segments, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "读取负载文件失败")
	}
	return segments, nil
}

func printVersion() {
	fmt.Printf("rdt-sender %s\n", Version)
	fmt.Printf("  Build:  %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printBanner(cfg *config.Config, peer net.Addr, segments int) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                    RDT Sender                             ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  对端:   %-48s ║\n", peer.String())
	fmt.Printf("║  模式:   %-48s ║\n", cfg.Mode)
	fmt.Printf("║  分段:   %-48d ║\n", segments)
	fmt.Printf("║  超时:   %-48s ║\n", cfg.Protocol.TimeoutInterval())
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func printReport(r *rdt.Report) {
	fmt.Println()
	fmt.Println("会话报告")
	fmt.Printf("  分段:     %d (已确认 %d)\n", r.Segments, r.BaseSeq)
	fmt.Printf("  字节:     %d\n", r.BytesSent)
	fmt.Printf("  耗时:     %v\n", r.Duration)
	fmt.Printf("  发送:     %d 次 (重传 %d, 超时 %d, 重复 ACK %d)\n",
		r.Transmissions, r.Retransmissions, r.Timeouts, r.StaleAcks)
	fmt.Printf("  丢包估计: %.1f%% (近期 %.1f%%)\n", r.LossRate*100, r.SmoothedLoss*100)
	fmt.Printf("  RTT:      平滑 %v / 最小 %v / 最大 %v\n", r.SmoothedRTT, r.MinRTT, r.MaxRTT)
	fmt.Printf("  吞吐量:   %.0f bit/s\n", r.AverageThroughput)
	fmt.Printf("  拥塞窗口: cwnd=%.2f ssthresh=%d", r.FinalCwnd, r.FinalSsthresh)
	if r.Congestion != nil {
		fmt.Printf(" (%s, ACK %d, 超时 %d)", r.Congestion.State, r.Congestion.AcksProcessed, r.Congestion.Timeouts)
	}
	fmt.Println()
	if r.TeardownErr != nil {
		fmt.Printf("  关闭:     %v\n", r.TeardownErr)
	}
}
