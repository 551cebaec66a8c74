// =============================================================================
// 文件: cmd/rdt-receiver/main.go
// 描述: 接收端入口 - 监听、按序接收、收到 FIN 后输出全部分段
// =============================================================================
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
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
	listen := flag.String("listen", "", "监听地址 host:port")
	output := flag.String("out", "", "输出文件，每行一个分段 (默认标准输出)")
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

	if *mode != "" {
		cfg.Mode = *mode
	}
	if *listen != "" {
		cfg.Receiver.Listen = *listen
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	delivered, err := run(ctx, cfg, log)
	if werr := writeSegments(*output, delivered); werr != nil {
		log.Error().Err(werr).Msg("输出失败")
		os.Exit(1)
	}
	if err != nil {
		log.Error().Err(err).Msg("接收失败")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) ([][]byte, error) {
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
			return nil, err
		}
		defer metricsServer.Stop()
	}

	printBanner(cfg)

	tr, cleanup, err := openTransport(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	tr = transport.WrapProfile(tr, opts.Channel, transport.WithLogger(log))
	if lossy, ok := tr.(*transport.LossyTransport); ok {
		log.Warn().
			Float64("receive_loss", opts.Channel.ReceiveLossProbability).
			Msg("信道损伤已启用")
		if metricsServer != nil {
			if err := metricsServer.RegisterCollector(metrics.NewChannelCollector(lossy)); err != nil {
				return nil, err
			}
		}
	}

	recv := rdt.NewReceiver(tr, opts)
	recv.OnDeliver = func(seq uint32, payload []byte) {
		log.Info().Uint32("seq", seq).Int("size", len(payload)).Msg("收到分段")
	}

	start := time.Now()
	sessions.SessionStarted()
	delivered, err := recv.Receive(ctx)

	stats := recv.Stats()
	rec := metrics.SessionRecord{
		Role:      metrics.RoleReceiver,
		StartedAt: start,
		Duration:  time.Since(start),
		Segments:  uint64(stats.Delivered),
		Bytes:     uint64(stats.Bytes),
	}
	if p := recv.Peer(); p != nil {
		rec.Peer = p.String()
	}
	if err != nil {
		rec.Err = err.Error()
	}
	sessions.SessionFinished(rec)

	log.Info().
		Int("delivered", stats.Delivered).
		Int("duplicates", stats.Duplicates).
		Int("out_of_order", stats.OutOfOrder).
		Int("corrupt", stats.Corrupt).
		Int("acks", stats.AcksSent).
		Msg("会话结束")
	return delivered, err
}

// openTransport 按模式监听，WebSocket 模式等待第一个连接
func openTransport(ctx context.Context, cfg *config.Config, log zerolog.Logger) (transport.Transport, func(), error) {
	switch cfg.Mode {
	case config.ModeWebSocket:
		l, err := transport.ListenWebSocket(cfg.Receiver.Listen, cfg.Receiver.WebSocketPath,
			cfg.Protocol.MaxDatagramSize, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", l.Addr().String()).Str("path", cfg.Receiver.WebSocketPath).Msg("等待 WebSocket 连接")

		ws, err := l.Accept(ctx)
		if err != nil {
			l.Close()
			return nil, nil, errors.Wrap(err, "等待连接失败")
		}
		return ws, func() {
			ws.Close()
			l.Close()
		}, nil

	default:
		conn, err := transport.ListenUDP(cfg.Receiver.Listen, cfg.Protocol.MaxDatagramSize)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", conn.LocalAddr().String()).Msg("UDP 监听中")
		return conn, func() { conn.Close() }, nil
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func writeSegments(path string, segments [][]byte) error {
	var out io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, "创建输出文件失败")
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	for _, seg := range segments {
		w.Write(seg)
		w.WriteByte('\n')
	}
	return w.Flush()
}

func printVersion() {
	fmt.Printf("rdt-receiver %s\n", Version)
	fmt.Printf("  Build:  %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printBanner(cfg *config.Config) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                    RDT Receiver                           ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════════════════════════╣")
	fmt.Fprintf(os.Stderr, "║  监听:   %-48s ║\n", cfg.Receiver.Listen)
	fmt.Fprintf(os.Stderr, "║  模式:   %-48s ║\n", cfg.Mode)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(os.Stderr, "║  监控:   %-48s ║\n", cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
}
