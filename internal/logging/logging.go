// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 日志构建 - zerolog 控制台输出，带时间与组件字段
// =============================================================================
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// TimeFormat 控制台时间格式
const TimeFormat = "15:04:05"

// ParseLevel 解析日志级别 (debug, info, warn, error)
func ParseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, errors.Errorf("未知日志级别: %s", level)
	}
}

// New 创建控制台日志，w 为 nil 时输出到 stderr
func New(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if w == nil {
		w = os.Stderr
	}

	out := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: TimeFormat,
		NoColor:    !isTerminal(w),
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// Component 派生带组件字段的子日志
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// isTerminal 仅对终端输出启用颜色
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
