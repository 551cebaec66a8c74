// =============================================================================
// 文件: internal/rdt/clock.go
// 描述: 时钟与定时器抽象
// =============================================================================
package rdt

import "time"

// Timer 可停止的定时器
type Timer interface {
	Stop() bool
}

// Clock 时间来源与回调定时器
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock 系统时钟
var SystemClock Clock = systemClock{}
