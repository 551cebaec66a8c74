// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 会话统计 - 进程内累计的会话计数与最近历史，供健康检查展示
// =============================================================================
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const sessionHistoryLimit = 100

// SessionRecord 一次会话的摘要
type SessionRecord struct {
	Role      string        `json:"role"`
	Peer      string        `json:"peer"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Segments  uint64        `json:"segments"`
	Bytes     uint64        `json:"bytes"`
	Err       string        `json:"error,omitempty"`
}

// SessionStats 会话统计
type SessionStats struct {
	activeSessions int64
	totalSessions  uint64
	failedSessions uint64

	bytesSent      uint64
	bytesDelivered uint64

	history []SessionRecord

	startTime time.Time

	mu sync.RWMutex
}

// NewSessionStats 创建会话统计
func NewSessionStats() *SessionStats {
	return &SessionStats{
		startTime: time.Now(),
		history:   make([]SessionRecord, 0, sessionHistoryLimit),
	}
}

// SessionStarted 会话开始
func (s *SessionStats) SessionStarted() {
	if s == nil {
		return
	}
	atomic.AddInt64(&s.activeSessions, 1)
	atomic.AddUint64(&s.totalSessions, 1)
}

// SessionFinished 会话结束并记录摘要
func (s *SessionStats) SessionFinished(rec SessionRecord) {
	if s == nil {
		return
	}
	atomic.AddInt64(&s.activeSessions, -1)
	if rec.Err != "" {
		atomic.AddUint64(&s.failedSessions, 1)
	}
	switch rec.Role {
	case RoleSender:
		atomic.AddUint64(&s.bytesSent, rec.Bytes)
	case RoleReceiver:
		atomic.AddUint64(&s.bytesDelivered, rec.Bytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 保留最近的记录
	if len(s.history) >= sessionHistoryLimit {
		s.history = s.history[1:]
	}
	s.history = append(s.history, rec)
}

// GetActiveSessions 活跃会话数
func (s *SessionStats) GetActiveSessions() int64 {
	return atomic.LoadInt64(&s.activeSessions)
}

// GetTotalSessions 累计会话数
func (s *SessionStats) GetTotalSessions() uint64 {
	return atomic.LoadUint64(&s.totalSessions)
}

// GetFailedSessions 失败会话数
func (s *SessionStats) GetFailedSessions() uint64 {
	return atomic.LoadUint64(&s.failedSessions)
}

// GetHistory 最近的会话，按时间倒序
func (s *SessionStats) GetHistory(limit int) []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}

	result := make([]SessionRecord, limit)
	for i := 0; i < limit; i++ {
		result[i] = s.history[len(s.history)-1-i]
	}
	return result
}

// GetUptime 运行时间
func (s *SessionStats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// GetStats 所有统计信息
func (s *SessionStats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":          s.GetUptime().String(),
		"active_sessions": s.GetActiveSessions(),
		"total_sessions":  s.GetTotalSessions(),
		"failed_sessions": s.GetFailedSessions(),
		"bytes_sent":      atomic.LoadUint64(&s.bytesSent),
		"bytes_delivered": atomic.LoadUint64(&s.bytesDelivered),
	}
}

// 会话组件状态
const (
	SessionIdle   = "idle"
	SessionActive = "active"
	SessionFailed = "failed"
)

// Health 根据会话结果给出健康状态
//
// 会话进行中为 active；最近一次会话失败时整体降级为 degraded。
func (s *SessionStats) Health(version string) HealthStatus {
	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    version,
		Uptime:     s.GetUptime(),
		Components: make(map[string]ComponentHealth),
		Sessions:   s.GetStats(),
	}

	session := ComponentHealth{Status: SessionIdle}
	if recent := s.GetHistory(1); len(recent) == 1 && recent[0].Err != "" {
		status.Status = "degraded"
		session = ComponentHealth{Status: SessionFailed, Message: recent[0].Err}
	}
	if n := s.GetActiveSessions(); n > 0 {
		session.Status = SessionActive
		session.Message = fmt.Sprintf("%d 个会话进行中", n)
	}
	status.Components["session"] = session
	return status
}
