package runstatus

import (
	"sync"
	"time"
)

// Phase 表示测试器当前所处的阶段。
type Phase string

const (
	Initializing Phase = "initializing"
	Idle         Phase = "idle"
	Collecting   Phase = "collecting"
	Testing      Phase = "testing"
	Finished     Phase = "finished"
	Failed       Phase = "failed"
)

// Status is a snapshot returned to readers.
type Status struct {
	Phase   Phase     `json:"phase"`
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"`
}

// StatusManager 使用 RWMutex 保护对状态的并发读写。
type StatusManager struct {
	mu     sync.RWMutex
	status Status
}

func New() *StatusManager {
	return &StatusManager{status: Status{Phase: Initializing, Since: time.Now()}}
}

// Set 方法用于安全地更新状态。
func (sm *StatusManager) Set(phase Phase, message string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status = Status{Phase: phase, Message: message, Since: time.Now()}
}

// Get 方法用于安全地读取状态。
func (sm *StatusManager) Get() Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}
