// internal/services/Progress_service.go
package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/Corphon/SceneBreakdown/internal/breakdown"
)

// 任务状态
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ProgressUpdate 表示进度更新
type ProgressUpdate struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"` // 进度百分比 (0-100)
	Message  string `json:"message"`  // 描述性消息
	Status   string `json:"status"`   // 状态：running, completed, failed
	Stage    string `json:"stage,omitempty"`
	ResultID string `json:"result_id,omitempty"`
}

// ProgressTracker 跟踪长时间运行任务的进度
type ProgressTracker struct {
	TaskID      string                       // 任务唯一标识符
	Progress    int                          // 进度百分比 (0-100)
	Message     string                       // 当前状态描述
	Status      string                       // 状态：running, completed, failed
	Stage       string                       // 最近的流水线阶段
	ResultID    string                       // 完成后对应的 unit id
	StartTime   time.Time                    // 开始时间
	UpdateTime  time.Time                    // 最后更新时间
	Subscribers map[chan ProgressUpdate]bool // 订阅进度更新的通道
	Done        chan struct{}                // 任务完成信号
	finished    bool
	mutex       sync.Mutex // 保护并发访问
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// CreateTracker 创建新的进度跟踪器
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// 如果已存在，返回现有追踪器
	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	now := time.Now()
	tracker := &ProgressTracker{
		TaskID:      taskID,
		Message:     "queued",
		Status:      StatusRunning,
		StartTime:   now,
		UpdateTime:  now,
		Subscribers: make(map[chan ProgressUpdate]bool),
		Done:        make(chan struct{}),
	}

	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// StageProgress maps a pipeline state to a completion percentage.
func StageProgress(state breakdown.State) int {
	switch state {
	case breakdown.StateSegmented:
		return 10
	case breakdown.StateGenerated:
		return 50
	case breakdown.StateExtracted:
		return 65
	case breakdown.StateReconciled:
		return 80
	case breakdown.StateNormalized:
		return 90
	case breakdown.StateComplete:
		return 95
	default:
		return 0
	}
}

// Observer adapts the tracker to pipeline stage events. Failure is reported
// through Fail by the caller, which has the error.
func (t *ProgressTracker) Observer() breakdown.Observer {
	return func(ev breakdown.StageEvent) {
		if ev.State == breakdown.StateFailed {
			return
		}
		msg := string(ev.State)
		if ev.Detail != "" {
			msg = fmt.Sprintf("%s: %s", ev.State, ev.Detail)
		}
		t.mutex.Lock()
		t.Stage = string(ev.State)
		t.mutex.Unlock()
		t.UpdateProgress(StageProgress(ev.State), msg)
	}
}

// UpdateProgress 更新任务进度，进度只增不减
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.finished {
		return
	}
	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()
	t.broadcast()
}

// Complete 标记任务完成
func (t *ProgressTracker) Complete(resultID, message string) {
	t.finish(StatusCompleted, resultID, func() {
		t.Progress = 100
		if message != "" {
			t.Message = message
		} else {
			t.Message = "breakdown complete"
		}
	})
}

// Fail 标记任务失败
func (t *ProgressTracker) Fail(errorMsg string) {
	t.finish(StatusFailed, "", func() {
		t.Message = fmt.Sprintf("task failed: %s", errorMsg)
	})
}

// 终态只能进入一次，重复调用被忽略
func (t *ProgressTracker) finish(status, resultID string, apply func()) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.finished {
		return
	}
	apply()
	t.Status = status
	t.ResultID = resultID
	t.UpdateTime = time.Now()
	t.finished = true
	t.broadcast()

	// 通知Done通道
	close(t.Done)
}

// broadcast 非阻塞通知所有订阅者；调用方持有锁
func (t *ProgressTracker) broadcast() {
	update := t.snapshotLocked()
	for subscriber := range t.Subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
}

func (t *ProgressTracker) snapshotLocked() ProgressUpdate {
	return ProgressUpdate{
		TaskID:   t.TaskID,
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
		Stage:    t.Stage,
		ResultID: t.ResultID,
	}
}

// Snapshot returns the current state.
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshotLocked()
}

// Subscribe 订阅进度更新
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// 创建订阅通道，缓冲区设为10以避免阻塞
	subscriber := make(chan ProgressUpdate, 10)
	t.Subscribers[subscriber] = true

	// 立即发送当前状态
	subscriber <- t.snapshotLocked()

	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.Subscribers[subscriber]; !ok {
		return
	}
	delete(t.Subscribers, subscriber)
	close(subscriber)
}

// CleanupCompletedTasks 清理已完成的任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		isOld := tracker.finished && now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if isOld {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}
