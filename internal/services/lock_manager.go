// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按 unit id 分配互斥锁，同一剧集的生成串行执行
type LockManager struct {
	unitLocks  map[string]*LockInfo
	globalLock sync.Mutex
	lockTTL    time.Duration
	maxLocks   int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex          *sync.RWMutex
	LastUsed       time.Time
	ReferenceCount int32 // 当前锁被引用的次数，大于0时不会被清理
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		unitLocks: make(map[string]*LockInfo),
		lockTTL:   30 * time.Minute,
		maxLocks:  200,
		stop:      make(chan struct{}),
	}

	// 启动清理器
	lm.startCleanup(5 * time.Minute)
	return lm
}

// acquire 获取锁信息并增加引用计数
func (lm *LockManager) acquire(unitID string) *LockInfo {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.unitLocks[unitID]
	if !exists {
		info = &LockInfo{Mutex: &sync.RWMutex{}}
		lm.unitLocks[unitID] = info
	}
	info.ReferenceCount++
	info.LastUsed = time.Now()
	return info
}

func (lm *LockManager) release(info *LockInfo) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	info.ReferenceCount--
	info.LastUsed = time.Now()
}

// ExecuteWithUnitLock 在 unit 写锁保护下执行操作
func (lm *LockManager) ExecuteWithUnitLock(unitID string, fn func() error) error {
	info := lm.acquire(unitID)
	defer lm.release(info)

	info.Mutex.Lock()
	defer info.Mutex.Unlock()
	return fn()
}

// ExecuteWithUnitReadLock 在 unit 读锁保护下执行操作
func (lm *LockManager) ExecuteWithUnitReadLock(unitID string, fn func() error) error {
	info := lm.acquire(unitID)
	defer lm.release(info)

	info.Mutex.RLock()
	defer info.Mutex.RUnlock()
	return fn()
}

// 定期清理未使用的锁
func (lm *LockManager) startCleanup(interval time.Duration) {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				lm.cleanupUnusedLocks()
			case <-lm.stop:
				return
			}
		}
	}()
}

// Stop 停止清理协程
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() { close(lm.stop) })
	lm.wg.Wait()
}

func (lm *LockManager) cleanupUnusedLocks() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 只有在锁数量过多时才清理
	if len(lm.unitLocks) <= lm.maxLocks {
		return 0
	}

	removed := 0
	now := time.Now()
	for unitID, info := range lm.unitLocks {
		if info.ReferenceCount == 0 && now.Sub(info.LastUsed) > lm.lockTTL {
			delete(lm.unitLocks, unitID)
			removed++
		}
	}
	return removed
}
