// ============================================================================
// Scene-Forge 任務管理器 - 進行中生成任務的狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 以 key 為單位追蹤進行中的生成任務，並提供去重用的廣播 Future
//
// 任務狀態轉換 (State Machine):
//   Starting (啟動中)
//      ↓ MarkQueued()        提交成功，取得 taskId
//   Queued (排隊中)
//      ↓ UpdateProgress()    輪詢回報 RUNNING
//   Running (執行中)
//      ↓ Finish()            終止：Succeeded / Failed
//   （從進行中集合移除）
//
// 狀態轉換規則:
//   - 每個 key 同時最多一個進行中任務（Begin 回傳既有 Future）
//   - 狀態只會往前推進，不會從 Running 退回 Queued
//   - Running 期間進度只增不減，且在 Succeeded 之前封頂 99
//   - Finish / Cancel 一律將任務移出進行中集合，失敗的 key 可以重新生成
//
// 過期寫入保護:
//   Cancel 後同 key 可能立刻開始新任務。舊的執行序仍持有舊 Future，
//   因此所有寫入方法都要求傳入 Future，只有與目前登記相同時才生效。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護任務 map
//   - 進度回呼在鎖外執行
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/scene-forge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrTaskNotFound = errors.New("task not found")
	// 任務已被取消或換成新的任務
	ErrStaleTask = errors.New("task entry belongs to another generation")
	// 任務狀態不允許此操作
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ============================================================================
// 資料結構定義
// ============================================================================

type entry struct {
	task   types.GenerationTask
	future *Future
	cancel context.CancelFunc
}

// JobManager 進行中任務的登記表
type JobManager struct {
	mu    sync.RWMutex
	tasks map[types.Key]*entry
	now   func() time.Time
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		tasks: make(map[types.Key]*entry),
		now:   time.Now,
	}
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Begin 登記一個 Starting 狀態的新任務
//
// 參數說明：
//   - key: 熱點識別碼
//   - description: 生成描述
//   - cancel: 本地取消函式，Cancel 時呼叫（可為 nil）
//
// 返回值：
//   - *Future: 該 key 的結果槽
//   - bool: true 表示新建立；false 表示已有進行中任務，回傳既有 Future
//
// 併發安全：使用互斥鎖保護，檢查與登記在同一臨界區內完成
func (jm *JobManager) Begin(key types.Key, description string, cancel context.CancelFunc) (*Future, bool) {
	return jm.begin(types.GenerationTask{
		Key:         key,
		Description: description,
		Status:      types.StatusStarting,
	}, cancel)
}

// Adopt 登記一個已知 taskId 的任務（重新接上外部仍在執行的任務）
//
// 任務以 Queued 狀態登記，保留原本的 StartedAt 與進度。
func (jm *JobManager) Adopt(task types.GenerationTask, cancel context.CancelFunc) (*Future, bool) {
	if task.Status == types.StatusStarting || task.Status.IsTerminal() {
		task.Status = types.StatusQueued
	}
	if task.Progress > 99 {
		task.Progress = 99
	}
	return jm.begin(task, cancel)
}

func (jm *JobManager) begin(task types.GenerationTask, cancel context.CancelFunc) (*Future, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if e, exists := jm.tasks[task.Key]; exists {
		return e.future, false
	}

	now := jm.now()
	if task.StartedAt.IsZero() {
		task.StartedAt = now
	}
	task.UpdatedAt = now

	fut := newFuture(task.Key)
	jm.tasks[task.Key] = &entry{task: task, future: fut, cancel: cancel}
	return fut, true
}

// MarkQueued 提交成功後記錄 taskId 並轉為 Queued
//
// 錯誤處理：
//   - ErrTaskNotFound: key 不在進行中集合
//   - ErrStaleTask: 目前登記的不是 fut
//   - ErrInvalidTransition: 任務不在 Starting 狀態
func (jm *JobManager) MarkQueued(key types.Key, fut *Future, taskID types.TaskID) (types.GenerationTask, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, err := jm.lookupLocked(key, fut)
	if err != nil {
		return types.GenerationTask{}, err
	}
	if e.task.Status != types.StatusStarting {
		return e.task, ErrInvalidTransition
	}

	e.task.TaskID = taskID
	e.task.Status = types.StatusQueued
	e.task.UpdatedAt = jm.now()
	return e.task, nil
}

// UpdateProgress 套用一次輪詢回報
//
// 規則：
//   - 狀態只往前推進
//   - 進度只增不減；Succeeded 以外封頂 99，Succeeded 設為 100
//
// 更新後將任務快照轉發給 Future 的所有監聽者。
func (jm *JobManager) UpdateProgress(key types.Key, fut *Future, report types.StatusReport) (types.GenerationTask, error) {
	jm.mu.Lock()
	e, err := jm.lookupLocked(key, fut)
	if err != nil {
		jm.mu.Unlock()
		return types.GenerationTask{}, err
	}

	if report.Status > e.task.Status {
		e.task.Status = report.Status
	}

	progress := report.Progress
	if e.task.Status == types.StatusSucceeded {
		progress = 100
	} else if progress > 99 {
		progress = 99
	}
	if progress > e.task.Progress {
		e.task.Progress = progress
	}
	e.task.UpdatedAt = jm.now()
	snapshot := e.task
	jm.mu.Unlock()

	fut.notify(snapshot)
	return snapshot, nil
}

// Finish 任務到達終止狀態，移出進行中集合
//
// 只有目前登記的仍是 fut 時才會移除；回傳最終任務快照與是否移除。
func (jm *JobManager) Finish(key types.Key, fut *Future, status types.TaskStatus) (types.GenerationTask, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, err := jm.lookupLocked(key, fut)
	if err != nil {
		return types.GenerationTask{}, false
	}

	e.task.Status = status
	if status == types.StatusSucceeded {
		e.task.Progress = 100
	}
	e.task.UpdatedAt = jm.now()
	delete(jm.tasks, key)
	return e.task, true
}

// Cancel 移除 key 的登記並呼叫本地取消函式
//
// 不會通知外部服務；回傳被移除的任務快照與 Future 供呼叫者結算。
func (jm *JobManager) Cancel(key types.Key) (types.GenerationTask, *Future, bool) {
	jm.mu.Lock()
	e, exists := jm.tasks[key]
	if exists {
		delete(jm.tasks, key)
	}
	jm.mu.Unlock()

	if !exists {
		return types.GenerationTask{}, nil, false
	}
	if e.cancel != nil {
		e.cancel()
	}
	return e.task, e.future, true
}

func (jm *JobManager) lookupLocked(key types.Key, fut *Future) (*entry, error) {
	e, exists := jm.tasks[key]
	if !exists {
		return nil, ErrTaskNotFound
	}
	if e.future != fut {
		return nil, ErrStaleTask
	}
	return e, nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務快照
func (jm *JobManager) Get(key types.Key) (types.GenerationTask, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	e, exists := jm.tasks[key]
	if !exists {
		return types.GenerationTask{}, false
	}
	return e.task, true
}

// Future 取得 key 目前的 Future
func (jm *JobManager) Future(key types.Key) (*Future, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	e, exists := jm.tasks[key]
	if !exists {
		return nil, false
	}
	return e.future, true
}

// Progress 取得進度，不在進行中時為 0
func (jm *JobManager) Progress(key types.Key) int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	if e, exists := jm.tasks[key]; exists {
		return e.task.Progress
	}
	return 0
}

// IsGenerating 檢查 key 是否有進行中任務
func (jm *JobManager) IsGenerating(key types.Key) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, exists := jm.tasks[key]
	return exists
}

// Len 進行中任務數量
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.tasks)
}

// InFlight 取得所有進行中任務（依 key 排序）
func (jm *JobManager) InFlight() []types.GenerationTask {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.GenerationTask, 0, len(jm.tasks))
	for _, e := range jm.tasks {
		out = append(out, e.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats 取得各狀態任務的統計資訊
//
// 使用範例：
//
//	stats := jm.Stats()
//	log.Printf("啟動中: %d, 排隊中: %d, 執行中: %d",
//	    stats["starting"], stats["queued"], stats["running"])
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		"starting":  0,
		"queued":    0,
		"running":   0,
		"in_flight": len(jm.tasks),
	}
	for _, e := range jm.tasks {
		switch e.task.Status {
		case types.StatusStarting:
			stats["starting"]++
		case types.StatusQueued:
			stats["queued"]++
		case types.StatusRunning:
			stats["running"]++
		}
	}
	return stats
}

// Snapshot 產生可重新接上的任務快照
//
// 只包含已取得 taskId 的任務；Starting 狀態的任務重啟後無從接上。
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	tasks := make(map[types.Key]*types.GenerationTask, len(jm.tasks))
	for key, e := range jm.tasks {
		if e.task.TaskID == "" {
			continue
		}
		taskCopy := e.task
		tasks[key] = &taskCopy
	}

	return types.SnapshotData{
		Tasks:     tasks,
		SchemaVer: 1,
	}
}
