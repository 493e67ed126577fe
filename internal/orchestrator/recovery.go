package orchestrator

// ============================================================================
// 崩潰恢復與 checkpoint
// ============================================================================
//
// 啟動時自動執行：
//   1. loadSnapshot() - 讀取快照中已提交、尚未終止的任務
//   2. replayWAL()    - 重放快照後的事件（SUBMITTED 開啟，終止事件關閉）
//   3. rejoin         - 對仍開啟的任務重新輪詢，不重新提交
//
// Checkpoint:
//   快照 + WAL 旋轉在 journalMu 內完成，期間不會有事件寫入舊日誌後遺失。
//   重放以 key 的最後事件為準，具冪等性。
//
// 關閉順序：
//   1. close(stopCh)    → 停止 checkpoint 循環
//   2. baseCancel()     → 中斷所有輪詢（任務保留在登記表）
//   3. runWg.Wait()     → 等待生成 goroutine 退出
//   4. 最後一次快照，關閉 WAL
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/scene-forge/internal/storage/wal"
	"github.com/ChuLiYu/scene-forge/pkg/types"
)

// Start 執行恢復並啟動背景 checkpoint 循環
//
// ctx 結束時 checkpoint 循環也會停止。
func (o *Orchestrator) Start(ctx context.Context) error {
	start := time.Now()
	log.Info("Starting recovery...")

	tasks, err := o.recoverTasks()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		o.rejoin(task)
	}

	recoveryTime := time.Since(start)
	o.metrics.SetRecoveryTime(recoveryTime.Seconds())
	log.Info("Recovery completed",
		"duration", recoveryTime,
		"rejoined_tasks", len(tasks))

	if o.snapshots != nil && o.cfg.SnapshotInterval > 0 {
		o.loopWg.Add(1)
		go o.snapshotLoop(ctx)
	}
	return nil
}

// recoverTasks 合併快照與 WAL，回傳需要重新接上的任務（依 key 排序）
func (o *Orchestrator) recoverTasks() ([]types.GenerationTask, error) {
	open := make(map[types.Key]wal.Event)
	known := make(map[types.Key]types.GenerationTask)

	if o.snapshots != nil {
		data, err := o.snapshots.Load()
		if err != nil {
			return nil, fmt.Errorf("loadSnapshot failed: %w", err)
		}
		for key, task := range data.Tasks {
			if task == nil || task.TaskID == "" {
				continue
			}
			known[key] = *task
			open[key] = wal.Event{Type: wal.EventSubmitted, Key: key, TaskID: task.TaskID, Description: task.Description}
		}
		log.Info("Snapshot loaded", "tasks", len(data.Tasks), "last_seq", data.LastSeq)
	}

	if o.journal != nil {
		replayed := 0
		err := o.journal.Replay(func(event wal.Event) error {
			wal.ApplyOpenTask(open, event)
			replayed++
			return nil
		})
		switch {
		case errors.Is(err, wal.ErrCorruptedWAL), errors.Is(err, wal.ErrChecksumMismatch):
			// 尾端損壞（寫入中途當機）；之前的事件已套用
			log.Warn("WAL replay stopped at corrupted event", "replayed", replayed, "error", err)
		case err != nil:
			return nil, fmt.Errorf("replayWAL failed: %w", err)
		}
		log.Info("WAL replayed", "events", replayed)
	}

	tasks := make([]types.GenerationTask, 0, len(open))
	for key, event := range open {
		task := types.GenerationTask{
			Key:         key,
			TaskID:      event.TaskID,
			Description: event.Description,
			Status:      types.StatusQueued,
		}
		if event.Timestamp > 0 {
			task.StartedAt = time.UnixMilli(event.Timestamp)
		}
		// 快照中同一個 taskId 的任務保留進度與狀態
		if prev, ok := known[key]; ok && prev.TaskID == event.TaskID {
			task = prev
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Key < tasks[j].Key })
	return tasks, nil
}

// Checkpoint 寫入快照並旋轉 WAL
func (o *Orchestrator) Checkpoint() error {
	if o.snapshots == nil {
		return nil
	}
	start := time.Now()

	o.journalMu.Lock()
	defer o.journalMu.Unlock()

	data := o.jobs.Snapshot()
	data.LastSeq = o.journal.GetLastSeq()

	if err := o.snapshots.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if o.journal != nil {
		if err := o.journal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"tasks", len(data.Tasks))
	return nil
}

// snapshotLoop 定期 checkpoint
func (o *Orchestrator) snapshotLoop(ctx context.Context) {
	defer o.loopWg.Done()
	ticker := time.NewTicker(o.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ctx.Done():
			log.Info("Snapshot loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if err := o.Checkpoint(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// Stop 優雅關閉 Orchestrator
//
// 進行中任務的等待者收到 ErrStopped；已提交的任務保留在最後一次快照中。
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		log.Info("Orchestrator already stopped")
		return
	}
	o.stopped = true
	o.mu.Unlock()

	log.Info("Stopping orchestrator...")

	close(o.stopCh)
	o.loopWg.Wait()

	o.baseCancel()
	o.runWg.Wait()

	if err := o.Checkpoint(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}

	if o.journal != nil {
		if err := o.journal.Close(); err != nil {
			log.Error("Failed to close WAL", "error", err)
		}
	}

	log.Info("Orchestrator stopped")
}
