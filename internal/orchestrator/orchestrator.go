// ============================================================================
// Scene-Forge 任務協調器 - 生成任務的核心協調者
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 以 key 為單位去重生成請求，驅動提交與輪詢，成功後寫入模型快取
//
// 架構設計:
//   - JobManager:  進行中任務登記表與廣播 Future
//   - Poller:      輪詢外部服務直到終止狀態
//   - ModelCache:  成功結果的 LRU 快取
//   - WAL/Snapshot: 記錄已提交任務，重啟後重新接上（見 recovery.go）
//
// 生成流程 (每個 key 一個 goroutine):
//   Generate(key)
//     ├─ 已有進行中任務 → 回傳同一個 Future
//     └─ 登記 Starting → submit(重試) → Queued → 輪詢
//          ├─ SUCCEEDED → Cache.Put → 設定目前模型 → 移出登記表 → Resolve
//          └─ 任何失敗  → 移出登記表 → 記錄 lastError → Reject
//
// 取消:
//   Cancel(key) 只移除本地登記並停止本地輪詢，外部任務繼續執行。
//   等待者收到 ErrCancelled；之後同 key 的 Generate 會開始全新任務。
//
// 並發安全:
//   - 登記表與快取各自有鎖；提交、輪詢、重試等待期間不持有任何鎖
//   - 不同 key 的生成序列完全獨立
//
// ============================================================================

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/scene-forge/internal/cache"
	"github.com/ChuLiYu/scene-forge/internal/genservice"
	"github.com/ChuLiYu/scene-forge/internal/jobmanager"
	"github.com/ChuLiYu/scene-forge/internal/metrics"
	"github.com/ChuLiYu/scene-forge/internal/poller"
	"github.com/ChuLiYu/scene-forge/internal/retry"
	"github.com/ChuLiYu/scene-forge/internal/snapshot"
	"github.com/ChuLiYu/scene-forge/internal/storage/wal"
	"github.com/ChuLiYu/scene-forge/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Orchestrator 配置
type Config struct {
	Poll             poller.Config // 輪詢節奏
	SubmitRetry      retry.Policy  // 提交的重試預算
	WALPath          string        // WAL 檔案路徑（空字串表示不持久化）
	SnapshotPath     string        // 快照檔案路徑（空字串表示不持久化）
	SnapshotInterval time.Duration // 定期 checkpoint 間隔（0 表示不啟動）
	SyncOnAppend     bool          // 每個 WAL 事件立即 fsync
}

// DefaultConfig 回傳預設配置（不持久化）
func DefaultConfig() Config {
	return Config{
		Poll:        poller.DefaultConfig(),
		SubmitRetry: retry.DefaultPolicy(),
	}
}

// Orchestrator 生成任務協調器
type Orchestrator struct {
	svc     genservice.Service
	poller  *poller.Poller
	cache   *cache.ModelCache
	jobs    *jobmanager.JobManager
	metrics *metrics.Collector
	cfg     Config

	journalMu sync.Mutex        // 串接 WAL 追加與 checkpoint
	journal   *wal.WAL          // 可為 nil
	snapshots *snapshot.Manager // 可為 nil

	mu         sync.Mutex
	lastErrors map[types.Key]error
	current    *types.CurrentModel
	stopped    bool
	startTime  time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	runWg      sync.WaitGroup // 生成 goroutine
	loopWg     sync.WaitGroup // 背景循環
	stopCh     chan struct{}

	now func() time.Time
}

// New 建立新的 Orchestrator
//
// 參數：
//   - cfg: 配置；WALPath/SnapshotPath 非空時開啟持久化
//   - svc: 外部生成服務
//   - modelCache: 模型快取（為 nil 時以 svc 建立預設快取）
//   - collector: 指標收集器（可為 nil）
func New(cfg Config, svc genservice.Service, modelCache *cache.ModelCache, collector *metrics.Collector) (*Orchestrator, error) {
	if modelCache == nil {
		modelCache = cache.New(svc, cache.DefaultConfig())
	}
	if cfg.SubmitRetry == (retry.Policy{}) {
		cfg.SubmitRetry = retry.DefaultPolicy()
	}
	if cfg.Poll.Retry == (retry.Policy{}) {
		cfg.Poll.Retry = retry.DefaultPolicy()
	}

	o := &Orchestrator{
		svc:        svc,
		poller:     poller.New(svc, cfg.Poll),
		cache:      modelCache,
		jobs:       jobmanager.NewJobManager(),
		metrics:    collector,
		cfg:        cfg,
		lastErrors: make(map[types.Key]error),
		stopCh:     make(chan struct{}),
		startTime:  time.Now(),
		now:        time.Now,
	}

	if cfg.WALPath != "" {
		journal, err := wal.NewWAL(cfg.WALPath, cfg.SyncOnAppend)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		o.journal = journal
	}
	if cfg.SnapshotPath != "" {
		o.snapshots = snapshot.NewManager(cfg.SnapshotPath)
	}

	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())

	modelCache.SetEvictHook(func(key types.Key, reason cache.EvictReason) {
		collector.RecordEviction(string(reason))
	})
	return o, nil
}

// ============================================================================
// 生成
// ============================================================================

// Generate 開始或加入 key 的生成任務
//
// 同 key 已有進行中任務時不會再次提交，回傳既有 Future；
// onProgress 在每次狀態讀取後被呼叫（可為 nil）。
func (o *Orchestrator) Generate(key types.Key, description string, onProgress jobmanager.ProgressFunc) *jobmanager.Future {
	if o.isStopped() {
		return jobmanager.NewRejected(key, ErrStopped)
	}
	if description == "" {
		return jobmanager.NewRejected(key, &SubmissionError{Key: key, Err: genservice.ErrEmptyDescription})
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	fut, created := o.jobs.Begin(key, description, cancel)
	fut.Subscribe(onProgress)

	if !created {
		cancel()
		o.metrics.RecordDeduplicated()
		log.Debug("Attached to in-flight generation", "key", key)
		return fut
	}

	o.mu.Lock()
	delete(o.lastErrors, key)
	o.mu.Unlock()

	o.metrics.RecordStarted()
	o.metrics.SetInFlight(o.jobs.Len())
	log.Info("Generation started", "key", key)

	o.runWg.Add(1)
	go o.run(ctx, key, description, fut)
	return fut
}

// run 提交任務並跟進到終止狀態
func (o *Orchestrator) run(ctx context.Context, key types.Key, description string, fut *jobmanager.Future) {
	defer o.runWg.Done()
	start := time.Now()

	resp, err := retry.Do(ctx, o.cfg.SubmitRetry, func(ctx context.Context) (genservice.SubmitResponse, error) {
		return o.svc.Submit(ctx, key, description)
	})
	if err != nil {
		if !isShutdown(o.baseCtx, err) {
			err = &SubmissionError{Key: key, Err: err}
		}
		o.fail(key, fut, "", err, start)
		return
	}

	task, err := o.jobs.MarkQueued(key, fut, resp.TaskID)
	if err != nil {
		// 提交期間被取消；外部任務繼續執行，本地不再追蹤
		log.Info("Submission finished after cancel", "key", key, "taskID", resp.TaskID, "error", err)
		return
	}
	o.appendJournal(wal.EventSubmitted, wal.Record{Key: key, TaskID: task.TaskID, Description: description})
	log.Info("Generation queued", "key", key, "taskID", task.TaskID)

	o.follow(ctx, key, fut, task.TaskID, start)
}

// follow 輪詢 taskID 直到終止狀態並結算
func (o *Orchestrator) follow(ctx context.Context, key types.Key, fut *jobmanager.Future, taskID types.TaskID, start time.Time) {
	report, err := o.poller.PollUntilTerminal(ctx, taskID, func(r types.StatusReport) {
		o.metrics.RecordPoll()
		if _, err := o.jobs.UpdateProgress(key, fut, r); err != nil {
			log.Debug("Dropped progress for replaced task", "key", key, "taskID", taskID, "error", err)
		}
	})
	if err != nil {
		o.fail(key, fut, taskID, err, start)
		return
	}
	o.succeed(ctx, key, fut, taskID, report.ModelURL, start)
}

// succeed 寫入快取後才移出登記表並結算
func (o *Orchestrator) succeed(ctx context.Context, key types.Key, fut *jobmanager.Future, taskID types.TaskID, modelURL string, start time.Time) {
	if current, ok := o.jobs.Future(key); !ok || current != fut {
		log.Info("Generation succeeded after cancel, result dropped", "key", key, "taskID", taskID)
		return
	}

	entry := o.cache.Put(ctx, key, modelURL)
	o.metrics.UpdateCacheStats(o.cache.Len(), o.cache.EstimatedMemory())

	if _, removed := o.jobs.Finish(key, fut, types.StatusSucceeded); !removed {
		log.Info("Generation succeeded after cancel", "key", key, "taskID", taskID)
		return
	}

	o.mu.Lock()
	delete(o.lastErrors, key)
	o.current = &types.CurrentModel{Key: key, ModelURL: modelURL, LoadedAt: o.now()}
	o.mu.Unlock()

	o.appendJournal(wal.EventSucceeded, wal.Record{Key: key, TaskID: taskID, ModelURL: modelURL})
	o.metrics.RecordSucceeded(time.Since(start).Seconds())
	o.metrics.SetInFlight(o.jobs.Len())

	log.Info("Generation succeeded",
		"key", key,
		"taskID", taskID,
		"duration", time.Since(start),
		"size", entry.SizeBytes)

	fut.Resolve(&types.Result{
		Key:      key,
		TaskID:   taskID,
		ModelURL: modelURL,
		Metadata: entry.Metadata,
	})
}

// fail 移出登記表、記錄錯誤並通知所有等待者
//
// 關閉期間的取消不移除登記，讓最後一次 checkpoint 保留任務以便重啟後接上。
func (o *Orchestrator) fail(key types.Key, fut *jobmanager.Future, taskID types.TaskID, err error, start time.Time) {
	if isShutdown(o.baseCtx, err) {
		log.Info("Generation interrupted by shutdown", "key", key, "taskID", taskID)
		fut.Reject(ErrStopped)
		return
	}

	if _, removed := o.jobs.Finish(key, fut, types.StatusFailed); !removed {
		// 已被取消或換成新任務
		return
	}

	o.mu.Lock()
	o.lastErrors[key] = err
	o.mu.Unlock()

	if taskID != "" {
		o.appendJournal(wal.EventFailed, wal.Record{Key: key, TaskID: taskID})
	}
	o.metrics.RecordFailed(failureReason(err), time.Since(start).Seconds())
	o.metrics.SetInFlight(o.jobs.Len())

	log.Error("Generation failed", "key", key, "taskID", taskID, "error", err)
	fut.Reject(err)
}

// Cancel 本地取消 key 的生成任務
//
// 不通知外部服務。回傳 false 表示沒有進行中任務。
func (o *Orchestrator) Cancel(key types.Key) bool {
	task, fut, ok := o.jobs.Cancel(key)
	if !ok {
		return false
	}

	if task.TaskID != "" {
		o.appendJournal(wal.EventCancelled, wal.Record{Key: key, TaskID: task.TaskID})
	}
	o.metrics.RecordCancelled()
	o.metrics.SetInFlight(o.jobs.Len())
	log.Info("Generation cancelled", "key", key, "taskID", task.TaskID)

	fut.Reject(ErrCancelled)
	return true
}

// Rejoin 針對已知 taskID 重新進入輪詢，不重新提交
//
// key 已有進行中任務時回傳既有 Future。
func (o *Orchestrator) Rejoin(key types.Key, taskID types.TaskID, onProgress jobmanager.ProgressFunc) *jobmanager.Future {
	if o.isStopped() {
		return jobmanager.NewRejected(key, ErrStopped)
	}
	fut := o.rejoin(types.GenerationTask{Key: key, TaskID: taskID, Status: types.StatusQueued})
	fut.Subscribe(onProgress)
	return fut
}

func (o *Orchestrator) rejoin(task types.GenerationTask) *jobmanager.Future {
	ctx, cancel := context.WithCancel(o.baseCtx)
	fut, created := o.jobs.Adopt(task, cancel)
	if !created {
		cancel()
		if current, ok := o.jobs.Get(task.Key); ok && current.TaskID != task.TaskID {
			log.Warn("Rejoin ignored, key already has a task",
				"key", task.Key, "taskID", task.TaskID, "current", current.TaskID)
		}
		return fut
	}

	o.appendJournal(wal.EventSubmitted, wal.Record{Key: task.Key, TaskID: task.TaskID, Description: task.Description})
	o.metrics.RecordRejoined()
	o.metrics.SetInFlight(o.jobs.Len())
	log.Info("Rejoined generation", "key", task.Key, "taskID", task.TaskID)

	o.runWg.Add(1)
	go func() {
		defer o.runWg.Done()
		o.follow(ctx, task.Key, fut, task.TaskID, time.Now())
	}()
	return fut
}

// ============================================================================
// 查詢
// ============================================================================

// GetCached 讀取快取（更新 LRU），命中時設為目前模型
func (o *Orchestrator) GetCached(key types.Key) (types.CacheEntry, bool) {
	entry, ok := o.cache.Get(key)
	o.metrics.RecordCacheLookup(ok)
	if !ok {
		return types.CacheEntry{}, false
	}

	o.mu.Lock()
	o.current = &types.CurrentModel{Key: key, ModelURL: entry.ModelURL, LoadedAt: o.now(), FromCache: true}
	o.mu.Unlock()
	return entry, true
}

// GetProgress 進行中任務的進度；沒有進行中任務時為 0
func (o *Orchestrator) GetProgress(key types.Key) int {
	return o.jobs.Progress(key)
}

// Task 取得進行中任務快照
func (o *Orchestrator) Task(key types.Key) (types.GenerationTask, bool) {
	return o.jobs.Get(key)
}

// InFlight 所有進行中任務
func (o *Orchestrator) InFlight() []types.GenerationTask {
	return o.jobs.InFlight()
}

// IsGenerating key 是否有進行中任務
func (o *Orchestrator) IsGenerating(key types.Key) bool {
	return o.jobs.IsGenerating(key)
}

// IsAnyGenerating 是否有任何進行中任務
func (o *Orchestrator) IsAnyGenerating() bool {
	return o.jobs.Len() > 0
}

// LastError key 最近一次失敗的錯誤；新的生成開始或成功後清除
func (o *Orchestrator) LastError(key types.Key) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErrors[key]
}

// CurrentModel 目前模型
func (o *Orchestrator) CurrentModel() (types.CurrentModel, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return types.CurrentModel{}, false
	}
	return *o.current, true
}

// ClearCurrentModel 清除目前模型
func (o *Orchestrator) ClearCurrentModel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = nil
}

// OnMemoryPressure 清空快取與目前模型
func (o *Orchestrator) OnMemoryPressure() int {
	evicted := o.cache.Clear()

	o.mu.Lock()
	o.current = nil
	o.mu.Unlock()

	o.metrics.UpdateCacheStats(0, 0)
	log.Warn("Memory pressure, model cache cleared", "evicted", evicted)
	return evicted
}

// Stats 取得系統狀態
func (o *Orchestrator) Stats() map[string]interface{} {
	stats := o.jobs.Stats()

	o.mu.Lock()
	var currentKey types.Key
	if o.current != nil {
		currentKey = o.current.Key
	}
	uptime := time.Since(o.startTime)
	o.mu.Unlock()

	return map[string]interface{}{
		"uptime":             uptime.String(),
		"starting":           stats["starting"],
		"queued":             stats["queued"],
		"running":            stats["running"],
		"in_flight":          stats["in_flight"],
		"cache_entries":      o.cache.Len(),
		"cache_memory_bytes": o.cache.EstimatedMemory(),
		"current_model":      currentKey,
	}
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *Orchestrator) appendJournal(eventType wal.EventType, rec wal.Record) {
	if o.journal == nil {
		return
	}
	o.journalMu.Lock()
	defer o.journalMu.Unlock()

	// SUBMITTED 立即落盤：重啟後能否接上任務取決於它
	if _, err := o.journal.Append(eventType, rec, eventType == wal.EventSubmitted); err != nil {
		log.Error("Failed to append WAL event", "type", eventType, "key", rec.Key, "error", err)
	}
}
