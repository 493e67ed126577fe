// Package types 定義了 scene-forge 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// Key 熱點識別碼，決定去重與快取的範圍
type Key string

// TaskID 外部生成服務指派的任務識別碼
type TaskID string

// TaskStatus 生成任務狀態
type TaskStatus int

// 定義任務狀態常數
const (
	StatusStarting  TaskStatus = iota // 啟動中：已登記但尚未取得 taskId
	StatusQueued                      // 排隊中：外部服務已接受任務
	StatusRunning                     // 執行中：外部服務正在生成
	StatusSucceeded                   // 成功：終止狀態
	StatusFailed                      // 失敗：終止狀態
)

// 外部服務使用的狀態字串
const (
	WireQueued    = "QUEUED"
	WireRunning   = "RUNNING"
	WireSucceeded = "SUCCEEDED"
	WireFailed    = "FAILED"
)

// String 回傳狀態名稱
func (s TaskStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal 是否為終止狀態（Succeeded 或 Failed）
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// WireName 轉換為外部服務的狀態字串；Starting 沒有對應的外部狀態
func (s TaskStatus) WireName() string {
	switch s {
	case StatusQueued:
		return WireQueued
	case StatusRunning:
		return WireRunning
	case StatusSucceeded:
		return WireSucceeded
	case StatusFailed:
		return WireFailed
	default:
		return ""
	}
}

// MarshalText 讓狀態在 JSON/YAML 中以名稱呈現
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析 MarshalText 的輸出
func (s *TaskStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "starting":
		*s = StatusStarting
	case "queued":
		*s = StatusQueued
	case "running":
		*s = StatusRunning
	case "succeeded":
		*s = StatusSucceeded
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown task status %q", string(b))
	}
	return nil
}

// ParseWireStatus 解析外部服務回報的狀態字串
func ParseWireStatus(s string) (TaskStatus, error) {
	switch s {
	case WireQueued:
		return StatusQueued, nil
	case WireRunning:
		return StatusRunning, nil
	case WireSucceeded:
		return StatusSucceeded, nil
	case WireFailed:
		return StatusFailed, nil
	default:
		return StatusStarting, fmt.Errorf("unknown wire status %q", s)
	}
}

// GenerationTask 一次生成嘗試（從提交到終止結果）
type GenerationTask struct {
	Key         Key        `json:"key"`
	TaskID      TaskID     `json:"task_id,omitempty"` // 提交成功前為空
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"` // 0-100，Running 期間只增不減
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Elapsed 自任務啟動以來經過的時間
func (t GenerationTask) Elapsed(now time.Time) time.Duration {
	return now.Sub(t.StartedAt)
}

// StatusReport 外部服務 getStatus 的回應
type StatusReport struct {
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	ModelURL string     `json:"model_url,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// ModelMetadata 外部服務 fetchMetadata 的回應
type ModelMetadata struct {
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
	Format    string `json:"format"`
}

// CacheEntry 一筆成功生成並保留的結果
type CacheEntry struct {
	Key          Key            `json:"key"`
	ModelURL     string         `json:"model_url"`
	Metadata     *ModelMetadata `json:"metadata,omitempty"` // 取得失敗時為 nil
	SizeBytes    int64          `json:"size_bytes"`
	CachedAt     time.Time      `json:"cached_at"`
	LastAccessed time.Time      `json:"last_accessed"`
}

// Result 交付給呼叫者的最終結果
type Result struct {
	Key      Key            `json:"key"`
	TaskID   TaskID         `json:"task_id"`
	ModelURL string         `json:"model_url"`
	Metadata *ModelMetadata `json:"metadata,omitempty"`
}

// CurrentModel 目前顯示中的模型
type CurrentModel struct {
	Key       Key       `json:"key"`
	ModelURL  string    `json:"model_url"`
	LoadedAt  time.Time `json:"loaded_at"`
	FromCache bool      `json:"from_cache"`
}

// SnapshotData 快照資料，用於重啟後重新接上仍在外部執行的任務
type SnapshotData struct {
	Tasks     map[Key]*GenerationTask `json:"tasks"`      // 所有進行中任務
	SchemaVer int                     `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64                  `json:"last_seq"`   // 最後處理的 WAL 序列號
}
