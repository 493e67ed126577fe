package genservice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/scene-forge/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

const (
	// DefaultQueueDelay 任務從 Queued 轉為 Running 前的排隊時間
	DefaultQueueDelay = 2 * time.Second
	// DefaultRunDuration 任務執行到完成所需時間
	DefaultRunDuration = 8 * time.Second
	// DefaultModelSize 模擬模型大小（5 MiB）
	DefaultModelSize int64 = 5 * 1024 * 1024
	// SampleModelURL 模擬成功時回傳的公開 GLB 範例
	SampleModelURL = "https://raw.githubusercontent.com/KhronosGroup/glTF-Sample-Models/master/2.0/DamagedHelmet/glTF-Binary/DamagedHelmet.glb"
)

// SimulatedConfig 模擬後端的時間參數
type SimulatedConfig struct {
	QueueDelay  time.Duration `yaml:"queue_delay"`
	RunDuration time.Duration `yaml:"run_duration"`
	ModelURL    string        `yaml:"model_url"`
	ModelSize   int64         `yaml:"model_size"`
}

// simTask 模擬後端內部的任務狀態
type simTask struct {
	key       types.Key
	status    types.TaskStatus
	progress  int
	startedAt time.Time
	modelURL  string
	errMsg    string
	failAfter bool // 執行結束時回報 FAILED
}

// Simulated 以經過時間推導任務狀態的記憶體內後端
//
// 狀態推導：
//   - 提交後為 QUEUED
//   - 經過 QueueDelay 後轉為 RUNNING
//   - RUNNING 時進度 = min(99, floor(runElapsed / RunDuration * 100))
//   - runElapsed > RunDuration 時轉為 SUCCEEDED（進度 100）
//
// 不認得的 taskId 一律回傳 ErrTaskNotFound，不會偽造成功結果。
type Simulated struct {
	mu      sync.Mutex
	cfg     SimulatedConfig
	tasks   map[types.TaskID]*simTask
	failing map[types.Key]string // key → 失敗訊息
	now     func() time.Time

	submits int
}

// NewSimulated 建立模擬後端，零值欄位使用預設值
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.QueueDelay <= 0 {
		cfg.QueueDelay = DefaultQueueDelay
	}
	if cfg.RunDuration <= 0 {
		cfg.RunDuration = DefaultRunDuration
	}
	if cfg.ModelURL == "" {
		cfg.ModelURL = SampleModelURL
	}
	if cfg.ModelSize <= 0 {
		cfg.ModelSize = DefaultModelSize
	}
	return &Simulated{
		cfg:     cfg,
		tasks:   make(map[types.TaskID]*simTask),
		failing: make(map[types.Key]string),
		now:     time.Now,
	}
}

// FailKey 讓之後提交的該 key 任務在執行結束時回報 FAILED
func (s *Simulated) FailKey(key types.Key, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[key] = message
}

// Submits 回傳已接受的提交次數
func (s *Simulated) Submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

// Submit 建立模擬任務
func (s *Simulated) Submit(ctx context.Context, key types.Key, description string) (SubmitResponse, error) {
	if strings.TrimSpace(description) == "" {
		return SubmitResponse{}, ErrEmptyDescription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	taskID := types.TaskID("task_" + uuid.NewString())
	t := &simTask{
		key:       key,
		status:    types.StatusQueued,
		startedAt: s.now(),
	}
	if msg, ok := s.failing[key]; ok {
		t.failAfter = true
		t.errMsg = msg
	}
	s.tasks[taskID] = t
	s.submits++

	log.Debug("Simulated task created", "taskID", taskID, "key", key)

	return SubmitResponse{TaskID: taskID, Status: types.StatusQueued}, nil
}

// GetStatus 依經過時間推進任務狀態並回報
func (s *Simulated) GetStatus(ctx context.Context, taskID types.TaskID) (types.StatusReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return types.StatusReport{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	elapsed := s.now().Sub(t.startedAt)

	if t.status == types.StatusQueued && elapsed > s.cfg.QueueDelay {
		t.status = types.StatusRunning
	}

	if t.status == types.StatusRunning {
		runElapsed := elapsed - s.cfg.QueueDelay
		progress := int(runElapsed * 100 / s.cfg.RunDuration)
		if progress > 99 {
			progress = 99
		}
		if progress > t.progress {
			t.progress = progress
		}

		if runElapsed > s.cfg.RunDuration {
			if t.failAfter {
				t.status = types.StatusFailed
			} else {
				t.status = types.StatusSucceeded
				t.progress = 100
				t.modelURL = s.cfg.ModelURL
			}
		}
	}

	return types.StatusReport{
		Status:   t.status,
		Progress: t.progress,
		ModelURL: t.modelURL,
		Error:    t.errMsg,
	}, nil
}

// FetchMetadata 回傳固定的模型資訊
func (s *Simulated) FetchMetadata(ctx context.Context, modelURL string) (types.ModelMetadata, error) {
	if modelURL == "" {
		return types.ModelMetadata{}, fmt.Errorf("model url is empty")
	}
	return types.ModelMetadata{
		URL:       modelURL,
		SizeBytes: s.cfg.ModelSize,
		Format:    "glb",
	}, nil
}
