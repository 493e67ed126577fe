package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/scene-forge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTask(key types.Key, taskID types.TaskID, status types.TaskStatus, progress int) *types.GenerationTask {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.GenerationTask{
		Key:         key,
		TaskID:      taskID,
		Description: "description of " + string(key),
		Status:      status,
		Progress:    progress,
		StartedAt:   started,
		UpdatedAt:   started.Add(5 * time.Second),
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	originalData := types.SnapshotData{
		Tasks: map[types.Key]*types.GenerationTask{
			"h1": sampleTask("h1", "t1", types.StatusQueued, 0),
			"h2": sampleTask("h2", "t2", types.StatusRunning, 40),
		},
		LastSeq: 100,
	}

	require.NoError(t, manager.Write(originalData))

	loadedData, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Equal(t, originalData.LastSeq, loadedData.LastSeq)
	require.Len(t, loadedData.Tasks, 2)

	for key, original := range originalData.Tasks {
		loaded, exists := loadedData.Tasks[key]
		require.True(t, exists, "Task %s should exist", key)
		assert.Equal(t, original.TaskID, loaded.TaskID)
		assert.Equal(t, original.Status, loaded.Status)
		assert.Equal(t, original.Progress, loaded.Progress)
		assert.Equal(t, original.Description, loaded.Description)
		assert.True(t, original.StartedAt.Equal(loaded.StartedAt))
	}
}

// TestStatusIsHumanReadable 測試狀態以名稱序列化
func TestStatusIsHumanReadable(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{
		Tasks: map[types.Key]*types.GenerationTask{"h1": sampleTask("h1", "t1", types.StatusRunning, 40)},
	}))

	raw, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status": "running"`)
}

// TestAtomicWrite 測試原子性寫入
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{
		Tasks:   map[types.Key]*types.GenerationTask{"old": sampleTask("old", "t-old", types.StatusQueued, 0)},
		LastSeq: 50,
	}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := manager.Write(types.SnapshotData{
			Tasks:   map[types.Key]*types.GenerationTask{"new": sampleTask("new", "t-new", types.StatusQueued, 0)},
			LastSeq: 100,
		})
		assert.NoError(t, err)
	}()

	var loadedData types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loadedData = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	assert.True(t, loadedData.LastSeq == 50 || loadedData.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loadedData.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Equal(t, uint64(0), loadedData.LastSeq)
	assert.NotNil(t, loadedData.Tasks)
	assert.Empty(t, loadedData.Tasks)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.MarshalIndent(types.SnapshotData{SchemaVer: 2}, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	corruptedJSON := `{"tasks": {"h1": {"key": "h1", "status": "running"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corruptedJSON), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestUnknownStatus 測試未知狀態名稱視為損壞
func TestUnknownStatus(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	raw := `{"tasks": {"h1": {"key": "h1", "status": "exploded"}}, "schema_ver": 1}`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(raw), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（不存在的目錄）
func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing", "test_snapshot.json"))

	err := manager.Write(types.SnapshotData{})
	assert.Error(t, err)
}

// ============================================================================
// 並發安全測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	numGoroutines := 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(index int) {
			defer wg.Done()
			key := types.Key(fmt.Sprintf("h%d", index))
			err := manager.Write(types.SnapshotData{
				Tasks:   map[types.Key]*types.GenerationTask{key: sampleTask(key, "t", types.StatusQueued, 0)},
				LastSeq: uint64(index),
			})
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Len(t, loadedData.Tasks, 1)
}

// ============================================================================
// Benchmark 測試
// ============================================================================

// BenchmarkWrite 測試寫入效能
func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "benchmark_snapshot.json"))

	data := types.SnapshotData{
		Tasks:   map[types.Key]*types.GenerationTask{"h1": sampleTask("h1", "t1", types.StatusRunning, 40)},
		LastSeq: 100,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}
