package wal

// ============================================================================
// WAL 工具函式
// 職責：不需要 WAL 實例即可讀取日誌檔案（status 指令、NewWAL 取得 seq）
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChuLiYu/scene-forge/pkg/types"
)

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 從頭掃描到尾；遇到損壞的尾端時回傳損壞前的最後一個事件。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	err = replayReader(file, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if last == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的有效事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := scanFile(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 從 1 開始連續且無重複
func ValidateWAL(path string) error {
	var lastSeq uint64
	return scanFile(path, func(event Event) error {
		if event.Seq != lastSeq+1 {
			return fmt.Errorf("%w: got seq=%d after seq=%d", ErrSequenceGap, event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		return nil
	})
}

// OpenTasks 回傳日誌中已提交但尚未終止的任務（以最後一筆 SUBMITTED 為準）
func OpenTasks(path string) (map[types.Key]Event, error) {
	open := make(map[types.Key]Event)
	err := scanFile(path, func(event Event) error {
		ApplyOpenTask(open, event)
		return nil
	})
	return open, err
}

// ApplyOpenTask 將單一事件套用到 key → 開啟中任務的對照表
func ApplyOpenTask(open map[types.Key]Event, event Event) {
	switch {
	case event.Type == EventSubmitted:
		open[event.Key] = event
	case event.Type.IsTerminal():
		// 只關閉同一個 taskId；較新的提交不受舊任務的終止事件影響
		if cur, ok := open[event.Key]; ok && (event.TaskID == "" || cur.TaskID == event.TaskID) {
			delete(open, event.Key)
		}
	}
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] SUBMITTED h1 task=task_ab12 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return scanFile(path, func(event Event) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s task=%s at %s (checksum:0x%08x)\n",
			event.Seq, event.Type, event.Key, event.TaskID,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum)
		return err
	})
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               // 總事件數
	EventTypes     map[EventType]int // 各類型事件計數
	FirstSeq       uint64            // 第一個事件的 seq
	LastSeq        uint64            // 最後一個事件的 seq
	TimeRange      [2]int64          // 時間範圍 [最早, 最晚]
	CorruptedCount int               // 損壞事件數（尾端損壞時為 1）
}

// GetWALStats 取得 WAL 的統計資訊
//
// 損壞的尾端不視為錯誤，只計入 CorruptedCount。
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}

	err := scanFile(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		stats.TimeRange[1] = event.Timestamp
		return nil
	})
	if errors.Is(err, ErrCorruptedWAL) || errors.Is(err, ErrChecksumMismatch) {
		stats.CorruptedCount = 1
		return stats, nil
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func scanFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return replayReader(file, handler)
}
