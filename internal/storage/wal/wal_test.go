package wal

// ============================================================================
// WAL 測試檔案
// 職責：驗證追加、重放、旋轉、校驗和與損壞處理
// ============================================================================

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChuLiYu/scene-forge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := NewWAL(filepath.Join(t.TempDir(), "journal.wal"), false)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func collect(t *testing.T, w *WAL) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// TestAppendAndReplay 測試事件依序寫入並完整重放
func TestAppendAndReplay(t *testing.T) {
	w := newTestWAL(t)

	_, err := w.Append(EventSubmitted, Record{Key: "h1", TaskID: "t1", Description: "car accident"}, false)
	require.NoError(t, err)
	_, err = w.Append(EventSucceeded, Record{Key: "h1", TaskID: "t1", ModelURL: "m.glb"}, false)
	require.NoError(t, err)

	// Replay 會先寫出緩衝事件
	events := collect(t, w)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, EventSubmitted, events[0].Type)
	assert.Equal(t, "car accident", events[0].Description)
	assert.Equal(t, "m.glb", events[1].ModelURL)
	assert.Equal(t, uint64(2), w.GetLastSeq())
}

// TestReopenContinuesSequence 測試重新開啟後 seq 接續
func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")

	w, err := NewWAL(path, true)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(EventSubmitted, Record{Key: "h1", TaskID: types.TaskID("t")}, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(3), reopened.GetLastSeq())

	event, err := reopened.Append(EventCancelled, Record{Key: "h1"}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), event.Seq)
	require.NoError(t, ValidateWAL(path))
}

// TestRotate 測試旋轉後日誌清空且舊日誌保留一代
func TestRotate(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventSubmitted, Record{Key: "h1", TaskID: "t1"}, true)
	require.NoError(t, err)

	require.NoError(t, w.Rotate())

	assert.Empty(t, collect(t, w))
	assert.Equal(t, uint64(0), w.GetLastSeq())
	_, err = os.Stat(w.Path() + ".old")
	assert.NoError(t, err, "previous generation should be kept")

	_, err = w.Append(EventSubmitted, Record{Key: "h2", TaskID: "t2"}, true)
	require.NoError(t, err)
	events := collect(t, w)
	require.Len(t, events, 1)
	assert.Equal(t, types.Key("h2"), events[0].Key)
}

// TestChecksumMismatch 測試篡改後重放失敗
func TestChecksumMismatch(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventSubmitted, Record{Key: "h1", TaskID: "t1"}, true)
	require.NoError(t, err)

	raw, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"key":"h1"`, `"key":"h9"`, 1)
	require.NoError(t, os.WriteFile(w.Path(), []byte(tampered), 0644))

	err = w.Replay(func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var csErr *ChecksumError
	require.ErrorAs(t, err, &csErr)
	assert.Equal(t, uint64(1), csErr.Seq)
}

// TestTruncatedTail 測試當機造成的半行尾端
func TestTruncatedTail(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventSubmitted, Record{Key: "h1", TaskID: "t1"}, true)
	require.NoError(t, err)

	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"SUCC`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var applied []Event
	err = w.Replay(func(e Event) error {
		applied = append(applied, e)
		return nil
	})
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.Len(t, applied, 1, "events before the corruption are applied")

	last, err := GetLastEvent(w.Path())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)

	stats, err := GetWALStats(w.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CorruptedCount)
	assert.Equal(t, 1, stats.TotalEvents)
}

func TestReplayHandlerErrorStops(t *testing.T) {
	w := newTestWAL(t)
	for i := 0; i < 3; i++ {
		_, err := w.Append(EventSubmitted, Record{Key: "h1", TaskID: "t1"}, false)
		require.NoError(t, err)
	}

	stop := errors.New("stop")
	calls := 0
	err := w.Replay(func(Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestClosedWAL(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "journal.wal"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "double close is a no-op")

	_, err = w.Append(EventSubmitted, Record{Key: "h1"}, false)
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.ErrorIs(t, w.Rotate(), ErrWALClosed)
}

// ============================================================================
// 工具函式測試
// ============================================================================

func TestOpenTasks(t *testing.T) {
	w := newTestWAL(t)
	appendAll := []struct {
		typ EventType
		rec Record
	}{
		{EventSubmitted, Record{Key: "h1", TaskID: "t1"}},
		{EventSubmitted, Record{Key: "h2", TaskID: "t2"}},
		{EventSucceeded, Record{Key: "h1", TaskID: "t1"}},
		{EventSubmitted, Record{Key: "h3", TaskID: "t3"}},
		{EventCancelled, Record{Key: "h3", TaskID: "t3"}},
		{EventSubmitted, Record{Key: "h3", TaskID: "t4"}},
		// 舊任務遲來的終止事件不影響新提交
		{EventFailed, Record{Key: "h3", TaskID: "t3"}},
	}
	for _, a := range appendAll {
		_, err := w.Append(a.typ, a.rec, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())

	open, err := OpenTasks(w.Path())
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, types.TaskID("t2"), open["h2"].TaskID)
	assert.Equal(t, types.TaskID("t4"), open["h3"].TaskID)

	count, err := CountEvents(w.Path())
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	stats, err := GetWALStats(w.Path())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.EventTypes[EventSubmitted])
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(7), stats.LastSeq)
}

func TestDumpWAL(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventSubmitted, Record{Key: "h1", TaskID: "t1"}, true)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(w.Path(), &buf))
	assert.Contains(t, buf.String(), "[Seq:1] SUBMITTED h1 task=t1")
}

func TestGetLastEventEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestValidateWALDetectsGap(t *testing.T) {
	w := newTestWAL(t)
	_, err := w.Append(EventSubmitted, Record{Key: "h1", TaskID: "t1"}, true)
	require.NoError(t, err)
	w.mu.Lock()
	w.seq = 5
	w.mu.Unlock()
	_, err = w.Append(EventSubmitted, Record{Key: "h2", TaskID: "t2"}, true)
	require.NoError(t, err)

	assert.ErrorIs(t, ValidateWAL(w.Path()), ErrSequenceGap)
}
