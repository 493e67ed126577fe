package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/scene-forge/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertTaskStatus asserts task status
func assertTaskStatus(t *testing.T, jm *JobManager, key types.Key, want types.TaskStatus) {
	t.Helper()
	task, exists := jm.Get(key)
	if !exists {
		t.Errorf("task %s not found", key)
		return
	}
	if task.Status != want {
		t.Errorf("task %s status: got %s, want %s", key, task.Status, want)
	}
}

// queuedTask begins a task and moves it to Queued
func queuedTask(t *testing.T, jm *JobManager, key types.Key, taskID types.TaskID) *Future {
	t.Helper()
	fut, created := jm.Begin(key, "desc", nil)
	if !created {
		t.Fatalf("task %s already existed", key)
	}
	if _, err := jm.MarkQueued(key, fut, taskID); err != nil {
		t.Fatalf("MarkQueued(%s): %v", key, err)
	}
	return fut
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	if jm.tasks == nil {
		t.Error("tasks map not initialized")
	}

	stats := jm.Stats()
	for _, key := range []string{"starting", "queued", "running", "in_flight"} {
		if stats[key] != 0 {
			t.Errorf("stats[%s]: got %d, want 0", key, stats[key])
		}
	}
}

func TestBeginDeduplicates(t *testing.T) {
	jm := NewJobManager()

	first, created := jm.Begin("h1", "car accident", nil)
	if !created {
		t.Fatal("first Begin should create")
	}
	second, created := jm.Begin("h1", "car accident", nil)
	if created {
		t.Error("second Begin should attach, not create")
	}
	if first != second {
		t.Error("second Begin should return the same future")
	}

	other, created := jm.Begin("h2", "flood", nil)
	if !created || other == first {
		t.Error("distinct keys must get distinct futures")
	}

	assertTaskStatus(t, jm, "h1", types.StatusStarting)
	if jm.Len() != 2 {
		t.Errorf("Len: got %d, want 2", jm.Len())
	}
}

func TestMarkQueued(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*JobManager) *Future
		wantErr error
	}{
		{
			name: "Starting task moves to Queued",
			setup: func(jm *JobManager) *Future {
				fut, _ := jm.Begin("h1", "desc", nil)
				return fut
			},
			wantErr: nil,
		},
		{
			name:    "Unknown key",
			setup:   func(jm *JobManager) *Future { return newFuture("h1") },
			wantErr: ErrTaskNotFound,
		},
		{
			name: "Foreign future",
			setup: func(jm *JobManager) *Future {
				jm.Begin("h1", "desc", nil)
				return newFuture("h1")
			},
			wantErr: ErrStaleTask,
		},
		{
			name: "Already queued",
			setup: func(jm *JobManager) *Future {
				fut, _ := jm.Begin("h1", "desc", nil)
				jm.MarkQueued("h1", fut, "t0")
				return fut
			},
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			fut := tt.setup(jm)

			task, err := jm.MarkQueued("h1", fut, "t1")

			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			assertNoError(t, err)
			if task.TaskID != "t1" {
				t.Errorf("TaskID: got %s, want t1", task.TaskID)
			}
			assertTaskStatus(t, jm, "h1", types.StatusQueued)
		})
	}
}

func TestUpdateProgressMonotonic(t *testing.T) {
	jm := NewJobManager()
	fut := queuedTask(t, jm, "h1", "t1")

	steps := []struct {
		report       types.StatusReport
		wantStatus   types.TaskStatus
		wantProgress int
	}{
		{types.StatusReport{Status: types.StatusQueued}, types.StatusQueued, 0},
		{types.StatusReport{Status: types.StatusRunning, Progress: 40}, types.StatusRunning, 40},
		{types.StatusReport{Status: types.StatusRunning, Progress: 30}, types.StatusRunning, 40},
		{types.StatusReport{Status: types.StatusQueued, Progress: 50}, types.StatusRunning, 50},
		{types.StatusReport{Status: types.StatusRunning, Progress: 100}, types.StatusRunning, 99},
		{types.StatusReport{Status: types.StatusSucceeded, Progress: 100}, types.StatusSucceeded, 100},
	}

	for i, step := range steps {
		task, err := jm.UpdateProgress("h1", fut, step.report)
		assertNoError(t, err)
		if task.Status != step.wantStatus {
			t.Errorf("step %d status: got %s, want %s", i, task.Status, step.wantStatus)
		}
		if task.Progress != step.wantProgress {
			t.Errorf("step %d progress: got %d, want %d", i, task.Progress, step.wantProgress)
		}
	}
}

func TestUpdateProgressNotifiesListeners(t *testing.T) {
	jm := NewJobManager()
	fut := queuedTask(t, jm, "h1", "t1")

	var got []int
	fut.Subscribe(func(task types.GenerationTask) { got = append(got, task.Progress) })
	fut.Subscribe(func(task types.GenerationTask) { got = append(got, -task.Progress) })

	jm.UpdateProgress("h1", fut, types.StatusReport{Status: types.StatusRunning, Progress: 10})

	if len(got) != 2 || got[0] != 10 || got[1] != -10 {
		t.Errorf("listeners: got %v, want [10 -10]", got)
	}
}

func TestFinishRemovesOnlyOwnEntry(t *testing.T) {
	jm := NewJobManager()
	old := queuedTask(t, jm, "h1", "t1")

	// 取消後同 key 重新開始
	if _, _, ok := jm.Cancel("h1"); !ok {
		t.Fatal("Cancel should find h1")
	}
	fresh := queuedTask(t, jm, "h1", "t2")

	if _, removed := jm.Finish("h1", old, types.StatusFailed); removed {
		t.Error("stale Finish must not remove the fresh task")
	}
	if _, err := jm.UpdateProgress("h1", old, types.StatusReport{Status: types.StatusRunning, Progress: 80}); !errors.Is(err, ErrStaleTask) {
		t.Errorf("stale UpdateProgress: got %v, want ErrStaleTask", err)
	}
	if jm.Progress("h1") != 0 {
		t.Errorf("fresh progress polluted: %d", jm.Progress("h1"))
	}

	task, removed := jm.Finish("h1", fresh, types.StatusSucceeded)
	if !removed {
		t.Fatal("Finish should remove the fresh task")
	}
	if task.Progress != 100 || task.Status != types.StatusSucceeded {
		t.Errorf("final task: %+v", task)
	}
	if jm.IsGenerating("h1") {
		t.Error("h1 should no longer be generating")
	}
}

func TestCancelCallsCancelFunc(t *testing.T) {
	jm := NewJobManager()
	ctx, cancel := context.WithCancel(context.Background())
	fut, _ := jm.Begin("h1", "desc", cancel)

	task, got, ok := jm.Cancel("h1")
	if !ok || got != fut {
		t.Fatal("Cancel should return the registered future")
	}
	if task.Key != "h1" || task.Description != "desc" {
		t.Errorf("Cancel task snapshot: %+v", task)
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("local cancel func not invoked")
	}

	if _, _, ok := jm.Cancel("h1"); ok {
		t.Error("second Cancel should be a no-op")
	}
}

func TestAdoptKeepsTaskID(t *testing.T) {
	jm := NewJobManager()
	started := time.Now().Add(-time.Minute)

	fut, created := jm.Adopt(types.GenerationTask{
		Key:       "h1",
		TaskID:    "t1",
		Status:    types.StatusRunning,
		Progress:  100,
		StartedAt: started,
	}, nil)
	if !created || fut == nil {
		t.Fatal("Adopt should create")
	}

	task, _ := jm.Get("h1")
	if task.TaskID != "t1" || task.Status != types.StatusRunning {
		t.Errorf("adopted task: %+v", task)
	}
	if task.Progress != 99 {
		t.Errorf("adopted progress should cap at 99, got %d", task.Progress)
	}
	if !task.StartedAt.Equal(started) {
		t.Error("StartedAt should be preserved")
	}
}

func TestSnapshotSkipsStartingTasks(t *testing.T) {
	jm := NewJobManager()
	jm.Begin("starting", "desc", nil)
	queuedTask(t, jm, "queued", "t1")

	data := jm.Snapshot()
	if data.SchemaVer != 1 {
		t.Errorf("SchemaVer: got %d, want 1", data.SchemaVer)
	}
	if len(data.Tasks) != 1 {
		t.Fatalf("snapshot tasks: got %d, want 1", len(data.Tasks))
	}
	if data.Tasks["queued"].TaskID != "t1" {
		t.Errorf("snapshot task id: %s", data.Tasks["queued"].TaskID)
	}

	// 快照為深拷貝
	data.Tasks["queued"].Progress = 77
	if jm.Progress("queued") != 0 {
		t.Error("snapshot must not alias registry state")
	}
}

func TestStats(t *testing.T) {
	jm := NewJobManager()
	jm.Begin("a", "desc", nil)
	queuedTask(t, jm, "b", "t1")
	fut := queuedTask(t, jm, "c", "t2")
	jm.UpdateProgress("c", fut, types.StatusReport{Status: types.StatusRunning, Progress: 5})

	stats := jm.Stats()
	want := map[string]int{"starting": 1, "queued": 1, "running": 1, "in_flight": 3}
	for k, v := range want {
		if stats[k] != v {
			t.Errorf("stats[%s]: got %d, want %d", k, stats[k], v)
		}
	}

	inFlight := jm.InFlight()
	if len(inFlight) != 3 || inFlight[0].Key != "a" || inFlight[2].Key != "c" {
		t.Errorf("InFlight order: %+v", inFlight)
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentBegin(t *testing.T) {
	jm := NewJobManager()
	const callers = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	futures := make(map[*Future]int)
	createdCount := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fut, created := jm.Begin(types.Key(fmt.Sprintf("h%d", i%5)), "desc", nil)
			mu.Lock()
			futures[fut]++
			if created {
				createdCount++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if createdCount != 5 {
		t.Errorf("created: got %d, want 5", createdCount)
	}
	if len(futures) != 5 {
		t.Errorf("distinct futures: got %d, want 5", len(futures))
	}
}

// ============================================================================
// Future Tests
// ============================================================================

func TestFutureBroadcast(t *testing.T) {
	fut := newFuture("h1")
	result := &types.Result{Key: "h1", ModelURL: "m.glb"}

	const waiters = 10
	var wg sync.WaitGroup
	got := make([]*types.Result, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := fut.Wait(context.Background())
			assertNoError(t, err)
			got[i] = r
		}(i)
	}

	if !fut.Resolve(result) {
		t.Fatal("first Resolve should settle")
	}
	if fut.Reject(errors.New("late")) {
		t.Error("second settle must be ignored")
	}
	wg.Wait()

	for i, r := range got {
		if r != result {
			t.Errorf("waiter %d got a different result object", i)
		}
	}
}

func TestFutureWaitContext(t *testing.T) {
	fut := newFuture("h1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := fut.Wait(ctx)
	assertError(t, err, context.DeadlineExceeded)
	if fut.Settled() {
		t.Error("caller timeout must not settle the future")
	}
}

func TestNewRejected(t *testing.T) {
	boom := errors.New("boom")
	fut := NewRejected("h1", boom)

	if !fut.Settled() {
		t.Fatal("NewRejected should return a settled future")
	}
	_, err := fut.Wait(context.Background())
	assertError(t, err, boom)
}

func TestFutureNoNotifyAfterSettle(t *testing.T) {
	fut := newFuture("h1")
	calls := 0
	fut.Subscribe(func(types.GenerationTask) { calls++ })

	fut.Reject(errors.New("boom"))
	fut.notify(types.GenerationTask{Progress: 50})

	if calls != 0 {
		t.Errorf("listener called %d times after settle", calls)
	}
	_, err := fut.Result()
	if err == nil || err.Error() != "boom" {
		t.Errorf("Result err: %v", err)
	}
}
