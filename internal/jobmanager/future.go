package jobmanager

import (
	"context"
	"sync"

	"github.com/ChuLiYu/scene-forge/pkg/types"
)

// ProgressFunc 接收每一次狀態讀取
type ProgressFunc func(task types.GenerationTask)

// Future 單次結算的廣播結果槽
//
// 第一個呼叫者建立 Future，之後同 key 的呼叫者掛在同一個 Future 上，
// 結算時所有等待者同時被喚醒並拿到相同結果。
type Future struct {
	key  types.Key
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	result    *types.Result
	err       error
	listeners []ProgressFunc
}

func newFuture(key types.Key) *Future {
	return &Future{key: key, done: make(chan struct{})}
}

// NewRejected 回傳已以 err 結算的 Future（不經過任務登記表）
func NewRejected(key types.Key, err error) *Future {
	f := newFuture(key)
	f.Reject(err)
	return f
}

// Key 回傳此 Future 所屬的 key
func (f *Future) Key() types.Key {
	return f.key
}

// Done 結算後關閉的 channel
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait 等待結算或 ctx 結束
//
// 所有等待者拿到的是同一個 *types.Result 指標。
func (f *Future) Wait(ctx context.Context) (*types.Result, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result 回傳結算結果；尚未結算時兩者皆為 nil
func (f *Future) Result() (*types.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// Settled 是否已結算
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Subscribe 註冊進度監聽；已結算的 Future 不再通知
func (f *Future) Subscribe(fn ProgressFunc) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// notify 將進度轉發給所有監聽者（在鎖外呼叫，避免回呼重入造成死鎖）
func (f *Future) notify(task types.GenerationTask) {
	if f.Settled() {
		return
	}
	f.mu.Lock()
	listeners := make([]ProgressFunc, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(task)
	}
}

// settle 只生效一次，回傳是否為本次結算
func (f *Future) settle(result *types.Result, err error) bool {
	settled := false
	f.once.Do(func() {
		f.mu.Lock()
		f.result = result
		f.err = err
		f.listeners = nil
		f.mu.Unlock()
		close(f.done)
		settled = true
	})
	return settled
}

// Resolve 以成功結果結算
func (f *Future) Resolve(result *types.Result) bool {
	return f.settle(result, nil)
}

// Reject 以錯誤結算
func (f *Future) Reject(err error) bool {
	return f.settle(nil, err)
}
