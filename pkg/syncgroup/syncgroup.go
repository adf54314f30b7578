package syncgroup

import (
	"sync"
)

// SyncGroup 包装 sync.WaitGroup：Go 启动时自动 Add，返回时自动 Done。
// 用于管理随对象生命周期存在的后台协程（采样、监听等）。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	running int
	closed  bool
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Go 启动一个受管协程；Close 之后调用返回 false 且不启动
func (w *SyncGroup) Go(fn func()) bool {
	if fn == nil {
		return false
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.running++
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			w.running--
			w.mu.Unlock()
			w.wg.Done()
		}()
		fn()
	}()
	return true
}

// Running 当前仍在运行的协程数
func (w *SyncGroup) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Close 拒绝新的协程并等待已启动的全部退出
func (w *SyncGroup) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wg.Wait()
}

// Wait 等待已启动的协程退出（不阻止新的 Go）
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}
