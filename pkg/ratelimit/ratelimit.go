package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
	GetResetTime() time.Time
}

// SlidingWindow 滑动窗口速率限制器
type SlidingWindow struct {
	limit      int           // 限制数量
	windowSize time.Duration // 窗口大小
	requests   []time.Time   // 请求时间戳
	mu         sync.Mutex
	now        func() time.Time
}

// NewSlidingWindow 创建新的滑动窗口速率限制器
func NewSlidingWindow(limit int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:      limit,
		windowSize: windowSize,
		now:        time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (sw *SlidingWindow) SetClock(now func() time.Time) {
	sw.mu.Lock()
	sw.now = now
	sw.mu.Unlock()
}

// prune 丢弃窗口外的请求，调用方持锁
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.windowSize)
	i := 0
	for i < len(sw.requests) && !sw.requests[i].After(cutoff) {
		i++
	}
	sw.requests = sw.requests[i:]
}

// Allow 检查是否允许请求；允许时记一次
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.prune(now)
	if len(sw.requests) >= sw.limit {
		return false
	}
	sw.requests = append(sw.requests, now)
	return true
}

// Wait 等待直到允许请求
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if sw.Allow() {
			return nil
		}
		wait := time.Until(sw.GetResetTime())
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// GetRemaining 获取窗口内剩余次数
func (sw *SlidingWindow) GetRemaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.prune(sw.now())
	if n := sw.limit - len(sw.requests); n > 0 {
		return n
	}
	return 0
}

// GetResetTime 最早一次请求滑出窗口的时间
func (sw *SlidingWindow) GetResetTime() time.Time {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	now := sw.now()
	sw.prune(now)
	if len(sw.requests) < sw.limit || len(sw.requests) == 0 {
		return now
	}
	return sw.requests[0].Add(sw.windowSize)
}

// Keyed 为每个 key 维护独立的滑动窗口
type Keyed struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	limiters map[string]*SlidingWindow
	now      func() time.Time
}

func NewKeyed(limit int, window time.Duration) *Keyed {
	return &Keyed{
		limit:    limit,
		window:   window,
		limiters: make(map[string]*SlidingWindow),
		now:      time.Now,
	}
}

// SetClock 替换时钟（测试用），对之后创建的窗口生效
func (k *Keyed) SetClock(now func() time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now
	for _, sw := range k.limiters {
		sw.SetClock(now)
	}
}

func (k *Keyed) get(key string) *SlidingWindow {
	k.mu.Lock()
	defer k.mu.Unlock()
	sw, ok := k.limiters[key]
	if !ok {
		sw = NewSlidingWindow(k.limit, k.window)
		sw.now = k.now
		k.limiters[key] = sw
	}
	return sw
}

func (k *Keyed) Allow(key string) bool { return k.get(key).Allow() }

func (k *Keyed) Remaining(key string) int { return k.get(key).GetRemaining() }

func (k *Keyed) ResetTime(key string) time.Time { return k.get(key).GetResetTime() }

// Forget 删除 key 的窗口（bot 删除后调用）
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}
