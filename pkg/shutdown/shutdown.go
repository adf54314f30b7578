// Package shutdown runs process teardown in ordered phases. Hooks inside one
// phase run concurrently; a phase starts only after the previous one finished
// or the deadline passed.
package shutdown

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/botdeck/pkg/logger"
)

// Phase 关闭阶段，按数值从小到大执行
type Phase int

const (
	// PhaseIngress 停止接收外部请求，等待后台循环退出
	PhaseIngress Phase = iota
	// PhaseWorkers 断开 bot 连接
	PhaseWorkers
	// PhaseStorage 最后关闭存储
	PhaseStorage

	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseIngress:
		return "ingress"
	case PhaseWorkers:
		return "workers"
	case PhaseStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Handler 关闭回调；ctx 携带整体截止时间
type Handler func(ctx context.Context) error

type hook struct {
	name string
	fn   Handler
}

// Manager 分阶段的优雅关闭管理器
type Manager struct {
	mu    sync.Mutex
	hooks [numPhases][]hook
	done  bool
}

func NewManager() *Manager {
	return &Manager{}
}

// Register 注册关闭回调；Shutdown 之后注册的回调被忽略
func (m *Manager) Register(phase Phase, name string, fn Handler) {
	if phase < 0 || phase >= numPhases {
		logger.Warnf("shutdown hook %q has unknown phase %d, ignored", name, phase)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		logger.Warnf("shutdown hook %q registered after shutdown, ignored", name)
		return
	}
	m.hooks[phase] = append(m.hooks[phase], hook{name: name, fn: fn})
}

// Shutdown 依次执行各阶段，返回第一个回调错误。某阶段超时后仍继续后续阶段；
// 存储阶段不受截止时间限制，一直等到回调返回。只执行一次。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	hooks := m.hooks
	m.mu.Unlock()

	var first error
	for p := Phase(0); p < numPhases; p++ {
		if len(hooks[p]) == 0 {
			continue
		}
		if err := runPhase(ctx, p, hooks[p]); err != nil && first == nil {
			first = err
		}
	}
	if first == nil {
		logger.Info("graceful shutdown finished")
	}
	return first
}

func runPhase(ctx context.Context, p Phase, hooks []hook) error {
	logger.Infof("shutdown phase %s: %d hooks", p, len(hooks))

	var g errgroup.Group
	for _, h := range hooks {
		h := h
		g.Go(func() error {
			if err := h.fn(ctx); err != nil {
				logger.Warnf("shutdown hook %s failed: %v", h.name, err)
				return errors.Wrapf(err, "shutdown %s", h.name)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	if p == PhaseStorage {
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Warnf("shutdown phase %s timed out: %v", p, ctx.Err())
		return errors.Wrapf(ctx.Err(), "shutdown phase %s", p)
	}
}
