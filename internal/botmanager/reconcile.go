package botmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/betbot/botdeck/internal/domain"
	"github.com/betbot/botdeck/internal/gateway"
	"github.com/betbot/botdeck/internal/metrics"
	"github.com/betbot/botdeck/pkg/sigchan"
)

// Reconciler periodically converges live handles with the persisted
// desired state. It owns no state of its own beyond the kick signal.
type Reconciler struct {
	m    *Manager
	kick *sigchan.Chan
	// sleep 可在测试中替换，避免真实等待
	sleep func(ctx context.Context, d time.Duration) error
}

func NewReconciler(m *Manager) *Reconciler {
	return &Reconciler{
		m:     m,
		kick:  sigchan.New(1),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Kick requests an immediate pass; pending kicks coalesce.
func (r *Reconciler) Kick() {
	r.kick.Emit()
}

// Run waits the startup delay, recovers bots once, then reconciles on every
// tick or kick until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	cfg := r.m.cfg
	log := r.m.log("").WithField("loop", "reconcile")
	log.Infof("reconciler started (startup_delay=%s interval=%s)", cfg.StartupDelay, cfg.ReconcileInterval)

	if err := r.sleep(ctx, cfg.StartupDelay); err != nil {
		return nil
	}
	r.safe(ctx, "startup recovery", func() { r.RecoverOnStartup(ctx) })

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			r.safe(ctx, "reconcile", func() { r.Tick(ctx) })
		case <-r.kick.C():
			r.safe(ctx, "reconcile", func() { r.Tick(ctx) })
		}
	}
}

func (r *Reconciler) safe(_ context.Context, component string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ReconcileErrors.Add(1)
			r.m.HandlePanic(component, rec)
		}
	}()
	fn()
}

// RecoverOnStartup starts, one by one, every bot that was running or online
// when the previous process exited.
func (r *Reconciler) RecoverOnStartup(ctx context.Context) (started, failed int) {
	bots, err := r.m.store.GetAllBots(ctx)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		r.m.log("").Errorf("startup recovery: load bots: %v", err)
		return 0, 0
	}
	for i := range bots {
		if ctx.Err() != nil {
			break
		}
		if !bots[i].ShouldBeOnline() {
			continue
		}
		// 列表可能已过期，锁内按最新记录再判断一次
		b, ok := r.m.startIf(ctx, bots[i].ID, (*domain.Bot).ShouldBeOnline)
		if b == nil {
			continue
		}
		if ok {
			started++
			metrics.ReconcileAction("recover")
			r.m.record(ctx, b.ID, domain.LogSuccess, fmt.Sprintf("Bot %s recovered after restart", botLabel(b)))
		} else {
			failed++
			r.m.record(ctx, b.ID, domain.LogError, fmt.Sprintf("Failed to recover bot %s after restart", botLabel(b)))
		}
	}
	r.m.log("").Infof("startup recovery done: %d started, %d failed", started, failed)
	r.m.BroadcastUpdate(ctx)
	return started, failed
}

// Tick runs one reconciliation pass over every bot, then broadcasts once.
func (r *Reconciler) Tick(ctx context.Context) {
	metrics.ReconcileRuns.Add(1)
	bots, err := r.m.store.GetAllBots(ctx)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		r.m.log("").Errorf("reconcile: load bots: %v", err)
		return
	}
	for i := range bots {
		if ctx.Err() != nil {
			return
		}
		id := bots[i].ID
		r.safe(ctx, "reconcile bot", func() { r.reconcileBot(ctx, id) })
	}
	r.m.BroadcastUpdate(ctx)
}

// reconcileBot 在 bot 锁内按最新记录执行规则 1-3；重启失败时锁外进入恢复流程
func (r *Reconciler) reconcileBot(ctx context.Context, id string) {
	if b := r.reconcileLocked(ctx, id); b != nil {
		r.recover(ctx, b)
	}
}

// reconcileLocked 返回非 nil 表示重启失败、需要恢复
func (r *Reconciler) reconcileLocked(ctx context.Context, id string) *domain.Bot {
	m := r.m
	unlock := m.locks.Lock(id)
	defer unlock()

	b, err := m.store.GetBot(ctx, id)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		m.log(id).Errorf("reconcile: load bot: %v", err)
		return nil
	}
	if b == nil {
		// 本轮期间被删除
		return nil
	}

	h := m.handle(id)
	status := domain.StatusOffline
	if h != nil {
		status = h.State().Status()
	}

	// 1. 期望运行但没有连接或连接异常
	if b.IsRunning && (h == nil || status != domain.StatusOnline) {
		m.record(ctx, id, domain.LogWarning,
			fmt.Sprintf("Bot %s should be running but is %s, restarting", botLabel(b), status))
		if m.restartLocked(ctx, id) {
			metrics.ReconcileAction("restart")
			return nil
		}
		m.record(ctx, id, domain.LogWarning, fmt.Sprintf("Restart of bot %s failed, attempting recovery", botLabel(b)))
		m.stopLocked(ctx, id, true)
		return b
	}
	if h == nil || status != domain.StatusOnline {
		return nil
	}

	// 2. 连接在线但持久化状态说没在跑：只修正记录
	if !b.IsRunning {
		if _, err := m.store.UpdateBot(ctx, id, domain.BotUpdate{
			IsRunning: domain.BoolPtr(true),
			Status:    domain.StatusPtr(domain.StatusOnline),
		}); err != nil {
			metrics.ReconcileErrors.Add(1)
			m.log(id).Errorf("correct running flag: %v", err)
		} else {
			metrics.ReconcileAction("correct")
			m.record(ctx, id, domain.LogInfo, fmt.Sprintf("Bot %s is online, corrected stored state to running", botLabel(b)))
		}
	}

	// 3. 过了宽限期仍然没有心跳
	if m.now().Sub(h.started) > m.cfg.HealthGrace && h.client.Latency() == gateway.NoSignal {
		m.record(ctx, id, domain.LogWarning, fmt.Sprintf("Bot %s has no heartbeat, restarting", botLabel(b)))
		if m.restartLocked(ctx, id) {
			metrics.ReconcileAction("health_restart")
		} else {
			metrics.ReconcileErrors.Add(1)
		}
	}
	return nil
}

// recover 重启失败后的兜底：等待 -> 仍期望运行才启动
func (r *Reconciler) recover(ctx context.Context, b *domain.Bot) {
	m := r.m
	m.log(b.ID).Infof("recovery: stopped, waiting %s", m.cfg.RecoveryDelay)
	if err := r.sleep(ctx, m.cfg.RecoveryDelay); err != nil {
		return
	}
	fresh, ok := m.startIf(ctx, b.ID, func(b *domain.Bot) bool { return b.IsRunning })
	if fresh == nil {
		m.log(b.ID).Infof("recovery of bot %s skipped: no longer desired running", botLabel(b))
		return
	}
	if ok {
		metrics.ReconcileAction("recover")
		m.record(ctx, b.ID, domain.LogSuccess, fmt.Sprintf("Bot %s recovered", botLabel(fresh)))
		return
	}
	metrics.ReconcileErrors.Add(1)
	metrics.ReconcileAction("manual")
	m.record(ctx, b.ID, domain.LogError,
		fmt.Sprintf("Recovery of bot %s failed, manual intervention may be required", botLabel(fresh)))
}
