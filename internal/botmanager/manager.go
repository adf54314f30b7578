// Package botmanager owns the live bot connections: it starts, stops and
// restarts gateway clients, keeps the persisted status in line with what the
// connections report, and pushes state snapshots to dashboard subscribers.
package botmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/botdeck/internal/domain"
	"github.com/betbot/botdeck/internal/gateway"
	"github.com/betbot/botdeck/internal/metrics"
	"github.com/betbot/botdeck/internal/storage"
	"github.com/betbot/botdeck/pkg/logger"
	"github.com/betbot/botdeck/pkg/ratelimit"
	"github.com/betbot/botdeck/pkg/syncgroup"
)

// Config 生命周期与对账参数
type Config struct {
	ReconcileInterval time.Duration
	StartupDelay      time.Duration
	RecoveryDelay     time.Duration
	BotSampleInterval time.Duration
	HealthGrace       time.Duration
	LoginTimeout      time.Duration
	// LoginLimit 每个 bot 在 LoginWindow 内最多登录次数，0 表示不限
	LoginLimit  int
	LoginWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 60 * time.Second,
		StartupDelay:      5 * time.Second,
		RecoveryDelay:     5 * time.Second,
		BotSampleInterval: 60 * time.Second,
		HealthGrace:       60 * time.Second,
		LoginTimeout:      30 * time.Second,
		LoginLimit:        30,
		LoginWindow:       time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.StartupDelay < 0 {
		c.StartupDelay = 0
	}
	if c.RecoveryDelay < 0 {
		c.RecoveryDelay = 0
	}
	if c.BotSampleInterval <= 0 {
		c.BotSampleInterval = d.BotSampleInterval
	}
	if c.HealthGrace < 0 {
		c.HealthGrace = 0
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = d.LoginTimeout
	}
	if c.LoginLimit > 0 && c.LoginWindow <= 0 {
		c.LoginWindow = d.LoginWindow
	}
	return c
}

// GenericErrorMessage is what subscribers see for recovered panics.
const GenericErrorMessage = "An unexpected error occurred"

// Manager is the single owner of connection handles. Construct one per
// process and share it with the API and the background loops.
type Manager struct {
	store  storage.Store
	dialer gateway.Dialer
	cfg    Config
	hub    *Hub
	now    func() time.Time

	locks *keyLock

	mu      sync.RWMutex
	handles map[string]*handle

	bg *syncgroup.SyncGroup
	// logins 单 bot 登录频率限制，nil 表示不限
	logins *ratelimit.Keyed
	// heapMB 进程内存采样（测试可替换）
	heapMB func() float64
}

func New(store storage.Store, dialer gateway.Dialer, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	var logins *ratelimit.Keyed
	if cfg.LoginLimit > 0 {
		logins = ratelimit.NewKeyed(cfg.LoginLimit, cfg.LoginWindow)
	}
	return &Manager{
		store:   store,
		dialer:  dialer,
		cfg:     cfg,
		logins:  logins,
		hub:     NewHub(),
		now:     time.Now,
		locks:   newKeyLock(),
		handles: make(map[string]*handle),
		bg:      syncgroup.NewSyncGroup(),
		heapMB:  heapAllocMB,
	}
}

func heapAllocMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / 1024 / 1024
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) Store() storage.Store { return m.store }

func (m *Manager) log(botID string) *logrus.Entry {
	e := logger.WithField("component", "botmanager")
	if botID != "" {
		e = e.WithField("bot_id", botID)
	}
	return e
}

// record 同时写 logrus 和面板日志表；面板日志写失败只记 logrus
func (m *Manager) record(ctx context.Context, botID string, level domain.LogLevel, msg string) {
	l := m.log(botID)
	switch level {
	case domain.LogError:
		l.Error(msg)
	case domain.LogWarning:
		l.Warn(msg)
	default:
		l.Info(msg)
	}

	e := domain.LogEntry{Level: level, Message: msg, Timestamp: m.now()}
	if botID != "" {
		id := botID
		e.BotID = &id
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if _, err := m.store.CreateLog(wctx, e); err != nil {
		m.log(botID).Warnf("persist log entry failed: %v", err)
	}
}

func botLabel(b *domain.Bot) string {
	if b == nil {
		return ""
	}
	if b.Name != "" {
		return b.Name
	}
	return b.ID
}

// ---- handles ----

func (m *Manager) handle(id string) *handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[id]
}

func (m *Manager) registered(h *handle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[h.botID] == h
}

// HandleStatus reports the mapped status of a live handle.
func (m *Manager) HandleStatus(id string) (domain.BotStatus, bool) {
	h := m.handle(id)
	if h == nil {
		return "", false
	}
	return h.State().Status(), true
}

// Handles 返回全部 live handle 的只读视图
func (m *Manager) Handles() []HandleInfo {
	m.mu.RLock()
	hs := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.RUnlock()

	out := make([]HandleInfo, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.info())
	}
	return out
}

// ApplicationID returns the platform application id reported by a live
// handle, or "" when the bot is not connected.
func (m *Manager) ApplicationID(id string) string {
	h := m.handle(id)
	if h == nil {
		return ""
	}
	return h.client.ApplicationID()
}

func (m *Manager) refreshHandleGauge() {
	counts := map[domain.BotStatus]int{}
	m.mu.RLock()
	for _, h := range m.handles {
		counts[h.State().Status()]++
	}
	m.mu.RUnlock()
	metrics.SetHandleCounts(counts)
}

// ---- lifecycle ----

// CreateBot persists a new bot with category defaults and starts it when a
// token is present. Returns nil on failure.
func (m *Manager) CreateBot(ctx context.Context, spec domain.BotSpec) *domain.Bot {
	name := strings.TrimSpace(spec.Name)
	if name == "" || strings.TrimSpace(spec.Token) == "" {
		m.record(ctx, "", domain.LogError, "Failed to create bot: name and token are required")
		return nil
	}

	category := domain.NormalizeCategory(spec.Category)
	perms, invite := domain.DefaultsFor(category)
	if spec.Permissions != nil {
		perms = *spec.Permissions
	}
	if spec.InviteConfig != nil {
		invite = *spec.InviteConfig
		if len(invite.Scopes) == 0 {
			invite.Scopes = append([]string(nil), domain.DefaultInviteScopes...)
		}
	}

	now := m.now()
	b := domain.Bot{
		ID:           uuid.NewString(),
		Name:         name,
		Token:        strings.TrimSpace(spec.Token),
		Prefix:       spec.Prefix,
		UserID:       spec.UserID,
		Status:       domain.StatusOffline,
		Category:     category,
		Permissions:  perms,
		InviteConfig: invite,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := m.store.CreateBot(ctx, b)
	if err != nil {
		m.record(ctx, "", domain.LogError, fmt.Sprintf("Failed to create bot %s: %v", name, err))
		return nil
	}
	m.record(ctx, created.ID, domain.LogSuccess, fmt.Sprintf("Bot %s created", name))

	if created.Token != "" {
		m.StartBot(ctx, created.ID)
	}
	fresh, err := m.store.GetBot(ctx, created.ID)
	if err != nil || fresh == nil {
		return created
	}
	return fresh
}

// StartBot connects the bot. An already running bot counts as success.
func (m *Manager) StartBot(ctx context.Context, id string) bool {
	unlock := m.locks.Lock(id)
	ok := m.startLocked(ctx, id)
	unlock()
	if ok {
		m.BroadcastUpdate(ctx)
	}
	return ok
}

func (m *Manager) startLocked(ctx context.Context, id string) bool {
	b, err := m.store.GetBot(ctx, id)
	if err != nil {
		m.log(id).Errorf("load bot failed: %v", err)
		return false
	}
	if b == nil {
		m.log(id).Warn("bot not found")
		return false
	}
	if strings.TrimSpace(b.Token) == "" {
		m.record(ctx, id, domain.LogError, fmt.Sprintf("Failed to start bot %s: token not found", botLabel(b)))
		return false
	}
	if m.handle(id) != nil {
		m.record(ctx, id, domain.LogWarning, fmt.Sprintf("Bot %s is already running", botLabel(b)))
		return true
	}

	if m.logins != nil && !m.logins.Allow(id) {
		metrics.BotStartFailures.Add(1)
		m.record(ctx, id, domain.LogError, fmt.Sprintf("Failed to start bot %s: login limit reached, retry after %s",
			botLabel(b), m.logins.ResetTime(id).Format(time.RFC3339)))
		return false
	}

	profile := gateway.ProfileFor(b.Category)
	client, err := m.dialer.NewClient(profile)
	if err != nil {
		metrics.BotStartFailures.Add(1)
		m.record(ctx, id, domain.LogError, fmt.Sprintf("Failed to start bot %s: %v", botLabel(b), err))
		return false
	}

	h := newHandle(id, client, m.now())
	m.bg.Go(func() { m.pump(h) })

	loginCtx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	err = client.Login(loginCtx, b.Token)
	cancel()
	if err != nil {
		if derr := h.close(); derr != nil {
			m.log(id).Warnf("destroy client after failed login: %v", derr)
		}
		metrics.BotStartFailures.Add(1)
		m.record(ctx, id, domain.LogError, fmt.Sprintf("Failed to start bot %s: %v", botLabel(b), err))
		return false
	}

	h.markOnline()
	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()
	m.refreshHandleGauge()
	metrics.BotStarts.Add(1)

	// 注册后再读状态：之后的事件由 pump 负责持久化
	status := h.State().Status()
	started := h.started
	if _, err := m.store.UpdateBot(ctx, id, domain.BotUpdate{
		IsRunning:   domain.BoolPtr(true),
		Status:      domain.StatusPtr(status),
		LastStarted: &started,
	}); err != nil {
		m.log(id).Errorf("persist running state failed: %v", err)
	} else if cur := h.State().Status(); cur != status {
		// pump 在这期间写过的新状态可能被上面覆盖
		status = cur
		if _, err := m.store.UpdateBot(ctx, id, domain.BotUpdate{Status: domain.StatusPtr(cur)}); err != nil {
			m.log(id).Errorf("persist status %s failed: %v", cur, err)
		}
	}
	if status == domain.StatusOnline {
		m.record(ctx, id, domain.LogSuccess, fmt.Sprintf("Bot %s started", botLabel(b)))
	} else {
		m.record(ctx, id, domain.LogWarning, fmt.Sprintf("Bot %s started but connection is %s", botLabel(b), status))
	}
	return true
}

// StopBot disconnects the bot and clears its desired-running flag. Without a
// live handle it does nothing and returns false.
func (m *Manager) StopBot(ctx context.Context, id string) bool {
	unlock := m.locks.Lock(id)
	ok := m.stopLocked(ctx, id, false)
	unlock()
	if ok {
		m.BroadcastUpdate(ctx)
	}
	return ok
}

// stopLocked 销毁连接；keepDesired 为 true 时不改 IsRunning（重启/恢复用）
func (m *Manager) stopLocked(ctx context.Context, id string, keepDesired bool) bool {
	m.mu.Lock()
	h := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if h == nil {
		return false
	}
	m.refreshHandleGauge()

	if err := h.close(); err != nil {
		m.log(id).Warnf("destroy client: %v", err)
	}
	metrics.BotStops.Add(1)

	upd := domain.BotUpdate{Status: domain.StatusPtr(domain.StatusOffline)}
	if !keepDesired {
		upd.IsRunning = domain.BoolPtr(false)
	}
	label := id
	b, err := m.store.UpdateBot(ctx, id, upd)
	if err != nil {
		m.log(id).Errorf("persist stopped state failed: %v", err)
	} else if b != nil {
		label = botLabel(b)
	}
	m.record(ctx, id, domain.LogInfo, fmt.Sprintf("Bot %s stopped", label))
	return true
}

// RestartBot stops then starts the bot under one lock. The stop phase keeps
// the desired-running flag so an interrupted restart is still recovered.
func (m *Manager) RestartBot(ctx context.Context, id string) bool {
	ok := m.restart(ctx, id)
	m.BroadcastUpdate(ctx)
	return ok
}

func (m *Manager) restart(ctx context.Context, id string) bool {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.restartLocked(ctx, id)
}

func (m *Manager) restartLocked(ctx context.Context, id string) bool {
	m.stopLocked(ctx, id, true)
	return m.startLocked(ctx, id)
}

// startIf 在 bot 锁内重读记录，want 成立才启动。记录不存在或 want 不成立时返回 nil。
func (m *Manager) startIf(ctx context.Context, id string, want func(*domain.Bot) bool) (*domain.Bot, bool) {
	unlock := m.locks.Lock(id)
	defer unlock()
	b, err := m.store.GetBot(ctx, id)
	if err != nil {
		m.log(id).Errorf("load bot failed: %v", err)
		return nil, false
	}
	if b == nil || !want(b) {
		return nil, false
	}
	return b, m.startLocked(ctx, id)
}

// UpdateBot persists a partial update. A live bot whose token or category
// changed is reconnected. Returns nil when the bot does not exist or the
// update failed.
func (m *Manager) UpdateBot(ctx context.Context, id string, upd domain.BotUpdate) *domain.Bot {
	unlock := m.locks.Lock(id)
	b, err := m.store.UpdateBot(ctx, id, upd)
	if err != nil {
		unlock()
		m.record(ctx, id, domain.LogError, fmt.Sprintf("Failed to update bot: %v", err))
		return nil
	}
	if b == nil {
		unlock()
		return nil
	}
	m.record(ctx, id, domain.LogInfo, fmt.Sprintf("Bot %s updated", botLabel(b)))

	if (upd.Token != nil || upd.Category != nil) && m.handle(id) != nil {
		m.stopLocked(ctx, id, true)
		m.startLocked(ctx, id)
		if fresh, err := m.store.GetBot(ctx, id); err == nil && fresh != nil {
			b = fresh
		}
	}
	unlock()
	m.BroadcastUpdate(ctx)
	return b
}

// DeleteBot stops the bot if needed and removes its record.
func (m *Manager) DeleteBot(ctx context.Context, id string) bool {
	unlock := m.locks.Lock(id)
	label := id
	if b, err := m.store.GetBot(ctx, id); err == nil && b != nil {
		label = botLabel(b)
	}
	m.stopLocked(ctx, id, false)
	ok, err := m.store.DeleteBot(ctx, id)
	unlock()
	if err != nil {
		m.record(ctx, id, domain.LogError, fmt.Sprintf("Failed to delete bot: %v", err))
		return false
	}
	if ok {
		if m.logins != nil {
			m.logins.Forget(id)
		}
		m.record(ctx, "", domain.LogInfo, fmt.Sprintf("Bot %s deleted", label))
		m.BroadcastUpdate(ctx)
	}
	return ok
}

// Shutdown destroys every handle without touching the desired-running flags,
// so the next process recovers the same bots, then waits for the per-bot
// goroutines.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	hs := m.handles
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	for id, h := range hs {
		if err := h.close(); err != nil {
			m.log(id).Warnf("destroy client on shutdown: %v", err)
		}
	}
	m.refreshHandleGauge()

	done := make(chan struct{})
	go func() {
		m.bg.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log("").Warnf("shutdown wait aborted: %v", ctx.Err())
	}
	m.log("").Infof("manager stopped, %d handles closed", len(hs))
}

// ---- events & sampling ----

// pump 消费一个客户端的事件直到 channel 被 Destroy 关闭
func (m *Manager) pump(h *handle) {
	defer m.recoverPanic("event pump")
	ctx := context.Background()
	for ev := range h.client.Events() {
		prev, next := h.apply(ev.Kind)
		live := m.registered(h)

		switch ev.Kind {
		case gateway.EventReady:
			m.record(ctx, h.botID, domain.LogSuccess, "Bot connected and ready")
			if h.sampling.CompareAndSwap(false, true) {
				m.bg.Go(func() { m.sample(h) })
			}
		case gateway.EventError:
			m.record(ctx, h.botID, domain.LogError, fmt.Sprintf("Bot connection error: %v", ev.Err))
		case gateway.EventDisconnect:
			m.record(ctx, h.botID, domain.LogWarning, "Bot disconnected")
		case gateway.EventReconnecting:
			m.log(h.botID).Info("bot reconnecting")
		}

		if !live || prev == next {
			continue
		}
		m.refreshHandleGauge()
		if _, err := m.store.UpdateBot(ctx, h.botID, domain.BotUpdate{Status: domain.StatusPtr(next.Status())}); err != nil {
			m.log(h.botID).Errorf("persist status %s failed: %v", next.Status(), err)
		}
		m.BroadcastUpdate(ctx)
	}
}

// sample 周期性写入 bot 统计，handle 离开 Online 即退出
func (m *Manager) sample(h *handle) {
	defer h.sampling.Store(false)
	defer m.recoverPanic("bot sampler")

	ticker := time.NewTicker(m.cfg.BotSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			if h.State() != StateOnline {
				return
			}
			m.sampleOnce(h)
		}
	}
}

func (m *Manager) sampleOnce(h *handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	upd := domain.BotUpdate{
		ServerCount: domain.IntPtr(h.client.GuildCount()),
		MemoryUsage: domain.Float64Ptr(m.heapMB()),
		Uptime:      domain.Int64Ptr(int64(m.now().Sub(h.started).Seconds())),
	}
	if n, err := h.client.CommandCount(ctx); err != nil {
		m.log(h.botID).Warnf("command count: %v", err)
	} else {
		upd.CommandCount = domain.IntPtr(n)
	}
	if _, err := m.store.UpdateBot(ctx, h.botID, upd); err != nil {
		m.log(h.botID).Errorf("persist bot stats failed: %v", err)
	}
}

// ---- broadcasting ----

func (m *Manager) Hub() *Hub { return m.hub }

// AddClient registers a subscriber and sends it the current snapshot.
func (m *Manager) AddClient(ctx context.Context, s Subscriber) {
	m.hub.Add(s)
	payload := m.snapshot(ctx)
	if payload == nil {
		return
	}
	deliver(s, payload)
}

func (m *Manager) RemoveClient(s Subscriber) {
	m.hub.Remove(s)
}

// BroadcastUpdate pushes one snapshot to every open subscriber.
func (m *Manager) BroadcastUpdate(ctx context.Context) {
	if m.hub.Len() == 0 {
		return
	}
	payload := m.snapshot(ctx)
	if payload == nil {
		return
	}
	m.hub.Broadcast(payload)
}

// Snapshot returns the redacted fleet state pushed to subscribers.
func (m *Manager) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	bots, err := m.store.GetAllBots(ctx)
	if err != nil {
		return nil, err
	}
	for i := range bots {
		bots[i] = bots[i].Redacted()
	}
	latest, err := m.store.GetLatestMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.Snapshot{Type: domain.MessageTypeUpdate, Bots: bots, Metrics: latest}, nil
}

func (m *Manager) snapshot(ctx context.Context) []byte {
	snap, err := m.Snapshot(context.WithoutCancel(ctx))
	if err != nil {
		m.log("").Errorf("build snapshot: %v", err)
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		m.log("").Errorf("encode snapshot: %v", err)
		return nil
	}
	return raw
}

// NotifyError broadcasts a generic error notice.
func (m *Manager) NotifyError(msg string) {
	raw, err := json.Marshal(domain.Notification{
		Type:      domain.MessageTypeError,
		Message:   msg,
		Timestamp: m.now(),
	})
	if err != nil {
		return
	}
	m.hub.Broadcast(raw)
}

// HandlePanic logs a recovered panic and tells subscribers something failed.
func (m *Manager) HandlePanic(component string, r any) {
	metrics.RecoveredPanics.Add(1)
	logger.WithField("component", component).Errorf("recovered panic: %v", r)
	m.NotifyError(GenericErrorMessage)
}

// recoverPanic is deferred at the top of every background goroutine.
func (m *Manager) recoverPanic(component string) {
	if r := recover(); r != nil {
		m.HandlePanic(component, r)
	}
}

// Go runs fn on a managed goroutine with panic recovery.
func (m *Manager) Go(component string, fn func()) {
	m.bg.Go(func() {
		defer m.recoverPanic(component)
		fn()
	})
}
