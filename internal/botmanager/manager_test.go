package botmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/botdeck/internal/domain"
	"github.com/betbot/botdeck/internal/gateway"
	"github.com/betbot/botdeck/internal/gateway/gatewaytest"
	"github.com/betbot/botdeck/internal/storage"
)

func TestCreateBot_MusicDefaultsAndAutoStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.m.CreateBot(ctx, domain.BotSpec{Name: "dj", Token: "tok-dj", Category: "music", UserID: "u1"})
	require.NotNil(t, b)

	assert.Equal(t, domain.CategoryMusic, b.Category)
	assert.Equal(t, int64(36700160), b.Permissions)
	assert.Equal(t, []string{"bot", "applications.commands"}, b.InviteConfig.Scopes)
	assert.Equal(t, "36700160", b.InviteConfig.Permissions)

	require.Len(t, h.dialer.Clients(), 1, "start attempted automatically")
	c := h.dialer.Last()
	assert.Equal(t, "tok-dj", c.Token())
	assert.True(t, c.Profile.Has(gateway.CapVoiceStates))

	stored := h.bot(t, b.ID)
	assert.True(t, stored.IsRunning)
	assert.Equal(t, domain.StatusOnline, stored.Status)
	assert.NotNil(t, stored.LastStarted)
	assert.Zero(t, stored.ServerCount)
}

func TestCreateBot_ExplicitPermissionsWin(t *testing.T) {
	h := newHarness(t)
	perms := int64(8)
	b := h.m.CreateBot(context.Background(), domain.BotSpec{
		Name: "admin", Token: "tok", Category: "utility", Permissions: &perms,
		InviteConfig: &domain.InviteConfig{Permissions: "8"},
	})
	require.NotNil(t, b)
	assert.Equal(t, int64(8), b.Permissions)
	assert.Equal(t, "8", b.InviteConfig.Permissions)
	assert.Equal(t, domain.DefaultInviteScopes, b.InviteConfig.Scopes)
}

func TestCreateBot_RequiresNameAndToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Nil(t, h.m.CreateBot(ctx, domain.BotSpec{Name: "", Token: "tok"}))
	assert.Nil(t, h.m.CreateBot(ctx, domain.BotSpec{Name: "x", Token: "  "}))

	bots, err := h.store.GetAllBots(ctx)
	require.NoError(t, err)
	assert.Empty(t, bots)
	assert.Empty(t, h.dialer.Clients())
}

func TestStartBot_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})

	assert.True(t, h.m.StartBot(ctx, b.ID))
	assert.True(t, h.m.StartBot(ctx, b.ID))

	assert.Equal(t, 1, h.handleCount())
	assert.Len(t, h.dialer.Clients(), 1)
	assert.True(t, hasMessage(h.logs(t, b.ID), domain.LogWarning, "already running"))
}

func TestStartBot_ConcurrentCallsShareOneHandle(t *testing.T) {
	h := newHarness(t)
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, h.m.StartBot(context.Background(), b.ID))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.handleCount())
	assert.Len(t, h.dialer.Clients(), 1)
	assert.Equal(t, 0, h.m.locks.size())
}

func TestStartBot_TokenNotFound(t *testing.T) {
	h := newHarness(t)
	b := h.seed(t, domain.Bot{Name: "a"})

	assert.False(t, h.m.StartBot(context.Background(), b.ID))
	assert.Empty(t, h.dialer.Clients())
	assert.True(t, hasMessage(h.logs(t, b.ID), domain.LogError, "token not found"))
}

func TestStartBot_MissingRecord(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.m.StartBot(context.Background(), "ghost"))
	assert.Empty(t, h.dialer.Clients())
}

func TestStartBot_LoginFailure(t *testing.T) {
	h := newHarness(t)
	b := h.seed(t, domain.Bot{Name: "a", Token: "bad"})
	h.dialer.FailNext(1)

	assert.False(t, h.m.StartBot(context.Background(), b.ID))

	assert.Equal(t, 0, h.handleCount())
	require.Len(t, h.dialer.Clients(), 1)
	assert.True(t, h.dialer.Last().Destroyed(), "client torn down")
	assert.True(t, hasMessage(h.logs(t, b.ID), domain.LogError, "Failed to start bot a"))

	stored := h.bot(t, b.ID)
	assert.False(t, stored.IsRunning)
	assert.Equal(t, domain.StatusOffline, stored.Status)
}

func TestStartBot_LoginTimeout(t *testing.T) {
	h := newHarness(t)
	b := h.seed(t, domain.Bot{Name: "slow", Token: "tok"})
	h.dialer.BlockLogin = true

	start := time.Now()
	assert.False(t, h.m.StartBot(context.Background(), b.ID))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, h.handleCount())
}

func TestStopBot_NoHandleIsNoop(t *testing.T) {
	h := newHarness(t)
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok", IsRunning: true, Status: domain.StatusWarning})
	before := h.bot(t, b.ID)

	assert.False(t, h.m.StopBot(context.Background(), b.ID))

	assert.Equal(t, before, h.bot(t, b.ID))
	assert.Empty(t, h.logs(t, b.ID))
}

func TestStopBot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})
	require.True(t, h.m.StartBot(ctx, b.ID))

	assert.True(t, h.m.StopBot(ctx, b.ID))

	assert.Equal(t, 0, h.handleCount())
	assert.True(t, h.dialer.Last().Destroyed())
	stored := h.bot(t, b.ID)
	assert.Equal(t, domain.StatusOffline, stored.Status)
	assert.False(t, stored.IsRunning)
	_, ok := h.m.HandleStatus(b.ID)
	assert.False(t, ok)
}

func TestStopBot_DestroyErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dialer.DestroyErr = errors.New("socket already closed")
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})
	require.True(t, h.m.StartBot(ctx, b.ID))

	assert.True(t, h.m.StopBot(ctx, b.ID))
	assert.Equal(t, domain.StatusOffline, h.bot(t, b.ID).Status)
}

func TestRestartBot_LeavesAtMostOneHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})

	// 没有 handle 时重启等价于启动
	assert.True(t, h.m.RestartBot(ctx, b.ID))
	assert.Equal(t, 1, h.handleCount())

	first := h.dialer.Last()
	assert.True(t, h.m.RestartBot(ctx, b.ID))
	assert.Equal(t, 1, h.handleCount())
	assert.True(t, first.Destroyed())
	assert.Len(t, h.dialer.Clients(), 2)
	assert.True(t, h.bot(t, b.ID).IsRunning)
}

func TestRestartBot_FailedStartKeepsDesiredState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})
	require.True(t, h.m.StartBot(ctx, b.ID))

	h.dialer.FailNext(1)
	assert.False(t, h.m.RestartBot(ctx, b.ID))

	assert.Equal(t, 0, h.handleCount())
	stored := h.bot(t, b.ID)
	assert.True(t, stored.IsRunning, "still a reconcile candidate")
	assert.Equal(t, domain.StatusOffline, stored.Status)
}

func TestHandleEvents_DriveStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})
	require.True(t, h.m.StartBot(ctx, b.ID))
	c := h.dialer.Last()

	c.Emit(gateway.EventDisconnect)
	require.Eventually(t, func() bool {
		return h.bot(t, b.ID).Status == domain.StatusWarning
	}, time.Second, 5*time.Millisecond)
	st, ok := h.m.HandleStatus(b.ID)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusWarning, st)

	c.Emit(gateway.EventReconnecting)
	c.Emit(gateway.EventReady)
	require.Eventually(t, func() bool {
		return h.bot(t, b.ID).Status == domain.StatusOnline
	}, time.Second, 5*time.Millisecond)

	c.Emit(gateway.EventError)
	require.Eventually(t, func() bool {
		return h.bot(t, b.ID).Status == domain.StatusWarning
	}, time.Second, 5*time.Millisecond)

	logs := h.logs(t, b.ID)
	assert.True(t, hasMessage(logs, domain.LogWarning, "disconnected"))
	assert.True(t, hasMessage(logs, domain.LogSuccess, "ready"))
	assert.True(t, hasMessage(logs, domain.LogError, "connection error"))
}

func TestSampler_RecordsBotStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.m.heapMB = func() float64 { return 12.5 }
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})
	require.True(t, h.m.StartBot(ctx, b.ID))
	c := h.dialer.Last()
	c.SetCounts(5, 3)

	c.Emit(gateway.EventReady)
	require.Eventually(t, func() bool {
		got := h.bot(t, b.ID)
		return got.ServerCount == 5 && got.CommandCount == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 12.5, h.bot(t, b.ID).MemoryUsage)
}

func TestSampler_ExitsWhenHandleLeavesOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})
	require.True(t, h.m.StartBot(ctx, b.ID))
	c := h.dialer.Last()
	hd := h.m.handle(b.ID)
	require.NotNil(t, hd)

	c.Emit(gateway.EventReady)
	require.Eventually(t, hd.sampling.Load, time.Second, time.Millisecond)

	c.Emit(gateway.EventDisconnect)
	require.Eventually(t, func() bool { return !hd.sampling.Load() }, time.Second, 5*time.Millisecond)
}

func TestUpdateBot_TokenChangeReconnects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "old"})
	require.True(t, h.m.StartBot(ctx, b.ID))

	got := h.m.UpdateBot(ctx, b.ID, domain.BotUpdate{Token: domain.StringPtr("new")})
	require.NotNil(t, got)

	require.Len(t, h.dialer.Clients(), 2)
	assert.Equal(t, "new", h.dialer.Last().Token())
	assert.Equal(t, 1, h.handleCount())

	// 只改名字不会重连
	got = h.m.UpdateBot(ctx, b.ID, domain.BotUpdate{Name: domain.StringPtr("renamed")})
	require.NotNil(t, got)
	assert.Equal(t, "renamed", got.Name)
	assert.Len(t, h.dialer.Clients(), 2)

	assert.Nil(t, h.m.UpdateBot(ctx, "ghost", domain.BotUpdate{Name: domain.StringPtr("x")}))
}

func TestDeleteBot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})
	require.True(t, h.m.StartBot(ctx, b.ID))

	assert.True(t, h.m.DeleteBot(ctx, b.ID))
	assert.True(t, h.dialer.Last().Destroyed())
	got, err := h.store.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.False(t, h.m.DeleteBot(ctx, b.ID))
}

func TestShutdown_KeepsDesiredState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})
	require.True(t, h.m.StartBot(ctx, b.ID))

	h.m.Shutdown(ctx)

	assert.Equal(t, 0, h.handleCount())
	assert.True(t, h.dialer.Last().Destroyed())
	assert.True(t, h.bot(t, b.ID).IsRunning)
}

func TestHandles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "a", Token: "tok"})
	require.True(t, h.m.StartBot(ctx, b.ID))

	infos := h.m.Handles()
	require.Len(t, infos, 1)
	assert.Equal(t, b.ID, infos[0].BotID)
	assert.Equal(t, "online", infos[0].State)
	assert.Equal(t, int64(50), infos[0].LatencyMS)
}

func TestAddClient_SendsRedactedSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, domain.Bot{Name: "a", Token: "secret"})
	_, err := h.store.CreateMetrics(ctx, domain.MetricSample{CPUUsage: 12})
	require.NoError(t, err)

	sub := newFakeSub()
	h.m.AddClient(ctx, sub)

	require.Equal(t, 1, sub.count())
	msg := sub.last(t)
	assert.Equal(t, "update", msg["type"])
	bots := msg["bots"].([]any)
	require.Len(t, bots, 1)
	_, hasToken := bots[0].(map[string]any)["token"]
	assert.False(t, hasToken)
	assert.Equal(t, 12.0, msg["metrics"].(map[string]any)["cpu_usage"])

	h.m.RemoveClient(sub)
	h.m.BroadcastUpdate(ctx)
	assert.Equal(t, 1, sub.count())
}

func TestNotifyErrorAndPanics(t *testing.T) {
	h := newHarness(t)
	sub := newFakeSub()
	h.m.AddClient(context.Background(), sub)

	h.m.Go("test", func() { panic("boom") })
	require.Eventually(t, func() bool { return sub.count() == 2 }, time.Second, 5*time.Millisecond)

	msg := sub.last(t)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, GenericErrorMessage, msg["message"])
}

func TestStartBot_LoginLimit(t *testing.T) {
	store := storage.NewMemory()
	dialer := gatewaytest.NewDialer()
	cfg := testConfig()
	cfg.LoginLimit = 2
	cfg.LoginWindow = time.Hour
	m := New(store, dialer, cfg)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	h := &harness{m: m, store: store, dialer: dialer}
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "flappy", Token: "tok"})

	require.True(t, m.StartBot(ctx, b.ID))
	require.True(t, m.RestartBot(ctx, b.ID))
	assert.False(t, m.RestartBot(ctx, b.ID), "third login inside the window is refused")
	assert.Len(t, dialer.Clients(), 2, "refused login never dials")
	assert.True(t, hasMessage(h.logs(t, b.ID), domain.LogError, "login limit reached"))

	other := h.seed(t, domain.Bot{Name: "calm", Token: "tok2"})
	assert.True(t, m.StartBot(ctx, other.ID), "limits are per bot")
}

func TestStartBot_DisconnectDuringLoginStaysDegraded(t *testing.T) {
	h := newHarness(t)
	h.dialer.LoginEvents = []gateway.EventKind{gateway.EventReady, gateway.EventDisconnect}
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "flaky", Token: "tok"})

	require.True(t, h.m.StartBot(ctx, b.ID))

	require.Eventually(t, func() bool {
		st, ok := h.m.HandleStatus(b.ID)
		return ok && st == domain.StatusWarning && h.bot(t, b.ID).Status == domain.StatusWarning
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.bot(t, b.ID).IsRunning)
}

func TestMarkOnline_KeepsDegraded(t *testing.T) {
	hd := newHandle("b", nil, time.Now())
	assert.Equal(t, StateOnline, hd.markOnline(), "connecting moves to online")

	hd = newHandle("b", nil, time.Now())
	hd.apply(gateway.EventReady)
	hd.apply(gateway.EventDisconnect)
	assert.Equal(t, StateDegraded, hd.markOnline())
	assert.Equal(t, domain.StatusWarning, hd.State().Status())
}

// flakyStore 让 UpdateBot 按需失败
type flakyStore struct {
	*storage.Memory
	mu         sync.Mutex
	failUpdate bool
}

func (s *flakyStore) setFailUpdate(v bool) {
	s.mu.Lock()
	s.failUpdate = v
	s.mu.Unlock()
}

func (s *flakyStore) UpdateBot(ctx context.Context, id string, upd domain.BotUpdate) (*domain.Bot, error) {
	s.mu.Lock()
	fail := s.failUpdate
	s.mu.Unlock()
	if fail {
		return nil, errors.New("disk full")
	}
	return s.Memory.UpdateBot(ctx, id, upd)
}

func TestStopAndDelete_LogLabels(t *testing.T) {
	mem := storage.NewMemory()
	store := &flakyStore{Memory: mem}
	dialer := gatewaytest.NewDialer()
	m := New(store, dialer, testConfig())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	h := &harness{m: m, store: mem, dialer: dialer}
	ctx := context.Background()
	b := h.seed(t, domain.Bot{Name: "named", Token: "tok"})

	require.True(t, m.StartBot(ctx, b.ID))
	store.setFailUpdate(true)
	require.True(t, m.StopBot(ctx, b.ID))
	store.setFailUpdate(false)

	logs := h.logs(t, b.ID)
	assert.True(t, hasMessage(logs, domain.LogInfo, "Bot "+b.ID+" stopped"))
	assert.False(t, hasMessage(logs, domain.LogInfo, "Bot  stopped"))

	require.True(t, m.DeleteBot(ctx, b.ID))
	all, err := mem.GetLogs(ctx, domain.MaxLogEntries)
	require.NoError(t, err)
	assert.True(t, hasMessage(all, domain.LogInfo, "Bot named deleted"))
}
