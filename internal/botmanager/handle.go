package botmanager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/botdeck/internal/domain"
	"github.com/betbot/botdeck/internal/gateway"
)

// State is the live connection state of a handle.
type State int

const (
	StateConnecting State = iota
	StateOnline
	StateDegraded
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateDegraded:
		return "degraded"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Status maps a live state to the persisted status.
func (s State) Status() domain.BotStatus {
	switch s {
	case StateOnline:
		return domain.StatusOnline
	case StateDegraded:
		return domain.StatusWarning
	default:
		return domain.StatusOffline
	}
}

// transition 纯函数：当前状态 + 网关事件 -> 新状态。Offline 为终态。
func transition(s State, ev gateway.EventKind) State {
	if s == StateOffline {
		return s
	}
	switch ev {
	case gateway.EventReady:
		return StateOnline
	case gateway.EventError, gateway.EventDisconnect:
		return StateDegraded
	default:
		// reconnecting 只记日志
		return s
	}
}

// handle is the in-memory connection of one bot; never persisted.
type handle struct {
	botID   string
	client  gateway.Client
	started time.Time

	mu    sync.RWMutex
	state State

	sampling atomic.Bool
	done     chan struct{}
	once     sync.Once
}

func newHandle(botID string, client gateway.Client, started time.Time) *handle {
	return &handle{
		botID:   botID,
		client:  client,
		started: started,
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

func (h *handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// apply 应用事件，返回 (旧状态, 新状态)
func (h *handle) apply(ev gateway.EventKind) (State, State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.state
	h.state = transition(prev, ev)
	return prev, h.state
}

// markOnline 登录成功后调用：只从 Connecting 进入 Online，
// 登录期间已经收到的 Disconnect/Error 保留为 Degraded
func (h *handle) markOnline() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateConnecting {
		h.state = StateOnline
	}
	return h.state
}

// close 进入 Offline 并销毁客户端；只执行一次
func (h *handle) close() error {
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		h.state = StateOffline
		h.mu.Unlock()
		close(h.done)
		err = h.client.Destroy()
	})
	return err
}

// HandleInfo is a read-only view of a live handle.
type HandleInfo struct {
	BotID     string           `json:"bot_id"`
	State     string           `json:"state"`
	Status    domain.BotStatus `json:"status"`
	StartedAt time.Time        `json:"started_at"`
	LatencyMS int64            `json:"latency_ms"`
}

func (h *handle) info() HandleInfo {
	st := h.State()
	lat := h.client.Latency()
	ms := int64(-1)
	if lat != gateway.NoSignal {
		ms = lat.Milliseconds()
	}
	return HandleInfo{
		BotID:     h.botID,
		State:     st.String(),
		Status:    st.Status(),
		StartedAt: h.started,
		LatencyMS: ms,
	}
}
