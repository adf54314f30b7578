package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/betbot/botdeck/internal/domain"
)

// Memory is a process-local Store, used by tests and the "memory" driver.
type Memory struct {
	mu      sync.RWMutex
	users   map[string]domain.User
	bots    map[string]domain.Bot
	logs    []domain.LogEntry
	metrics []domain.MetricSample
	logSeq  int64
	metSeq  int64
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users: make(map[string]domain.User),
		bots:  make(map[string]domain.Bot),
		now:   time.Now,
	}
}

func (m *Memory) GetUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateUser(_ context.Context, u domain.User) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return nil, ErrConflict
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	m.users[u.ID] = u
	return &u, nil
}

func (m *Memory) GetAllBots(_ context.Context) ([]domain.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedBots(func(domain.Bot) bool { return true }), nil
}

func (m *Memory) GetBotsByUserID(_ context.Context, userID string) ([]domain.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedBots(func(b domain.Bot) bool { return b.UserID == userID }), nil
}

// sortedBots 按 created_at 倒序，与 sqlite 驱动一致
func (m *Memory) sortedBots(keep func(domain.Bot) bool) []domain.Bot {
	out := make([]domain.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		if keep(b) {
			out = append(out, copyBot(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) GetBot(_ context.Context, id string) (*domain.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, nil
	}
	b = copyBot(b)
	return &b, nil
}

func (m *Memory) CreateBot(_ context.Context, b domain.Bot) (*domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bots[b.ID]; exists {
		return nil, ErrConflict
	}
	now := m.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	m.bots[b.ID] = copyBot(b)
	return &b, nil
}

func (m *Memory) UpdateBot(_ context.Context, id string, upd domain.BotUpdate) (*domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, nil
	}
	upd.Apply(&b, m.now())
	m.bots[id] = copyBot(b)
	return &b, nil
}

func (m *Memory) DeleteBot(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[id]; !ok {
		return false, nil
	}
	delete(m.bots, id)
	return true, nil
}

func (m *Memory) GetLogs(_ context.Context, limit int) ([]domain.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestLogs(m.logs, clampLimit(limit, 100, domain.MaxLogEntries), func(domain.LogEntry) bool { return true }), nil
}

func (m *Memory) GetLogsByBotID(_ context.Context, botID string, limit int) ([]domain.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestLogs(m.logs, clampLimit(limit, 100, domain.MaxLogEntries), func(e domain.LogEntry) bool {
		return e.BotID != nil && *e.BotID == botID
	}), nil
}

func newestLogs(all []domain.LogEntry, limit int, keep func(domain.LogEntry) bool) []domain.LogEntry {
	out := make([]domain.LogEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(all[i]) {
			out = append(out, all[i])
		}
	}
	return out
}

func (m *Memory) CreateLog(_ context.Context, e domain.LogEntry) (*domain.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logSeq++
	e.ID = m.logSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	m.logs = append(m.logs, e)
	if over := len(m.logs) - domain.MaxLogEntries; over > 0 {
		m.logs = append([]domain.LogEntry(nil), m.logs[over:]...)
	}
	return &e, nil
}

func (m *Memory) GetLatestMetrics(_ context.Context) (*domain.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.metrics) == 0 {
		return nil, nil
	}
	s := m.metrics[len(m.metrics)-1]
	return &s, nil
}

func (m *Memory) GetMetricsHistory(_ context.Context, limit int) ([]domain.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = clampLimit(limit, domain.MaxMetricSamples, domain.MaxMetricSamples)
	out := make([]domain.MetricSample, 0, limit)
	for i := len(m.metrics) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.metrics[i])
	}
	return out, nil
}

func (m *Memory) CreateMetrics(_ context.Context, s domain.MetricSample) (*domain.MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metSeq++
	s.ID = m.metSeq
	if s.Timestamp.IsZero() {
		s.Timestamp = m.now()
	}
	m.metrics = append(m.metrics, s)
	if over := len(m.metrics) - domain.MaxMetricSamples; over > 0 {
		m.metrics = append([]domain.MetricSample(nil), m.metrics[over:]...)
	}
	return &s, nil
}

// Counts 返回当前日志/采样条数（测试用）
func (m *Memory) Counts() (logs, metrics int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs), len(m.metrics)
}

func (m *Memory) Close() error { return nil }

func copyBot(b domain.Bot) domain.Bot {
	b.InviteConfig.Scopes = append([]string(nil), b.InviteConfig.Scopes...)
	if b.LastStarted != nil {
		t := *b.LastStarted
		b.LastStarted = &t
	}
	return b
}
