// Package storage persists bots, users, dashboard logs and metric samples.
//
// Every driver treats each call as atomic on its own; there are no
// multi-record transactions. Getters return (nil, nil) when the record does
// not exist.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/botdeck/internal/domain"
)

// ErrConflict is returned when a unique field (username) is already taken.
var ErrConflict = errors.New("storage: conflict")

// Store is the CRUD surface the manager, probe and API depend on.
type Store interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, u domain.User) (*domain.User, error)

	GetAllBots(ctx context.Context) ([]domain.Bot, error)
	GetBotsByUserID(ctx context.Context, userID string) ([]domain.Bot, error)
	GetBot(ctx context.Context, id string) (*domain.Bot, error)
	CreateBot(ctx context.Context, b domain.Bot) (*domain.Bot, error)
	UpdateBot(ctx context.Context, id string, upd domain.BotUpdate) (*domain.Bot, error)
	DeleteBot(ctx context.Context, id string) (bool, error)

	GetLogs(ctx context.Context, limit int) ([]domain.LogEntry, error)
	GetLogsByBotID(ctx context.Context, botID string, limit int) ([]domain.LogEntry, error)
	CreateLog(ctx context.Context, e domain.LogEntry) (*domain.LogEntry, error)

	GetLatestMetrics(ctx context.Context) (*domain.MetricSample, error)
	GetMetricsHistory(ctx context.Context, limit int) ([]domain.MetricSample, error)
	CreateMetrics(ctx context.Context, s domain.MetricSample) (*domain.MetricSample, error)

	Close() error
}

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

// Options 选择存储驱动
type Options struct {
	Driver        string
	Path          string
	EncryptionKey []byte
}

// Open 按驱动名打开存储
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(opts.Path)
	case DriverBadger:
		return OpenBadger(BadgerOptions{Path: opts.Path, EncryptionKey: opts.EncryptionKey})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}

// clampLimit 与 controlplane 保持一致：非法 limit 回落到默认值
func clampLimit(limit, def, max int) int {
	if limit <= 0 || limit > max {
		return def
	}
	return limit
}
