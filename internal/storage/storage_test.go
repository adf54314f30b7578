package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/botdeck/internal/domain"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sq, err := OpenSQLite(filepath.Join(dir, "botdeck.db"))
	require.NoError(t, err)
	bg, err := OpenBadger(BadgerOptions{Path: filepath.Join(dir, "badger")})
	require.NoError(t, err)

	stores := map[string]Store{
		DriverMemory: NewMemory(),
		DriverSQLite: sq,
		DriverBadger: bg,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func testBot(id, userID string, created time.Time) domain.Bot {
	return domain.Bot{
		ID:           id,
		Name:         "bot-" + id,
		Token:        "tok-" + id,
		Prefix:       "!",
		UserID:       userID,
		Status:       domain.StatusOffline,
		Category:     domain.CategoryMusic,
		Permissions:  domain.DefaultPermissions(domain.CategoryMusic),
		InviteConfig: domain.DefaultInviteConfig(domain.CategoryMusic),
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestStore_BotCRUD(t *testing.T) {
	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			_, err := s.CreateBot(ctx, testBot("a", "u1", base))
			require.NoError(t, err)
			_, err = s.CreateBot(ctx, testBot("b", "u1", base.Add(time.Minute)))
			require.NoError(t, err)
			_, err = s.CreateBot(ctx, testBot("c", "u2", base.Add(2*time.Minute)))
			require.NoError(t, err)

			all, err := s.GetAllBots(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "c", all[0].ID, "newest first")

			mine, err := s.GetBotsByUserID(ctx, "u1")
			require.NoError(t, err)
			assert.Len(t, mine, 2)

			started := base.Add(time.Hour)
			got, err := s.UpdateBot(ctx, "a", domain.BotUpdate{
				IsRunning:   domain.BoolPtr(true),
				Status:      domain.StatusPtr(domain.StatusOnline),
				LastStarted: domain.TimePtr(started),
				ServerCount: domain.IntPtr(7),
			})
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.IsRunning)

			got, err = s.GetBot(ctx, "a")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, domain.StatusOnline, got.Status)
			assert.Equal(t, 7, got.ServerCount)
			assert.Equal(t, "tok-a", got.Token)
			assert.Equal(t, []string{"bot", "applications.commands"}, got.InviteConfig.Scopes)
			require.NotNil(t, got.LastStarted)
			assert.True(t, got.LastStarted.Equal(started))

			missing, err := s.UpdateBot(ctx, "nope", domain.BotUpdate{Name: domain.StringPtr("x")})
			require.NoError(t, err)
			assert.Nil(t, missing)

			ok, err := s.DeleteBot(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.DeleteBot(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)

			gone, err := s.GetBot(ctx, "a")
			require.NoError(t, err)
			assert.Nil(t, gone)
		})
	}
}

func TestStore_UsernameUnique(t *testing.T) {
	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.CreateUser(ctx, domain.User{ID: "u1", Username: "Alice"})
			require.NoError(t, err)

			_, err = s.CreateUser(ctx, domain.User{ID: "u2", Username: "alice"})
			assert.ErrorIs(t, err, ErrConflict)

			u, err := s.GetUserByUsername(ctx, "Alice")
			require.NoError(t, err)
			require.NotNil(t, u)
			assert.Equal(t, "u1", u.ID)

			none, err := s.GetUser(ctx, "u2")
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}

func TestStore_LogRetention(t *testing.T) {
	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			botID := "b1"
			for i := 0; i < domain.MaxLogEntries+5; i++ {
				e := domain.LogEntry{Level: domain.LogInfo, Message: fmt.Sprintf("m%d", i)}
				if i%2 == 0 {
					e.BotID = &botID
				}
				_, err := s.CreateLog(ctx, e)
				require.NoError(t, err)
			}

			all, err := s.GetLogs(ctx, domain.MaxLogEntries)
			require.NoError(t, err)
			assert.Len(t, all, domain.MaxLogEntries)
			assert.Equal(t, fmt.Sprintf("m%d", domain.MaxLogEntries+4), all[0].Message)

			def, err := s.GetLogs(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, def, 100)

			mine, err := s.GetLogsByBotID(ctx, botID, 10)
			require.NoError(t, err)
			require.Len(t, mine, 10)
			for _, e := range mine {
				require.NotNil(t, e.BotID)
				assert.Equal(t, botID, *e.BotID)
			}
		})
	}
}

func TestStore_MetricRetention(t *testing.T) {
	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			latest, err := s.GetLatestMetrics(ctx)
			require.NoError(t, err)
			assert.Nil(t, latest)

			for i := 0; i < domain.MaxMetricSamples+10; i++ {
				_, err := s.CreateMetrics(ctx, domain.MetricSample{CPUUsage: float64(i), MemoryTotal: 1 << 30})
				require.NoError(t, err)
			}

			hist, err := s.GetMetricsHistory(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, hist, domain.MaxMetricSamples)

			latest, err = s.GetLatestMetrics(ctx)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, float64(domain.MaxMetricSamples+9), latest.CPUUsage)
			assert.Equal(t, uint64(1<<30), latest.MemoryTotal)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "redis"})
	assert.Error(t, err)

	s, err := Open(Options{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
}

func TestParseEncryptionKey(t *testing.T) {
	k, err := ParseEncryptionKey("")
	require.NoError(t, err)
	assert.Nil(t, k)

	hexKey := "0x" + fmt.Sprintf("%064x", 1)
	k, err = ParseEncryptionKey(hexKey)
	require.NoError(t, err)
	assert.Len(t, k, 32)

	_, err = ParseEncryptionKey("abcd")
	assert.Error(t, err)
}
