package domain

import (
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, CategoryMusic, NormalizeCategory(" music "))
	assert.Equal(t, CategoryGeneral, NormalizeCategory(""))
	assert.Equal(t, BotCategory("CUSTOM"), NormalizeCategory("custom"))
}

func TestDefaultsFor(t *testing.T) {
	perms, invite := DefaultsFor(CategoryMusic)
	assert.Equal(t, int64(36700160), perms)
	assert.Equal(t, "36700160", invite.Permissions)
	assert.Equal(t, []string{"bot", "applications.commands"}, invite.Scopes)

	general, _ := DefaultsFor(CategoryGeneral)
	assert.Equal(t, int64(3072), general)

	unknown, _ := DefaultsFor(BotCategory("CUSTOM"))
	assert.Equal(t, general, unknown)

	utility, _ := DefaultsFor(CategoryUtility)
	assert.Equal(t, int64(84992), utility)

	mod, _ := DefaultsFor(CategoryModeration)
	assert.NotZero(t, mod&PermBanMembers)
	assert.NotZero(t, mod&PermModerateMembers)

	// 返回值互不共享底层数组
	_, a := DefaultsFor(CategoryGaming)
	a.Scopes[0] = "mutated"
	_, b := DefaultsFor(CategoryGaming)
	assert.Equal(t, "bot", b.Scopes[0])
}

func TestInviteURL(t *testing.T) {
	raw := InviteURL("42", InviteConfig{}, 3072)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "discord.com", u.Host)
	q := u.Query()
	assert.Equal(t, "42", q.Get("client_id"))
	assert.Equal(t, "bot applications.commands", q.Get("scope"))
	assert.Equal(t, "3072", q.Get("permissions"))
	assert.Empty(t, q.Get("guild_id"))

	raw = InviteURL("42", InviteConfig{
		Scopes:      []string{"bot"},
		Permissions: "8",
		RedirectURI: "https://example.com/cb",
		GuildID:     "99",
	}, 3072)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	q = u.Query()
	assert.Equal(t, "bot", q.Get("scope"))
	assert.Equal(t, "8", q.Get("permissions"), "explicit permissions win")
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "99", q.Get("guild_id"))
	assert.Equal(t, "true", q.Get("disable_guild_select"))
}

func TestApplicationIDFromToken(t *testing.T) {
	first := base64.RawStdEncoding.EncodeToString([]byte("123456789012345678"))
	assert.Equal(t, "123456789012345678", ApplicationIDFromToken(first+".G1.sig"))
	assert.Equal(t, "123456789012345678", ApplicationIDFromToken(base64.StdEncoding.EncodeToString([]byte("123456789012345678"))+".x.y"))
	assert.Empty(t, ApplicationIDFromToken("no-dots"))
	assert.Empty(t, ApplicationIDFromToken(base64.RawStdEncoding.EncodeToString([]byte("hello"))+".x.y"))
	assert.Empty(t, ApplicationIDFromToken(""))
}

func TestBotUpdateApply(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := Bot{ID: "b1", Name: "old", Prefix: "!", Status: StatusOffline, UpdatedAt: created}
	now := created.Add(time.Minute)
	started := created.Add(30 * time.Second)

	BotUpdate{
		Name:        StringPtr("new"),
		IsRunning:   BoolPtr(true),
		Status:      StatusPtr(StatusOnline),
		ServerCount: IntPtr(3),
		LastStarted: &started,
	}.Apply(&b, now)

	assert.Equal(t, "new", b.Name)
	assert.Equal(t, "!", b.Prefix, "nil fields are untouched")
	assert.True(t, b.IsRunning)
	assert.Equal(t, StatusOnline, b.Status)
	assert.Equal(t, 3, b.ServerCount)
	require.NotNil(t, b.LastStarted)
	assert.Equal(t, started, *b.LastStarted)
	assert.Equal(t, now, b.UpdatedAt)

	started = started.Add(time.Hour)
	assert.NotEqual(t, started, *b.LastStarted, "LastStarted is copied")
}

func TestBotRedactedAndShouldBeOnline(t *testing.T) {
	b := Bot{Token: "secret", InviteConfig: InviteConfig{Scopes: []string{"bot"}}}
	r := b.Redacted()
	assert.Empty(t, r.Token)
	assert.Equal(t, "secret", b.Token)
	r.InviteConfig.Scopes[0] = "x"
	assert.Equal(t, "bot", b.InviteConfig.Scopes[0])

	assert.False(t, Bot{Status: StatusOffline}.ShouldBeOnline())
	assert.True(t, Bot{IsRunning: true}.ShouldBeOnline())
	assert.True(t, Bot{Status: StatusOnline}.ShouldBeOnline())
	assert.False(t, Bot{Status: StatusWarning}.ShouldBeOnline())
}
