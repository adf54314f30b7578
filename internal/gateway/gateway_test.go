package gateway

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"

	"github.com/betbot/botdeck/internal/domain"
)

func TestProfileFor(t *testing.T) {
	music := ProfileFor(domain.CategoryMusic)
	assert.True(t, music.Has(CapVoiceStates))
	assert.True(t, music.Has(CapMessageContent))

	mod := ProfileFor(domain.CategoryModeration)
	assert.True(t, mod.Has(CapGuildMembers))
	assert.True(t, mod.Has(CapModeration))

	unknown := ProfileFor(domain.BotCategory("KARAOKE"))
	assert.Equal(t, MinimalProfile.Capabilities, unknown.Capabilities)
	assert.False(t, unknown.Has(CapMessageContent))
}

func TestIntents(t *testing.T) {
	got := Intents(ProfileFor(domain.CategoryMusic))
	want := discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	assert.Equal(t, want, got)

	assert.Equal(t, discordgo.IntentsGuilds|discordgo.IntentsGuildMessages, Intents(MinimalProfile))
}

func TestDiscordClient_NoSessionDefaults(t *testing.T) {
	d := NewDiscordDialer(0)
	defer d.Close()

	c, err := d.NewClient(MinimalProfile)
	assert.NoError(t, err)
	assert.Equal(t, NoSignal, c.Latency())
	assert.Equal(t, 0, c.GuildCount())
	assert.Equal(t, "", c.ApplicationID())

	assert.NoError(t, c.Destroy())
	assert.NoError(t, c.Destroy())
	_, open := <-c.Events()
	assert.False(t, open)
}

func TestHeartbeatLatency(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sent := now.Add(-10 * time.Second)
	ack := sent.Add(80 * time.Millisecond)

	assert.Equal(t, 80*time.Millisecond, heartbeatLatency(true, sent, ack, now))
	assert.Equal(t, NoSignal, heartbeatLatency(false, sent, ack, now), "session not ready after a disconnect")
	assert.Equal(t, NoSignal, heartbeatLatency(true, time.Time{}, time.Time{}, now), "no ack yet")
	assert.Equal(t, time.Duration(0), heartbeatLatency(true, now, ack, now), "heartbeat in flight")

	stale := now.Add(heartbeatStaleAfter + time.Second)
	assert.Equal(t, NoSignal, heartbeatLatency(true, sent, ack, stale), "last ack too old")
}
