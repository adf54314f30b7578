// Package gateway abstracts the chat platform connection of one bot.
//
// The manager only sees Client and Dialer; the discordgo adapter lives in
// discord.go and a scriptable fake in gatewaytest.
package gateway

import (
	"context"
	"time"

	"github.com/betbot/botdeck/internal/domain"
)

// NoSignal is reported by Latency before the first heartbeat is acknowledged
// and after the connection is lost.
const NoSignal time.Duration = -1

type EventKind string

const (
	EventReady        EventKind = "ready"
	EventError        EventKind = "error"
	EventDisconnect   EventKind = "disconnect"
	EventReconnecting EventKind = "reconnecting"
)

// Event 连接状态事件
type Event struct {
	Kind EventKind
	Err  error
	At   time.Time
}

// Client is one live (or connecting) bot session.
type Client interface {
	// Login authenticates and blocks until the session is ready or ctx ends.
	Login(ctx context.Context, token string) error
	// Events is closed by Destroy.
	Events() <-chan Event
	Latency() time.Duration
	GuildCount() int
	CommandCount(ctx context.Context) (int, error)
	// ApplicationID is empty until Login succeeds.
	ApplicationID() string
	Destroy() error
}

// Dialer builds unconnected clients for a capability profile.
type Dialer interface {
	NewClient(p Profile) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(p Profile) (Client, error)

func (f DialerFunc) NewClient(p Profile) (Client, error) { return f(p) }

// Capability flags a profile asks for at identify time.
type Capability string

const (
	CapGuilds         Capability = "guilds"
	CapGuildMessages  Capability = "guild_messages"
	CapMessageContent Capability = "message_content"
	CapVoiceStates    Capability = "voice_states"
	CapGuildMembers   Capability = "guild_members"
	CapModeration     Capability = "moderation"
	CapReactions      Capability = "reactions"
	CapDirectMessages Capability = "direct_messages"
)

// Profile is the connection capability set chosen from a bot's category.
type Profile struct {
	Category     domain.BotCategory
	Capabilities []Capability
}

func (p Profile) Has(c Capability) bool {
	for _, x := range p.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

// MinimalProfile is used for unknown categories.
var MinimalProfile = Profile{
	Category:     domain.CategoryGeneral,
	Capabilities: []Capability{CapGuilds, CapGuildMessages},
}

var profiles = map[domain.BotCategory][]Capability{
	domain.CategoryMusic:      {CapGuilds, CapVoiceStates, CapGuildMessages, CapMessageContent},
	domain.CategoryModeration: {CapGuilds, CapGuildMembers, CapGuildMessages, CapMessageContent, CapModeration},
	domain.CategoryUtility:    {CapGuilds, CapGuildMessages, CapMessageContent, CapDirectMessages},
	domain.CategoryGaming:     {CapGuilds, CapGuildMessages, CapMessageContent, CapReactions, CapVoiceStates},
	domain.CategoryGeneral:    {CapGuilds, CapGuildMessages, CapMessageContent},
}

// ProfileFor 按类别选择连接能力；未知类别回落到最小集合
func ProfileFor(c domain.BotCategory) Profile {
	caps, ok := profiles[c]
	if !ok {
		return MinimalProfile
	}
	return Profile{Category: c, Capabilities: append([]Capability(nil), caps...)}
}
