package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/botdeck/pkg/cache"
	"github.com/betbot/botdeck/pkg/logger"
)

var capabilityIntents = map[Capability]discordgo.Intent{
	CapGuilds:         discordgo.IntentsGuilds,
	CapGuildMessages:  discordgo.IntentsGuildMessages,
	CapMessageContent: discordgo.IntentsMessageContent,
	CapVoiceStates:    discordgo.IntentsGuildVoiceStates,
	CapGuildMembers:   discordgo.IntentsGuildMembers,
	CapModeration:     discordgo.IntentsGuildBans,
	CapReactions:      discordgo.IntentsGuildMessageReactions,
	CapDirectMessages: discordgo.IntentsDirectMessages,
}

// Intents 把能力集合转换成 discord gateway intents
func Intents(p Profile) discordgo.Intent {
	var out discordgo.Intent
	for _, c := range p.Capabilities {
		out |= capabilityIntents[c]
	}
	return out
}

// DiscordDialer creates discordgo-backed clients. Command counts are cached
// per application for CommandTTL since they cost one REST call each.
type DiscordDialer struct {
	CommandTTL time.Duration
	commands   *cache.InMemoryCache[string, int]
}

func NewDiscordDialer(commandTTL time.Duration) *DiscordDialer {
	if commandTTL <= 0 {
		commandTTL = 5 * time.Minute
	}
	return &DiscordDialer{
		CommandTTL: commandTTL,
		commands:   cache.NewInMemoryCache[string, int](commandTTL),
	}
}

func (d *DiscordDialer) NewClient(p Profile) (Client, error) {
	return &discordClient{
		profile:  p,
		events:   make(chan Event, 16),
		ready:    make(chan struct{}, 1),
		commands: d.commands,
	}, nil
}

// Close 停止命令数缓存的清理协程
func (d *DiscordDialer) Close() {
	d.commands.Close()
}

type discordClient struct {
	profile  Profile
	commands *cache.InMemoryCache[string, int]

	mu      sync.RWMutex
	session *discordgo.Session
	appID   string
	closed  bool

	events chan Event
	ready  chan struct{}
}

func (c *discordClient) Login(ctx context.Context, token string) error {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return errors.Wrap(err, "create discord session")
	}
	s.Identify.Intents = Intents(c.profile)
	s.ShouldReconnectOnError = true
	s.AddHandler(c.onReady)
	s.AddHandler(c.onResumed)
	s.AddHandler(c.onDisconnect)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client destroyed")
	}
	c.session = s
	c.mu.Unlock()

	if err := s.Open(); err != nil {
		return errors.Wrap(err, "open discord gateway")
	}
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for ready")
	}
}

func (c *discordClient) onReady(s *discordgo.Session, r *discordgo.Ready) {
	c.mu.Lock()
	if r.User != nil {
		c.appID = r.User.ID
	}
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
	c.emit(Event{Kind: EventReady})
}

func (c *discordClient) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	c.emit(Event{Kind: EventReady})
}

func (c *discordClient) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	c.emit(Event{Kind: EventDisconnect, Err: errors.New("gateway connection lost")})
	c.mu.RLock()
	reconnecting := c.session != nil && c.session.ShouldReconnectOnError && !c.closed
	c.mu.RUnlock()
	if reconnecting {
		c.emit(Event{Kind: EventReconnecting})
	}
}

// emit 非阻塞投递；消费者跟不上时丢弃并记日志
func (c *discordClient) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		logger.WithFields(logrus.Fields{
			"component": "gateway",
			"event":     ev.Kind,
		}).Warn("event channel full, dropping event")
	}
}

func (c *discordClient) Events() <-chan Event { return c.events }

// heartbeatStaleAfter 约三个 discord 心跳周期（~41s）没有 ack 视为断连
const heartbeatStaleAfter = 3 * 45 * time.Second

func (c *discordClient) Latency() time.Duration {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s == nil {
		return NoSignal
	}
	// 这几个字段由 discordgo 在 s.Lock() 下写入
	s.RLock()
	ready, sent, ack := s.DataReady, s.LastHeartbeatSent, s.LastHeartbeatAck
	s.RUnlock()
	return heartbeatLatency(ready, sent, ack, time.Now())
}

// heartbeatLatency 断连、未就绪或 ack 过期时返回 NoSignal
func heartbeatLatency(ready bool, sent, ack, now time.Time) time.Duration {
	if !ready || ack.IsZero() || now.Sub(ack) > heartbeatStaleAfter {
		return NoSignal
	}
	if lat := ack.Sub(sent); lat > 0 {
		return lat
	}
	// 心跳已发出、ack 未到
	return 0
}

func (c *discordClient) GuildCount() int {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s == nil || s.State == nil {
		return 0
	}
	s.State.RLock()
	defer s.State.RUnlock()
	return len(s.State.Guilds)
}

func (c *discordClient) CommandCount(ctx context.Context) (int, error) {
	c.mu.RLock()
	s, appID := c.session, c.appID
	c.mu.RUnlock()
	if s == nil || appID == "" {
		return 0, nil
	}
	if n, ok := c.commands.Get(appID); ok {
		return n, nil
	}
	cmds, err := s.ApplicationCommands(appID, "", discordgo.WithContext(ctx))
	if err != nil {
		return 0, errors.Wrap(err, "list application commands")
	}
	c.commands.Set(appID, len(cmds), 0)
	return len(cmds), nil
}

func (c *discordClient) ApplicationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appID
}

func (c *discordClient) Destroy() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	close(c.events)
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}
