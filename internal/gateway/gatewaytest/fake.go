// Package gatewaytest provides an in-memory gateway.Dialer for tests.
package gatewaytest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/botdeck/internal/gateway"
)

// Client is a scriptable gateway.Client.
type Client struct {
	Profile gateway.Profile

	mu         sync.Mutex
	token      string
	loginErr   error
	blockLogin bool
	// loginEvents 在 Login 返回前投递，模拟登录期间的连接抖动
	loginEvents []gateway.EventKind
	destroyErr error
	latency    time.Duration
	guilds     int
	commands   int
	appID      string
	loggedIn   bool
	destroyed  bool
	events     chan gateway.Event
}

func newClient(p gateway.Profile) *Client {
	return &Client{
		Profile:  p,
		latency:  50 * time.Millisecond,
		appID:    "100000000000000001",
		events:   make(chan gateway.Event, 16),
		guilds:   1,
		commands: 0,
	}
}

func (c *Client) Login(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	err, block, evs := c.loginErr, c.blockLogin, c.loginEvents
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return errors.Wrap(ctx.Err(), "wait for ready")
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()

	if len(evs) == 0 {
		return nil
	}
	for _, kind := range evs {
		c.Emit(kind)
	}
	// 等消费者取走，登录返回时事件已经在路上
	for len(c.events) > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (c *Client) Events() <-chan gateway.Event { return c.events }

func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

func (c *Client) GuildCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guilds
}

func (c *Client) CommandCount(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands, nil
}

func (c *Client) ApplicationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return ""
	}
	return c.appID
}

func (c *Client) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.destroyed {
		c.destroyed = true
		close(c.events)
	}
	return c.destroyErr
}

// Emit pushes a connection event as the platform would.
func (c *Client) Emit(kind gateway.EventKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.events <- gateway.Event{Kind: kind, At: time.Now()}
}

func (c *Client) SetLatency(d time.Duration) {
	c.mu.Lock()
	c.latency = d
	c.mu.Unlock()
}

func (c *Client) SetCounts(guilds, commands int) {
	c.mu.Lock()
	c.guilds, c.commands = guilds, commands
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Dialer hands out fake clients and remembers every one it built.
type Dialer struct {
	mu      sync.Mutex
	clients []*Client

	// failures > 0 makes the next N logins fail with LoginErr.
	failures   int
	LoginErr   error
	BlockLogin bool
	// LoginEvents are emitted by every new client while Login runs.
	LoginEvents []gateway.EventKind
	DestroyErr error
	NewErr     error
}

func NewDialer() *Dialer {
	return &Dialer{LoginErr: errors.New("invalid token")}
}

// FailNext makes the next n clients fail Login.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *Dialer) NewClient(p gateway.Profile) (gateway.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NewErr != nil {
		return nil, d.NewErr
	}
	c := newClient(p)
	c.blockLogin = d.BlockLogin
	c.loginEvents = append([]gateway.EventKind(nil), d.LoginEvents...)
	c.destroyErr = d.DestroyErr
	if d.failures > 0 {
		d.failures--
		c.loginErr = d.LoginErr
	}
	d.clients = append(d.clients, c)
	return c, nil
}

// Clients 返回目前创建过的全部客户端
func (d *Dialer) Clients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Client(nil), d.clients...)
}

// Last returns the most recently built client or nil.
func (d *Dialer) Last() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}
