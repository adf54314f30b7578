package domain

import (
	"strings"
	"time"
)

// BotStatus 持久化的 bot 状态
type BotStatus string

const (
	StatusOnline  BotStatus = "ONLINE"
	StatusOffline BotStatus = "OFFLINE"
	StatusWarning BotStatus = "WARNING"
)

// BotCategory 决定连接时申请的 intents 以及默认权限
type BotCategory string

const (
	CategoryMusic      BotCategory = "MUSIC"
	CategoryModeration BotCategory = "MODERATION"
	CategoryUtility    BotCategory = "UTILITY"
	CategoryGaming     BotCategory = "GAMING"
	CategoryGeneral    BotCategory = "GENERAL"
)

// NormalizeCategory 统一大小写，空值回落到 GENERAL
func NormalizeCategory(c string) BotCategory {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return CategoryGeneral
	}
	return BotCategory(c)
}

// InviteConfig OAuth2 邀请链接配置
type InviteConfig struct {
	Scopes      []string `json:"scopes"`
	Permissions string   `json:"permissions"`
	RedirectURI string   `json:"redirect_uri,omitempty"`
	GuildID     string   `json:"guild_id,omitempty"`
}

// Bot is the persisted record of one chat bot. IsRunning is the desired state,
// Status is the last observed one; the reconciler converges the two.
type Bot struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Token        string       `json:"token,omitempty"`
	Prefix       string       `json:"prefix"`
	UserID       string       `json:"user_id"`
	IsRunning    bool         `json:"is_running"`
	Status       BotStatus    `json:"status"`
	MemoryUsage  float64      `json:"memory_usage"`
	ServerCount  int          `json:"server_count"`
	CommandCount int          `json:"command_count"`
	Uptime       int64        `json:"uptime"`
	LastStarted  *time.Time   `json:"last_started,omitempty"`
	Category     BotCategory  `json:"category"`
	Permissions  int64        `json:"permissions"`
	InviteConfig InviteConfig `json:"invite_config"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Redacted 返回去掉 token 的副本（推送给前端用）
func (b Bot) Redacted() Bot {
	b.Token = ""
	b.InviteConfig.Scopes = append([]string(nil), b.InviteConfig.Scopes...)
	return b
}

// ShouldBeOnline 启动恢复时判断是否需要拉起
func (b Bot) ShouldBeOnline() bool {
	return b.IsRunning || b.Status == StatusOnline
}

// BotSpec 创建 bot 的入参
type BotSpec struct {
	Name         string        `json:"name"`
	Token        string        `json:"token"`
	Prefix       string        `json:"prefix"`
	UserID       string        `json:"user_id"`
	Category     string        `json:"category"`
	Permissions  *int64        `json:"permissions,omitempty"`
	InviteConfig *InviteConfig `json:"invite_config,omitempty"`
}

// BotUpdate partial update; nil fields are left untouched.
type BotUpdate struct {
	Name         *string       `json:"name,omitempty"`
	Token        *string       `json:"token,omitempty"`
	Prefix       *string       `json:"prefix,omitempty"`
	IsRunning    *bool         `json:"is_running,omitempty"`
	Status       *BotStatus    `json:"status,omitempty"`
	MemoryUsage  *float64      `json:"memory_usage,omitempty"`
	ServerCount  *int          `json:"server_count,omitempty"`
	CommandCount *int          `json:"command_count,omitempty"`
	Uptime       *int64        `json:"uptime,omitempty"`
	LastStarted  *time.Time    `json:"last_started,omitempty"`
	Category     *BotCategory  `json:"category,omitempty"`
	Permissions  *int64        `json:"permissions,omitempty"`
	InviteConfig *InviteConfig `json:"invite_config,omitempty"`
}

// Apply 把非空字段写到 b 上，并刷新 UpdatedAt
func (u BotUpdate) Apply(b *Bot, now time.Time) {
	if u.Name != nil {
		b.Name = *u.Name
	}
	if u.Token != nil {
		b.Token = *u.Token
	}
	if u.Prefix != nil {
		b.Prefix = *u.Prefix
	}
	if u.IsRunning != nil {
		b.IsRunning = *u.IsRunning
	}
	if u.Status != nil {
		b.Status = *u.Status
	}
	if u.MemoryUsage != nil {
		b.MemoryUsage = *u.MemoryUsage
	}
	if u.ServerCount != nil {
		b.ServerCount = *u.ServerCount
	}
	if u.CommandCount != nil {
		b.CommandCount = *u.CommandCount
	}
	if u.Uptime != nil {
		b.Uptime = *u.Uptime
	}
	if u.LastStarted != nil {
		t := *u.LastStarted
		b.LastStarted = &t
	}
	if u.Category != nil {
		b.Category = *u.Category
	}
	if u.Permissions != nil {
		b.Permissions = *u.Permissions
	}
	if u.InviteConfig != nil {
		b.InviteConfig = *u.InviteConfig
	}
	b.UpdatedAt = now
}

func StatusPtr(s BotStatus) *BotStatus { return &s }
func BoolPtr(v bool) *bool             { return &v }
func IntPtr(v int) *int                { return &v }
func Int64Ptr(v int64) *int64          { return &v }
func Float64Ptr(v float64) *float64    { return &v }
func StringPtr(v string) *string       { return &v }
func TimePtr(t time.Time) *time.Time   { return &t }
