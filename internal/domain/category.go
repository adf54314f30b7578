package domain

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
)

// Discord permission bits used by the category defaults.
const (
	PermKickMembers        int64 = 1 << 1
	PermBanMembers         int64 = 1 << 2
	PermAddReactions       int64 = 1 << 6
	PermViewChannel        int64 = 1 << 10
	PermSendMessages       int64 = 1 << 11
	PermManageMessages     int64 = 1 << 13
	PermEmbedLinks         int64 = 1 << 14
	PermAttachFiles        int64 = 1 << 15
	PermReadMessageHistory int64 = 1 << 16
	PermUseExternalEmojis  int64 = 1 << 18
	PermConnect            int64 = 1 << 20
	PermSpeak              int64 = 1 << 21
	PermUseVAD             int64 = 1 << 25
	PermModerateMembers    int64 = 1 << 40
)

// DefaultInviteScopes 所有类别共用的 OAuth2 scope
var DefaultInviteScopes = []string{"bot", "applications.commands"}

var categoryPermissions = map[BotCategory]int64{
	// 36700160
	CategoryMusic: PermConnect | PermSpeak | PermUseVAD,
	CategoryModeration: PermKickMembers | PermBanMembers | PermViewChannel | PermSendMessages |
		PermManageMessages | PermReadMessageHistory | PermModerateMembers,
	CategoryUtility: PermViewChannel | PermSendMessages | PermEmbedLinks | PermReadMessageHistory,
	CategoryGaming: PermViewChannel | PermSendMessages | PermEmbedLinks | PermAttachFiles |
		PermAddReactions | PermUseExternalEmojis | PermReadMessageHistory,
	CategoryGeneral: PermViewChannel | PermSendMessages,
}

// DefaultPermissions returns the permission bitmask requested for a category.
// Unknown categories get the GENERAL set.
func DefaultPermissions(c BotCategory) int64 {
	if p, ok := categoryPermissions[c]; ok {
		return p
	}
	return categoryPermissions[CategoryGeneral]
}

// DefaultInviteConfig 按类别生成默认邀请配置
func DefaultInviteConfig(c BotCategory) InviteConfig {
	return InviteConfig{
		Scopes:      append([]string(nil), DefaultInviteScopes...),
		Permissions: strconv.FormatInt(DefaultPermissions(c), 10),
	}
}

// InviteURL builds the OAuth2 authorize URL a guild admin uses to add the bot.
// applicationID is the bot user's id as reported by the gateway.
func InviteURL(applicationID string, cfg InviteConfig, permissions int64) string {
	q := url.Values{}
	q.Set("client_id", applicationID)
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultInviteScopes
	}
	q.Set("scope", strings.Join(scopes, " "))
	perms := strings.TrimSpace(cfg.Permissions)
	if perms == "" {
		perms = strconv.FormatInt(permissions, 10)
	}
	q.Set("permissions", perms)
	if cfg.RedirectURI != "" {
		q.Set("redirect_uri", cfg.RedirectURI)
		q.Set("response_type", "code")
	}
	if cfg.GuildID != "" {
		q.Set("guild_id", cfg.GuildID)
		q.Set("disable_guild_select", "true")
	}
	return "https://discord.com/oauth2/authorize?" + q.Encode()
}

// DefaultsFor returns the permission bitmask and invite config for a category.
func DefaultsFor(c BotCategory) (int64, InviteConfig) {
	return DefaultPermissions(c), DefaultInviteConfig(c)
}

// ApplicationIDFromToken extracts the bot user id encoded in the first
// segment of a bot token. Returns "" when the token has another shape.
func ApplicationIDFromToken(token string) string {
	first, _, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || first == "" {
		return ""
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(first, "="))
	if err != nil {
		return ""
	}
	id := string(raw)
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return ""
	}
	return id
}
