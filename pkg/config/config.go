package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Listen  string
	Storage StorageConfig
	Log     LogConfig
	Manager ManagerConfig
	Probe   ProbeConfig
	Discord DiscordConfig
	Debug   bool
}

type StorageConfig struct {
	Driver        string // sqlite（默认）/ badger / memory
	Path          string
	EncryptionKey string // badger 专用，32 字节 hex/base64
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// ManagerConfig 生命周期与对账参数
type ManagerConfig struct {
	ReconcileInterval time.Duration
	StartupDelay      time.Duration
	RecoveryDelay     time.Duration
	BotSampleInterval time.Duration
	HealthGrace       time.Duration
	LoginTimeout      time.Duration
	LoginLimit        int // 每个 bot 每个窗口的登录次数上限，0 不限
	LoginWindow       time.Duration
}

type ProbeConfig struct {
	Interval time.Duration
	DiskPath string
}

type DiscordConfig struct {
	CommandCacheTTL time.Duration
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "data/botdeck.db",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Manager: ManagerConfig{
			ReconcileInterval: 60 * time.Second,
			StartupDelay:      5 * time.Second,
			RecoveryDelay:     5 * time.Second,
			BotSampleInterval: 60 * time.Second,
			HealthGrace:       60 * time.Second,
			LoginTimeout:      30 * time.Second,
			LoginLimit:        30,
			LoginWindow:       time.Hour,
		},
		Probe: ProbeConfig{
			Interval: 30 * time.Second,
			DiskPath: "/",
		},
		Discord: DiscordConfig{
			CommandCacheTTL: 5 * time.Minute,
		},
	}
}

// ConfigFile 配置文件结构（YAML/JSON）。时长字段写成 "60s" 或纯数字秒。
type ConfigFile struct {
	Listen  string `yaml:"listen" json:"listen"`
	Storage struct {
		Driver        string `yaml:"driver" json:"driver"`
		Path          string `yaml:"path" json:"path"`
		EncryptionKey string `yaml:"encryption_key" json:"encryption_key"`
	} `yaml:"storage" json:"storage"`
	Log struct {
		Level      string `yaml:"level" json:"level"`
		Format     string `yaml:"format" json:"format"`
		File       string `yaml:"file" json:"file"`
		MaxSize    int    `yaml:"max_size" json:"max_size"`
		MaxBackups int    `yaml:"max_backups" json:"max_backups"`
		MaxAge     int    `yaml:"max_age" json:"max_age"`
		Compress   *bool  `yaml:"compress" json:"compress"`
	} `yaml:"log" json:"log"`
	Manager struct {
		ReconcileInterval string `yaml:"reconcile_interval" json:"reconcile_interval"`
		StartupDelay      string `yaml:"startup_delay" json:"startup_delay"`
		RecoveryDelay     string `yaml:"recovery_delay" json:"recovery_delay"`
		BotSampleInterval string `yaml:"bot_sample_interval" json:"bot_sample_interval"`
		HealthGrace       string `yaml:"health_grace" json:"health_grace"`
		LoginTimeout      string `yaml:"login_timeout" json:"login_timeout"`
		LoginLimit        *int   `yaml:"login_limit" json:"login_limit"`
		LoginWindow       string `yaml:"login_window" json:"login_window"`
	} `yaml:"manager" json:"manager"`
	Probe struct {
		Interval string `yaml:"interval" json:"interval"`
		DiskPath string `yaml:"disk_path" json:"disk_path"`
	} `yaml:"probe" json:"probe"`
	Discord struct {
		CommandCacheTTL string `yaml:"command_cache_ttl" json:"command_cache_ttl"`
	} `yaml:"discord" json:"discord"`
	Debug struct {
		Enabled bool `yaml:"enabled" json:"enabled"`
	} `yaml:"debug" json:"debug"`
}

// LoadFromFile 加载配置，优先级：环境变量 > 配置文件 > 默认值。
// filePath 为空时只用默认值 + 环境变量。
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		cf, err := loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", filePath, err)
		}
		if err := cfg.applyFile(cf); err != nil {
			return nil, fmt.Errorf("config file %s: %w", filePath, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cf ConfigFile
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml, .yml or .json)", ext)
	}
	return &cf, nil
}

func (c *Config) applyFile(cf *ConfigFile) error {
	setString(&c.Listen, cf.Listen)
	setString(&c.Storage.Driver, cf.Storage.Driver)
	setString(&c.Storage.Path, cf.Storage.Path)
	setString(&c.Storage.EncryptionKey, cf.Storage.EncryptionKey)

	setString(&c.Log.Level, cf.Log.Level)
	setString(&c.Log.Format, cf.Log.Format)
	setString(&c.Log.File, cf.Log.File)
	setInt(&c.Log.MaxSize, cf.Log.MaxSize)
	setInt(&c.Log.MaxBackups, cf.Log.MaxBackups)
	setInt(&c.Log.MaxAge, cf.Log.MaxAge)
	if cf.Log.Compress != nil {
		c.Log.Compress = *cf.Log.Compress
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"manager.reconcile_interval", cf.Manager.ReconcileInterval, &c.Manager.ReconcileInterval},
		{"manager.startup_delay", cf.Manager.StartupDelay, &c.Manager.StartupDelay},
		{"manager.recovery_delay", cf.Manager.RecoveryDelay, &c.Manager.RecoveryDelay},
		{"manager.bot_sample_interval", cf.Manager.BotSampleInterval, &c.Manager.BotSampleInterval},
		{"manager.health_grace", cf.Manager.HealthGrace, &c.Manager.HealthGrace},
		{"manager.login_timeout", cf.Manager.LoginTimeout, &c.Manager.LoginTimeout},
		{"manager.login_window", cf.Manager.LoginWindow, &c.Manager.LoginWindow},
		{"probe.interval", cf.Probe.Interval, &c.Probe.Interval},
		{"discord.command_cache_ttl", cf.Discord.CommandCacheTTL, &c.Discord.CommandCacheTTL},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if cf.Manager.LoginLimit != nil {
		c.Manager.LoginLimit = *cf.Manager.LoginLimit
	}
	setString(&c.Probe.DiskPath, cf.Probe.DiskPath)
	if cf.Debug.Enabled {
		c.Debug = true
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Listen = getEnv("BOTDECK_LISTEN", c.Listen)
	c.Storage.Driver = getEnv("BOTDECK_DB_DRIVER", c.Storage.Driver)
	c.Storage.Path = getEnv("BOTDECK_DB_PATH", c.Storage.Path)
	c.Storage.EncryptionKey = getEnv("BOTDECK_DB_ENCRYPTION_KEY", c.Storage.EncryptionKey)

	c.Log.Level = getEnv("BOTDECK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("BOTDECK_LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("BOTDECK_LOG_FILE", c.Log.File)

	c.Manager.ReconcileInterval = parseDurationEnv("BOTDECK_RECONCILE_INTERVAL", c.Manager.ReconcileInterval)
	c.Manager.StartupDelay = parseDurationEnv("BOTDECK_STARTUP_DELAY", c.Manager.StartupDelay)
	c.Manager.RecoveryDelay = parseDurationEnv("BOTDECK_RECOVERY_DELAY", c.Manager.RecoveryDelay)
	c.Manager.BotSampleInterval = parseDurationEnv("BOTDECK_BOT_SAMPLE_INTERVAL", c.Manager.BotSampleInterval)
	c.Manager.HealthGrace = parseDurationEnv("BOTDECK_HEALTH_GRACE", c.Manager.HealthGrace)
	c.Manager.LoginTimeout = parseDurationEnv("BOTDECK_LOGIN_TIMEOUT", c.Manager.LoginTimeout)
	c.Manager.LoginLimit = parseIntEnv("BOTDECK_LOGIN_LIMIT", c.Manager.LoginLimit)
	c.Manager.LoginWindow = parseDurationEnv("BOTDECK_LOGIN_WINDOW", c.Manager.LoginWindow)

	c.Probe.Interval = parseDurationEnv("BOTDECK_PROBE_INTERVAL", c.Probe.Interval)
	c.Probe.DiskPath = getEnv("BOTDECK_PROBE_DISK_PATH", c.Probe.DiskPath)
	c.Discord.CommandCacheTTL = parseDurationEnv("BOTDECK_COMMAND_CACHE_TTL", c.Discord.CommandCacheTTL)
	c.Debug = parseBoolEnv("BOTDECK_DEBUG", c.Debug)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address is empty")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "badger":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %s", c.Storage.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	positive := map[string]time.Duration{
		"manager.reconcile_interval":  c.Manager.ReconcileInterval,
		"manager.bot_sample_interval": c.Manager.BotSampleInterval,
		"manager.login_timeout":       c.Manager.LoginTimeout,
		"probe.interval":              c.Probe.Interval,
	}
	for k, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", k, v)
		}
	}
	nonNegative := map[string]time.Duration{
		"manager.startup_delay":  c.Manager.StartupDelay,
		"manager.recovery_delay": c.Manager.RecoveryDelay,
		"manager.health_grace":   c.Manager.HealthGrace,
	}
	for k, v := range nonNegative {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %s", k, v)
		}
	}
	if c.Manager.LoginLimit < 0 {
		return fmt.Errorf("manager.login_limit must not be negative, got %d", c.Manager.LoginLimit)
	}
	if c.Manager.LoginLimit > 0 && c.Manager.LoginWindow <= 0 {
		return fmt.Errorf("manager.login_window must be positive when login_limit is set")
	}
	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// parseDuration 支持 "60s" 这类写法，也兼容纯数字秒
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(n) * time.Second, nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := parseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseIntEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
