package domain

import "time"

// Retention caps for the append-only histories.
const (
	MaxMetricSamples = 100
	MaxLogEntries    = 1000
)

// MetricSample 主机资源采样
type MetricSample struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsed   uint64    `json:"memory_used"`
	MemoryTotal  uint64    `json:"memory_total"`
	DiskUsed     uint64    `json:"disk_used"`
	DiskTotal    uint64    `json:"disk_total"`
	NetworkUsage float64   `json:"network_usage"`
}

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// LogEntry 面板日志；BotID 为空表示系统级日志
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	BotID     *string   `json:"bot_id,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// User owns bots. Credentials and verification live outside this service.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot 推送给订阅者的全量状态
type Snapshot struct {
	Type    string        `json:"type"`
	Bots    []Bot         `json:"bots"`
	Metrics *MetricSample `json:"metrics"`
}

// Notification is a non-snapshot push message (generic error notices).
type Notification struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	MessageTypeUpdate = "update"
	MessageTypeError  = "error"
)
