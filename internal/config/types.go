package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Outbox controls the foreground scheduling loop.
	Outbox OutboxConfig `json:"outbox"`

	// Worker controls the independent background delivery worker.
	// If omitted, the worker defaults to enabled.
	Worker *WorkerConfig `json:"worker,omitempty"`

	Storage StorageConfig `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// DefaultChatID receives messages scheduled without an explicit target.
	DefaultChatID   int64 `json:"default_chat_id"`
	DefaultThreadID int   `json:"default_thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OutboxConfig controls the foreground scheduling loop.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "168h").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "30s"
//   - send_delay: "2s"
//   - max_attempts: 3
//   - retention: "168h" (7 days)
//   - delivery_log_size: 100
type OutboxConfig struct {
	TickInterval    string `json:"tick_interval,omitempty"`
	SendDelay       string `json:"send_delay,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	Retention       string `json:"retention,omitempty"`
	DeliveryLogSize int    `json:"delivery_log_size,omitempty"`

	// Timezone for the daily prune job (IANA TZ, e.g. "Asia/Jakarta").
	Timezone string `json:"timezone,omitempty"`
}

// WorkerConfig controls the background delivery worker.
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
//
// Interval is a Go duration string; the platform treats the cadence as
// best-effort and values below one minute are clamped up.
type WorkerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// StorageConfig selects the durable store backing the outbox.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dutybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// WorkerEnabled resolves the tri-state worker.enabled flag.
func (c *Config) WorkerEnabled() bool {
	if c == nil || c.Worker == nil || c.Worker.Enabled == nil {
		return true
	}
	return *c.Worker.Enabled
}
