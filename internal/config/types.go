package config

// Config is the on-disk configuration tree. JSON and YAML are both
// accepted; unknown keys are rejected so typos surface on reload instead
// of silently doing nothing.
type Config struct {
	Engine  EngineConfig  `json:"engine"`
	Ticks   TicksConfig   `json:"ticks"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Sink    SinkConfig    `json:"sink"`
	Ops     OpsConfig     `json:"ops,omitempty"`
}

// EngineConfig tunes the evaluator and the dispatch coordinator.
//
// Defaults (when fields are omitted/zero):
//   - tolerance_minutes: 5
//   - look_ahead_hours: 1
//   - workers: 4
//   - deliver_timeout: "10s"
type EngineConfig struct {
	ToleranceMinutes int `json:"tolerance_minutes,omitempty"`
	LookAheadHours   int `json:"look_ahead_hours,omitempty"`
	Workers          int `json:"workers,omitempty"`
	// DeliverTimeout is a Go duration string bounding one sink handoff.
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
}

// TicksConfig controls the two cadences. Due and Overdue take a cron spec,
// a duration ("90s"), or "every <duration>".
//
// Defaults: due "1m", overdue "every 6h".
type TicksConfig struct {
	Enabled     bool   `json:"enabled"`
	Due         string `json:"due,omitempty"`
	Overdue     string `json:"overdue,omitempty"`
	Timezone    string `json:"timezone,omitempty"` // IANA TZ for cron specs
	TickTimeout string `json:"tick_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
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

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SinkConfig controls the delivery pipeline and its channels. A channel
// section left out (or disabled) simply isn't routed; reminders that only
// name unrouted channels never fire, which the evaluator already enforces
// for unknown names.
type SinkConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// Contacts maps user IDs (as strings, JSON object keys) to delivery
	// addresses.
	Contacts map[string]ContactConfig `json:"contacts,omitempty"`

	Telegram *TelegramSinkConfig `json:"telegram,omitempty"`
	SMS      *SMSSinkConfig      `json:"sms,omitempty"`
	Webhook  *WebhookSinkConfig  `json:"webhook,omitempty"`
	Email    *EmailSinkConfig    `json:"email,omitempty"`
}

type ContactConfig struct {
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
}

type TelegramSinkConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type SMSSinkConfig struct {
	Enabled    bool   `json:"enabled"`
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	From       string `json:"from"`
}

type WebhookSinkConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
}

type EmailSinkConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
}

// OpsConfig controls the operational HTTP server (/healthz, /readyz,
// /status, /metrics, optional pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8722").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8722"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so pprof profiles that take 30s+ work reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
