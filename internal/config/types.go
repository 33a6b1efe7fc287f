package config

// Config is the root document. JSON and YAML share these tags.
//
// All durations are Go duration strings ("500ms", "12s", "2m").
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine TaskEngineConfig  `json:"task_engine,omitempty"`
	LLM        LLMConfig         `json:"llm,omitempty"`
	Delivery   DeliveryConfig    `json:"delivery,omitempty"`
	Targets    TargetsConfig     `json:"targets,omitempty"`
	HTTP       HTTPConfig        `json:"http,omitempty"`
	Features   map[string]string `json:"features,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog is the chat id that receives WARN+ log lines.
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the task store.
//
//	"storage": { "driver": "sqlite", "path": "./data/autochat.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/autochat" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig drives the recurring task chain.
//
// Defaults (when omitted/zero):
//   - timezone: Europe/Paris
//   - min_delay: 12s, max_delay: 2m
//   - retry_delay: 30s
//   - active_hours: 8..23
//   - max_active_tasks: 100
//   - chains: 1
//   - legacy_kinds: ["random-question-task"]
//   - sweep: "@every 5m"
//   - follow_up_delay: 1m..5m
type SchedulerConfig struct {
	Enabled        bool           `json:"enabled"`
	Timezone       string         `json:"timezone,omitempty"`
	MinDelay       string         `json:"min_delay,omitempty"`
	MaxDelay       string         `json:"max_delay,omitempty"`
	RetryDelay     string         `json:"retry_delay,omitempty"`
	ActiveHours    *ActiveHours   `json:"active_hours,omitempty"`
	TargetType     string         `json:"target_type,omitempty"`
	MaxActiveTasks int            `json:"max_active_tasks,omitempty"`
	Chains         int            `json:"chains,omitempty"`
	LegacyKinds    []string       `json:"legacy_kinds,omitempty"`
	Sweep          string         `json:"sweep,omitempty"`
	FollowUpDelay  *DurationRange `json:"follow_up_delay,omitempty"`
}

// ActiveHours is a [Start, End) hour-of-day window. Start > End wraps midnight.
type ActiveHours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type DurationRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

type TaskEngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
// API keys rotate round-robin per request.
type LLMConfig struct {
	Enabled      bool     `json:"enabled"`
	BaseURL      string   `json:"base_url,omitempty"`
	APIKeys      []string `json:"api_keys,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
	RatePerSec   float64  `json:"rate_per_sec,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// DeliveryConfig shapes the human-like typing simulation.
type DeliveryConfig struct {
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	TypingPerChar string  `json:"typing_per_char,omitempty"`
	TypingJitter  string  `json:"typing_jitter,omitempty"`
	TypingMax     string  `json:"typing_max,omitempty"`
}

type TargetsConfig struct {
	Window     string `json:"window,omitempty"`
	PreviewTTL string `json:"preview_ttl,omitempty"`
	History    int    `json:"history,omitempty"`
	MaxChats   int    `json:"max_chats,omitempty"`
}

// HTTPConfig controls the status API.
//
// Prefer a loopback address: the API can change task targeting.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token guards every route except /health. Required off loopback unless
	// AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
