package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Platforms maps a platform tag ("telegram", "bale", "eitaa", ...) to its
	// client settings. The tag is what scopes and jobs refer to; the kind
	// selects the client implementation.
	Platforms map[string]PlatformConfig `json:"platforms"`

	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
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

// StorageConfig controls the SQLite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// PlatformConfig is one configured messaging platform.
//
// Kind "telegram" covers any Bot-API-compatible service; Bale runs as kind
// "telegram" with its own api_url. Kind "eitaa" uses the eitaayar.ir API.
type PlatformConfig struct {
	Kind   string `json:"kind"`
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`

	// Poll consumes inbound updates so new chats land in the directory.
	// Bot-API kinds only.
	Poll bool `json:"poll,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// Timeout bounds one HTTP call for request/response kinds (eitaa).
	Timeout string `json:"timeout,omitempty"`
}

// DispatchConfig controls broadcast fan-out.
//
// All durations are Go duration strings (e.g. "300ms", "60s").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - rate_per_sec: 10
//   - retry_max: 2
//   - retry_base: "300ms"
//   - dedup_window: "60s"
//   - preview_len: 64
type DispatchConfig struct {
	Workers     int    `json:"workers,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	PreviewLen  int    `json:"preview_len,omitempty"`
}

// SchedulerConfig controls the scheduled-broadcast service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone for calendar triggers and wall-clock fire times
	// (e.g. "Asia/Tehran"). Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}
