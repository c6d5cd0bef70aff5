package config

// Config is the process configuration. JSON is the canonical format; YAML
// files are coerced to JSON before the strict decode, so both share one
// schema and unknown fields are rejected either way.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Fleet     FleetConfig     `json:"fleet,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`

	// Tenants seeds the fleet at boot. Records are upserted into storage, so
	// a tenant listed here once keeps existing after it is removed from the
	// file. Additional tenants come from storage via LoadTenants.
	Tenants []TenantSeed `json:"tenants,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "memory"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type FleetConfig struct {
	// ReconcileSpec is a cron spec (robfig/cron v3, incl. "@every 10m") for
	// the periodic chat-index reconcile. Empty disables it.
	ReconcileSpec string `json:"reconcile_spec,omitempty"`
}

// BroadcastConfig tunes the process-wide send pool. Rate, pending limit and
// batch pause apply on config reload; max_concurrent needs a restart.
type BroadcastConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	PendingLimit  int    `json:"pending_limit,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	BatchPause    string `json:"batch_pause,omitempty"`
}

type QueueConfig struct {
	Enabled bool `json:"enabled"`
}

type TenantSeed struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	Name      string `json:"name,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}
