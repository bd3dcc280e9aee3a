package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Reminders RemindersConfig `json:"reminders"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// APITimeout bounds every outbound Bot API call.
	// Go duration string; default "8s".
	APITimeout string `json:"api_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig points at the reminder database. The webapp and the CRUD
// API write to the same file; this process only needs the reminders table.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// RemindersConfig controls the delivery engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - sweep_interval: "1m"
//   - rate_per_sec: 25 (Telegram's documented broadcast ceiling is ~30/s)
type RemindersConfig struct {
	SweepInterval string `json:"sweep_interval,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}
