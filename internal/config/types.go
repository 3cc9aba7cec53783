package config

// Config is the application config shared by the `supervise` and `run` processes.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to defaults applied by the mapping helpers in load.go.
type Config struct {
	// DataDir holds the registry and one directory per task.
	// Default: "./data".
	DataDir string `json:"data_dir,omitempty"`

	// Registry overrides the task registry path.
	// Default: "<data_dir>/tasks.json".
	Registry string `json:"registry,omitempty"`

	Logging    LoggingConfig    `json:"logging"`
	Browser    BrowserConfig    `json:"browser"`
	Renew      RenewConfig      `json:"renew"`
	Supervisor SupervisorConfig `json:"supervisor"`
	API        APIConfig        `json:"api"`
	Alerts     AlertsConfig     `json:"alerts"`

	// Storage controls the operator audit log. Nil disables it.
	Storage *StorageConfig `json:"storage,omitempty"`
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

// BrowserConfig controls the Chromium instance each task process drives.
type BrowserConfig struct {
	// Bin is the browser binary. Empty lets the launcher locate or download one.
	Bin string `json:"bin,omitempty"`
	// ControlURL connects to an already-running browser instead of launching one.
	ControlURL string `json:"control_url,omitempty"`

	// Headless is a pointer so an explicit false (visible window) can be told
	// apart from "omitted" (default true).
	Headless *bool    `json:"headless,omitempty"`
	Flags    []string `json:"flags,omitempty"`

	ViewportWidth  int    `json:"viewport_width,omitempty"`
	ViewportHeight int    `json:"viewport_height,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`

	NavigationTimeout string `json:"navigation_timeout,omitempty"` // default "30s"

	// RenewSelector locates the renew control. Default "#renewSessionBtn".
	RenewSelector string `json:"renew_selector,omitempty"`
}

// RenewConfig controls the renewal loop and authentication waits.
type RenewConfig struct {
	WaitStep          string `json:"wait_step,omitempty"`          // default "5s"
	SettleDelay       string `json:"settle_delay,omitempty"`       // default "3s"
	ProbeTimeout      string `json:"probe_timeout,omitempty"`      // default "5s"
	ClickTimeout      string `json:"click_timeout,omitempty"`      // default "10s"
	PostClickDelay    string `json:"post_click_delay,omitempty"`   // default "2s"
	LoginWindow       string `json:"login_window,omitempty"`       // default "300s"
	LoginPoll         string `json:"login_poll,omitempty"`         // default "3s"
	SnapshotRetention int    `json:"snapshot_retention,omitempty"` // default 50
}

// SupervisorConfig controls the task supervisor process.
type SupervisorConfig struct {
	ReconcileEvery string `json:"reconcile_every,omitempty"` // default "30s"
	StopGrace      string `json:"stop_grace,omitempty"`      // default "5s"
	RestartSettle  string `json:"restart_settle,omitempty"`  // default "1s"

	// StopDisabled makes reconcile stop tasks that are disabled but still running.
	// Pointer so omitted means default (true).
	StopDisabled *bool `json:"stop_disabled,omitempty"`

	BackoffMin         string `json:"backoff_min,omitempty"`          // default "30s"
	BackoffMax         string `json:"backoff_max,omitempty"`          // default "30m"
	CrashWindow        string `json:"crash_window,omitempty"`         // default "2m"
	CrashLoopThreshold int    `json:"crash_loop_threshold,omitempty"` // default 3

	// Maintenance is a cron spec for the snapshot and audit retention sweep.
	// Default "@hourly".
	Maintenance string `json:"maintenance,omitempty"`

	// Executable overrides the binary used to spawn task processes.
	// Default: the running executable.
	Executable string `json:"executable,omitempty"`
}

// APIConfig controls the JSON control API.
//
// Security note: prefer binding to localhost. A non-loopback address requires a token.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:5000"
	Token   string `json:"token,omitempty"` // bearer token (do not log)
}

type AlertsConfig struct {
	Telegram TelegramAlerts `json:"telegram"`
}

type TelegramAlerts struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`    // default "error"
	RatePerMin int    `json:"rate_per_min,omitempty"` // default 6
}

// StorageConfig controls the audit log backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/audit" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// AuditRetention is a duration like "720h"; "0" keeps everything.
	AuditRetention string `json:"audit_retention,omitempty"`
}
