package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"mcrenew/internal/auth"
	"mcrenew/internal/browser"
	"mcrenew/internal/config"
	"mcrenew/internal/renewer"
	"mcrenew/internal/storage"
	"mcrenew/internal/supervisor"
	"mcrenew/internal/task"
	logx "mcrenew/pkg/logx"
)

type Config = config.Config

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.DurationOr(path, raw, def)
}

func layoutFor(cfg *Config) task.Layout {
	return task.Layout{Root: cfg.DataDirOr()}
}

// mapLogConfig builds the logging config. A supervised task process writes
// only to its task log; its stdout is already redirected there.
func mapLogConfig(cfg *Config, taskLog string, supervised bool) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if taskLog != "" {
		lc.File = logx.FileConfig{Enabled: true, Path: taskLog}
		if supervised {
			lc.Console = false
		}
	}
	if tg := cfg.Alerts.Telegram; tg.Enabled {
		lc.Alert = logx.AlertConfig{
			Enabled:    true,
			MinLevel:   tg.MinLevel,
			RatePerMin: tg.RatePerMin,
		}
		if lc.Alert.RatePerMin <= 0 {
			lc.Alert.RatePerMin = 6
		}
	}
	return lc
}

func mapBrowserConfig(cfg *Config, headless bool) (browser.Config, error) {
	bc := cfg.Browser
	nav, err := parseDurationOrDefault("browser.navigation_timeout", bc.NavigationTimeout, 30*time.Second)
	if err != nil {
		return browser.Config{}, err
	}
	click, err := parseDurationOrDefault("renew.click_timeout", cfg.Renew.ClickTimeout, 10*time.Second)
	if err != nil {
		return browser.Config{}, err
	}
	post, err := parseDurationOrDefault("renew.post_click_delay", cfg.Renew.PostClickDelay, 2*time.Second)
	if err != nil {
		return browser.Config{}, err
	}
	return browser.Config{
		Bin:               strings.TrimSpace(bc.Bin),
		ControlURL:        strings.TrimSpace(bc.ControlURL),
		Headless:          headless,
		Flags:             bc.Flags,
		ViewportWidth:     bc.ViewportWidth,
		ViewportHeight:    bc.ViewportHeight,
		UserAgent:         bc.UserAgent,
		NavigationTimeout: nav,
		ClickTimeout:      click,
		PostClickDelay:    post,
		RenewSelector:     bc.RenewSelector,
	}, nil
}

// configHeadless is the browser.headless setting (default true).
func configHeadless(cfg *Config) bool {
	return cfg.Browser.Headless == nil || *cfg.Browser.Headless
}

func mapAuthConfig(cfg *Config, targetURL string) (auth.Config, error) {
	rc := cfg.Renew
	out := auth.Config{TargetURL: targetURL}
	var err error
	if out.SettleDelay, err = parseDurationOrDefault("renew.settle_delay", rc.SettleDelay, 3*time.Second); err != nil {
		return auth.Config{}, err
	}
	if out.ProbeTimeout, err = parseDurationOrDefault("renew.probe_timeout", rc.ProbeTimeout, 5*time.Second); err != nil {
		return auth.Config{}, err
	}
	if out.LoginWindow, err = parseDurationOrDefault("renew.login_window", rc.LoginWindow, 300*time.Second); err != nil {
		return auth.Config{}, err
	}
	if out.LoginPoll, err = parseDurationOrDefault("renew.login_poll", rc.LoginPoll, 3*time.Second); err != nil {
		return auth.Config{}, err
	}
	return out, nil
}

func mapRenewerConfig(cfg *Config, t task.Task, layout task.Layout, allowManual bool) (renewer.Config, error) {
	step, err := parseDurationOrDefault("renew.wait_step", cfg.Renew.WaitStep, 5*time.Second)
	if err != nil {
		return renewer.Config{}, err
	}
	keep := cfg.Renew.SnapshotRetention
	if keep <= 0 {
		keep = renewer.DefaultRetention
	}
	return renewer.Config{
		Interval:    t.Interval(),
		WaitStep:    step,
		Retention:   keep,
		SnapshotDir: layout.ScreenshotsDir(t.ID),
		AllowManual: allowManual,
	}, nil
}

func mapSupervisorOptions(cfg *Config, layout task.Layout, daemon bool) (supervisor.Options, error) {
	sc := cfg.Supervisor
	o := supervisor.Options{
		Layout:             layout,
		StopDisabled:       sc.StopDisabled == nil || *sc.StopDisabled,
		CrashLoopThreshold: sc.CrashLoopThreshold,
		Maintenance:        strings.TrimSpace(sc.Maintenance),
		Retention:          cfg.Renew.SnapshotRetention,
		RequireSession:     true,
		Systemd:            daemon,
	}
	if o.Maintenance == "" {
		o.Maintenance = "@hourly"
	}
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"supervisor.reconcile_every", sc.ReconcileEvery, 30 * time.Second, &o.ReconcileEvery},
		{"supervisor.stop_grace", sc.StopGrace, 5 * time.Second, &o.StopGrace},
		{"supervisor.restart_settle", sc.RestartSettle, time.Second, &o.RestartSettle},
		{"supervisor.backoff_min", sc.BackoffMin, 30 * time.Second, &o.BackoffMin},
		{"supervisor.backoff_max", sc.BackoffMax, 30 * time.Minute, &o.BackoffMax},
		{"supervisor.crash_window", sc.CrashWindow, 2 * time.Minute, &o.CrashWindow},
	}
	for _, f := range fields {
		d, err := parseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return supervisor.Options{}, err
		}
		*f.dst = d
	}
	if cfg.Storage != nil {
		o.AuditRetention = 30 * 24 * time.Hour
		if raw := strings.TrimSpace(cfg.Storage.AuditRetention); raw != "" {
			d, err := config.ParseDurationField("storage.audit_retention", raw)
			if err != nil {
				return supervisor.Options{}, err
			}
			o.AuditRetention = d
		}
	}
	if o.BackoffMax < o.BackoffMin {
		return supervisor.Options{}, fmt.Errorf("supervisor.backoff_max must be >= backoff_min")
	}
	return o, nil
}

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(strings.TrimSpace(driver))
	switch dl {
	case "file":
		if path == "" {
			path = filepath.Join(cfg.DataDirOr(), "audit")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = filepath.Join(cfg.DataDirOr(), "audit.db")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}
