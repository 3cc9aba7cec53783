package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
)

// ErrInvalid marks configuration errors. They are fatal at startup.
var ErrInvalid = errors.New("invalid config")

const (
	DefaultDataDir      = "./data"
	DefaultRegistryName = "tasks.json"
	DefaultAPIAddr      = "127.0.0.1:5000"
)

// Load reads and validates the config at path.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if err := DecodeStrict(path, b, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeStrict decodes JSON/JSONC/YAML data into out, rejecting unknown
// fields and trailing data.
func DecodeStrict(path string, data []byte, out any) error {
	jb, _, err := CoerceToJSON(path, data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("trailing data")
		}
		return err
	}
	return nil
}

// DataDirOr returns the configured data directory.
func (c *Config) DataDirOr() string {
	if d := strings.TrimSpace(c.DataDir); d != "" {
		return d
	}
	return DefaultDataDir
}

// RegistryPath returns the task registry path.
func (c *Config) RegistryPath() string {
	if p := strings.TrimSpace(c.Registry); p != "" {
		return p
	}
	return filepath.Join(c.DataDirOr(), DefaultRegistryName)
}

// Validate checks durations, bounds and cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	durations := map[string]string{
		"browser.navigation_timeout": cfg.Browser.NavigationTimeout,
		"renew.wait_step":            cfg.Renew.WaitStep,
		"renew.settle_delay":         cfg.Renew.SettleDelay,
		"renew.probe_timeout":        cfg.Renew.ProbeTimeout,
		"renew.click_timeout":        cfg.Renew.ClickTimeout,
		"renew.post_click_delay":     cfg.Renew.PostClickDelay,
		"renew.login_window":         cfg.Renew.LoginWindow,
		"renew.login_poll":           cfg.Renew.LoginPoll,
		"supervisor.reconcile_every": cfg.Supervisor.ReconcileEvery,
		"supervisor.stop_grace":      cfg.Supervisor.StopGrace,
		"supervisor.restart_settle":  cfg.Supervisor.RestartSettle,
		"supervisor.backoff_min":     cfg.Supervisor.BackoffMin,
		"supervisor.backoff_max":     cfg.Supervisor.BackoffMax,
		"supervisor.crash_window":    cfg.Supervisor.CrashWindow,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if cfg.Renew.SnapshotRetention < 0 {
		return fmt.Errorf("%w: renew.snapshot_retention must be >= 0", ErrInvalid)
	}
	if cfg.Supervisor.CrashLoopThreshold < 0 {
		return fmt.Errorf("%w: supervisor.crash_loop_threshold must be >= 0", ErrInvalid)
	}
	if cfg.Browser.ViewportWidth < 0 || cfg.Browser.ViewportHeight < 0 {
		return fmt.Errorf("%w: browser viewport must be >= 0", ErrInvalid)
	}
	if spec := strings.TrimSpace(cfg.Supervisor.Maintenance); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%w: supervisor.maintenance: invalid %q: %v", ErrInvalid, spec, err)
		}
	}

	if cfg.API.Enabled {
		addr := strings.TrimSpace(cfg.API.Addr)
		if addr == "" {
			addr = DefaultAPIAddr
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("%w: api.addr: %v", ErrInvalid, err)
		}
		if !isLoopback(host) && strings.TrimSpace(cfg.API.Token) == "" {
			return fmt.Errorf("%w: api.token is required when api.addr is not loopback", ErrInvalid)
		}
	}

	if tg := cfg.Alerts.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
			return fmt.Errorf("%w: alerts.telegram requires token and chat_id", ErrInvalid)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("%w: storage.driver: unknown %q", ErrInvalid, st.Driver)
		}
		for path, raw := range map[string]string{
			"storage.busy_timeout":    st.BusyTimeout,
			"storage.audit_retention": st.AuditRetention,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
