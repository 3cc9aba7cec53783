package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"mcrenew/internal/config"
	"mcrenew/internal/renewer"
	"mcrenew/internal/task"
)

func TestMapSupervisorOptionsDefaults(t *testing.T) {
	cfg := &Config{}
	o, err := mapSupervisorOptions(cfg, task.Layout{Root: "/data"}, false)
	if err != nil {
		t.Fatalf("mapSupervisorOptions: %v", err)
	}
	if o.ReconcileEvery != 30*time.Second || o.StopGrace != 5*time.Second || o.RestartSettle != time.Second {
		t.Fatalf("timings = %+v", o)
	}
	if o.BackoffMin != 30*time.Second || o.BackoffMax != 30*time.Minute || o.CrashWindow != 2*time.Minute {
		t.Fatalf("backoff = %+v", o)
	}
	if !o.StopDisabled || !o.RequireSession || o.Maintenance != "@hourly" || o.Systemd {
		t.Fatalf("policy = %+v", o)
	}
}

func TestMapSupervisorOptionsOverrides(t *testing.T) {
	off := false
	cfg := &Config{Supervisor: config.SupervisorConfig{
		ReconcileEvery: "10s",
		StopDisabled:   &off,
		BackoffMin:     "1m",
		BackoffMax:     "10s",
	}}
	if _, err := mapSupervisorOptions(cfg, task.Layout{}, true); err == nil {
		t.Fatal("expected error for backoff_max < backoff_min")
	}
	cfg.Supervisor.BackoffMax = "5m"
	o, err := mapSupervisorOptions(cfg, task.Layout{}, true)
	if err != nil {
		t.Fatalf("mapSupervisorOptions: %v", err)
	}
	if o.ReconcileEvery != 10*time.Second || o.StopDisabled || !o.Systemd {
		t.Fatalf("options = %+v", o)
	}
}

func TestMapRenewerAndAuthConfig(t *testing.T) {
	cfg := &Config{Renew: config.RenewConfig{WaitStep: "1s", LoginWindow: "2m"}}
	tk := task.Task{ID: "alpha", RenewIntervalMinutes: 15}
	rc, err := mapRenewerConfig(cfg, tk, task.Layout{Root: "/data"}, true)
	if err != nil {
		t.Fatalf("mapRenewerConfig: %v", err)
	}
	if rc.Interval != 15*time.Minute || rc.WaitStep != time.Second || rc.Retention != renewer.DefaultRetention {
		t.Fatalf("renewer config = %+v", rc)
	}
	if rc.SnapshotDir != filepath.Join("/data", "tasks", "alpha", "screenshots") || !rc.AllowManual {
		t.Fatalf("renewer config = %+v", rc)
	}

	ac, err := mapAuthConfig(cfg, "https://panel.example.com")
	if err != nil {
		t.Fatalf("mapAuthConfig: %v", err)
	}
	if ac.LoginWindow != 2*time.Minute || ac.LoginPoll != 3*time.Second || ac.SettleDelay != 3*time.Second {
		t.Fatalf("auth config = %+v", ac)
	}
}

func TestMapLogConfigSupervisedChild(t *testing.T) {
	cfg := &Config{Logging: config.LoggingConfig{Level: "debug", Console: true}}
	lc := mapLogConfig(cfg, "/data/tasks/alpha/task.log", true)
	if lc.Console || !lc.File.Enabled || lc.File.Path != "/data/tasks/alpha/task.log" {
		t.Fatalf("log config = %+v", lc)
	}
	lc = mapLogConfig(cfg, "/data/tasks/alpha/task.log", false)
	if !lc.Console {
		t.Fatal("interactive run lost console output")
	}
	if lc.Alert.Enabled {
		t.Fatal("alerts enabled without telegram config")
	}
}

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		st      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{"nil", nil, false, "", false},
		{"none", &config.StorageConfig{Driver: "none"}, false, "", false},
		{"file default path", &config.StorageConfig{Driver: "file"}, true, "file", false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "/x.db", BusyTimeout: "2s"}, true, "sqlite", false},
		{"bad busy", &config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}, false, "", true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, "", true},
	}
	for _, tt := range tests {
		sc, enabled, err := mapStorageConfig(&Config{DataDir: "/data", Storage: tt.st})
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err = %v", tt.name, err)
		}
		if enabled != tt.enabled || sc.Driver != tt.driver {
			t.Fatalf("%s: got %+v enabled=%v", tt.name, sc, enabled)
		}
		if tt.name == "file default path" && sc.Path != filepath.Join("/data", "audit") {
			t.Fatalf("file path = %q", sc.Path)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{context.Canceled, ExitOK},
		{fmt.Errorf("run: %w", renewer.ErrSessionExhausted), ExitAuth},
		{renewer.ErrLoginTimeout, ExitAuth},
		{fmt.Errorf("%w: no session", renewer.ErrManualSessionRequired), ExitAuth},
		{fmt.Errorf("%w: bad", config.ErrInvalid), ExitConfig},
		{task.ErrNotFound, ExitConfig},
		{errors.New("disk full"), ExitConfig},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestResolveTaskRequiresTarget(t *testing.T) {
	_, err := resolveTask(&Config{DataDir: t.TempDir()}, RunOptions{})
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	_, err = resolveTask(&Config{DataDir: t.TempDir()}, RunOptions{TaskID: "ghost"})
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMapAuditRetention(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 30 * 24 * time.Hour, false},
		{"0", 0, false},
		{"72h", 72 * time.Hour, false},
		{"a week", 0, true},
	}
	for _, tt := range tests {
		cfg := &Config{Storage: &config.StorageConfig{Driver: "file", AuditRetention: tt.raw}}
		o, err := mapSupervisorOptions(cfg, task.Layout{}, false)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err = %v", tt.raw, err)
		}
		if err == nil && o.AuditRetention != tt.want {
			t.Fatalf("%q: AuditRetention = %v, want %v", tt.raw, o.AuditRetention, tt.want)
		}
	}
}
