// Package app wires the mcrenew processes: the supervisor that owns every
// task, the per-task renew process it spawns, and the login helper.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"mcrenew/internal/api"
	"mcrenew/internal/config"
	"mcrenew/internal/eventbus"
	"mcrenew/internal/notify"
	rtsup "mcrenew/internal/runtime/supervisor"
	"mcrenew/internal/storage"
	"mcrenew/internal/supervisor"
	"mcrenew/internal/task"
	logx "mcrenew/pkg/logx"
)

type SuperviseOptions struct {
	ConfigPath   string
	RegistryPath string
	// Listen enables the control API on this address, overriding api.addr.
	Listen string
	// Daemon turns on sd_notify (READY, STOPPING, watchdog).
	Daemon bool
}

// Supervise runs the task supervisor until ctx is done.
func Supervise(ctx context.Context, opts SuperviseOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if l := strings.TrimSpace(opts.Listen); l != "" {
		cfg.API.Enabled = true
		cfg.API.Addr = l
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}

	sender, err := alertSender(cfg)
	if err != nil {
		return err
	}
	logSvc, log := logx.New(mapLogConfig(cfg, "", false), sender)
	defer logSvc.Close()
	log = log.With(logx.String("comp", "supervise"))

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	regPath := opts.RegistryPath
	if regPath == "" {
		regPath = cfg.RegistryPath()
	}
	reg, err := task.Open(regPath, task.WithLogger(log.With(logx.String("comp", "registry"))))
	if err != nil {
		return err
	}

	layout := layoutFor(cfg)
	sopts, err := mapSupervisorOptions(cfg, layout, opts.Daemon)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	launcher := &supervisor.ExecLauncher{
		Executable:   strings.TrimSpace(cfg.Supervisor.Executable),
		ConfigPath:   absOrEmpty(opts.ConfigPath),
		RegistryPath: absOrEmpty(regPath),
		Layout:       layout,
	}

	bus := eventbus.New()
	mgr := supervisor.New(reg, launcher, sopts,
		supervisor.WithLogger(log.With(logx.String("comp", "tasks"))),
		supervisor.WithBus(bus),
		supervisor.WithStore(store),
	)

	sup := rtsup.New(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(true))
	if store != nil {
		sup.Go0("audit", func(ctx context.Context) {
			eventbus.RecordAudit(ctx, bus, store, log.With(logx.String("comp", "audit")))
		})
	}
	if cfg.API.Enabled {
		addr := strings.TrimSpace(cfg.API.Addr)
		if addr == "" {
			addr = config.DefaultAPIAddr
		}
		srv := api.New(api.Config{Addr: addr, Token: cfg.API.Token}, mgr, store, log.With(logx.String("comp", "api")))
		sup.Go("api", srv.Run)
	}
	sup.Go("tasks", mgr.Run)

	log.Info("supervisor starting",
		logx.String("registry", regPath),
		logx.String("data_dir", layout.Root),
		logx.Bool("api", cfg.API.Enabled),
		logx.Bool("daemon", opts.Daemon),
	)

	<-sup.Context().Done()
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = sup.Wait(waitCtx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Error("supervisor stopped with error", logx.Err(err))
		return err
	}
	log.Info("supervisor stopped")
	return nil
}

func alertSender(cfg *Config) (logx.AlertSender, error) {
	tg := cfg.Alerts.Telegram
	if !tg.Enabled {
		return nil, nil
	}
	s, err := notify.NewTelegram(notify.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
	if err != nil {
		return nil, fmt.Errorf("%w: alerts.telegram: %v", config.ErrInvalid, err)
	}
	return s, nil
}

func openStore(cfg *Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if !enabled {
		return nil, nil
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("audit log enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	return st, nil
}

func absOrEmpty(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
