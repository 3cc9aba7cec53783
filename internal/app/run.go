package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"mcrenew/internal/auth"
	"mcrenew/internal/browser"
	"mcrenew/internal/config"
	"mcrenew/internal/renewer"
	"mcrenew/internal/session"
	"mcrenew/internal/supervisor"
	"mcrenew/internal/task"
	"mcrenew/internal/trigger"
	"mcrenew/pkg/clock"
	logx "mcrenew/pkg/logx"
)

type RunOptions struct {
	ConfigPath   string
	RegistryPath string
	TaskID       string
	// SinglePath runs a standalone task file instead of a registry entry.
	SinglePath string
	// Interactive allows waiting for a manual login in a visible browser.
	Interactive bool
}

// RunTask runs the renew loop of one task until ctx is done (nil) or the
// task fails for good. Use ExitCode to map the result.
func RunTask(ctx context.Context, opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	t, err := resolveTask(cfg, opts)
	if err != nil {
		return err
	}
	layout := layoutFor(cfg)
	if err := os.MkdirAll(layout.Dir(t.ID), 0o755); err != nil {
		return err
	}

	sender, err := alertSender(cfg)
	if err != nil {
		return err
	}
	supervised := os.Getenv(supervisor.EnvSupervised) == "1"
	logSvc, log := logx.New(mapLogConfig(cfg, layout.LogPath(t.ID), supervised), sender)
	defer logSvc.Close()
	log = log.With(logx.String("task", t.ID))

	allowManual := opts.Interactive || t.ManualMode
	headless := configHeadless(cfg) && !allowManual

	bcfg, err := mapBrowserConfig(cfg, headless)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	acfg, err := mapAuthConfig(cfg, t.TargetURL)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	rcfg, err := mapRenewerConfig(cfg, t, layout, allowManual)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	log.Info("task process starting",
		logx.Int("pid", os.Getpid()),
		logx.String("target", t.TargetURL),
		logx.Duration("interval", rcfg.Interval),
		logx.Bool("headless", headless),
		logx.Bool("manual_allowed", allowManual),
		logx.Bool("supervised", supervised),
	)

	sess, err := browser.Open(ctx, bcfg, log.With(logx.String("comp", "browser")))
	if err != nil {
		log.Error("browser launch failed", logx.Err(err))
		return fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("browser close", logx.Err(err))
		}
	}()

	store := session.NewStore(layout.CookiesPath(t.ID))
	authn := auth.New(sess, store, acfg, clock.Real{}, log.With(logx.String("comp", "auth")))
	mb := trigger.NewMailbox(layout.TriggerPath(t.ID), trigger.WithLogger(log.With(logx.String("comp", "trigger"))))

	sched := renewer.New(sess, authn, mb, rcfg,
		renewer.WithLogger(log),
		renewer.WithWake(mb.Watch(ctx)),
	)
	start := time.Now()
	err = sched.Run(ctx)
	if err != nil {
		log.Error("task failed",
			logx.Err(err),
			logx.Int("renewals", sched.Renewals()),
			logx.Duration("uptime", time.Since(start)),
		)
		return err
	}
	log.Info("task process stopped", logx.Int("renewals", sched.Renewals()))
	return nil
}

func resolveTask(cfg *Config, opts RunOptions) (task.Task, error) {
	if p := strings.TrimSpace(opts.SinglePath); p != "" {
		return task.LoadSingle(p)
	}
	if strings.TrimSpace(opts.TaskID) == "" {
		return task.Task{}, fmt.Errorf("%w: --task-id or --single is required", config.ErrInvalid)
	}
	regPath := opts.RegistryPath
	if regPath == "" {
		regPath = cfg.RegistryPath()
	}
	reg, err := task.Open(regPath)
	if err != nil {
		return task.Task{}, err
	}
	return reg.Get(opts.TaskID)
}
