package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mcrenew/internal/auth"
	"mcrenew/internal/browser"
	"mcrenew/internal/config"
	"mcrenew/internal/renewer"
	"mcrenew/internal/session"
	"mcrenew/pkg/clock"
	logx "mcrenew/pkg/logx"
)

type LoginOptions struct {
	ConfigPath   string
	RegistryPath string
	// TaskID fills URL and Out from the registry entry when they are empty.
	TaskID  string
	URL     string
	Out     string
	Timeout time.Duration
}

// Login opens a visible browser on the target, waits for an operator to
// log in and stores the captured cookies.
func Login(ctx context.Context, opts LoginOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if id := strings.TrimSpace(opts.TaskID); id != "" {
		t, err := resolveTask(cfg, RunOptions{RegistryPath: opts.RegistryPath, TaskID: id})
		if err != nil {
			return err
		}
		if opts.URL == "" {
			opts.URL = t.TargetURL
		}
		if opts.Out == "" {
			opts.Out = layoutFor(cfg).CookiesPath(id)
		}
	}
	if strings.TrimSpace(opts.URL) == "" || strings.TrimSpace(opts.Out) == "" {
		return fmt.Errorf("%w: login needs --url and --out (or --task-id)", config.ErrInvalid)
	}

	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "login"))

	bcfg, err := mapBrowserConfig(cfg, false)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	acfg, err := mapAuthConfig(cfg, opts.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if opts.Timeout > 0 {
		acfg.LoginWindow = opts.Timeout
	}

	sess, err := browser.Open(ctx, bcfg, log)
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	defer sess.Close()

	store := session.NewStore(opts.Out)
	ok, err := auth.New(sess, store, acfg, clock.Real{}, log).WaitForManualLogin(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return renewer.ErrLoginTimeout
	}
	log.Info("session saved", logx.String("path", store.Path()))
	return nil
}
