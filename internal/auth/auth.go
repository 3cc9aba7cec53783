// Package auth establishes a usable session for a task, either by replaying
// stored cookies or by waiting for an operator to log in by hand.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mcrenew/internal/session"
	"mcrenew/pkg/clock"
	logx "mcrenew/pkg/logx"
)

// Browser is the part of the browser session the authenticator drives.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	RenewControlPresent(ctx context.Context, timeout time.Duration) bool
	Cookies(ctx context.Context) ([]session.Cookie, error)
	SetCookies(ctx context.Context, cookies []session.Cookie) error
}

// Store is the task's cookie persistence.
type Store interface {
	Load() ([]session.Cookie, error)
	Save(cookies []session.Cookie) error
}

// loginProbe bounds each presence check while waiting for a manual login.
const loginProbe = time.Second

type Config struct {
	TargetURL string
	// LoginURL is opened for manual login. Defaults to TargetURL; the site
	// redirects to its login form when no session is present.
	LoginURL string

	SettleDelay  time.Duration // default 3s
	ProbeTimeout time.Duration // default 5s
	LoginWindow  time.Duration // default 300s
	LoginPoll    time.Duration // default 3s
}

func (c Config) withDefaults() Config {
	if c.LoginURL == "" {
		c.LoginURL = c.TargetURL
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.LoginWindow <= 0 {
		c.LoginWindow = 300 * time.Second
	}
	if c.LoginPoll <= 0 {
		c.LoginPoll = 3 * time.Second
	}
	return c
}

type Authenticator struct {
	browser Browser
	store   Store
	cfg     Config
	clock   clock.Clock
	log     logx.Logger
}

func New(b Browser, st Store, cfg Config, clk clock.Clock, log logx.Logger) *Authenticator {
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Authenticator{browser: b, store: st, cfg: cfg.withDefaults(), clock: clk, log: log}
}

// RestoreFromStore injects the stored cookies, opens the target and checks
// for the renew control. An absent or rejected session is (false, nil); only
// store I/O failures and cancellation are returned as errors.
func (a *Authenticator) RestoreFromStore(ctx context.Context) (bool, error) {
	cookies, err := a.store.Load()
	if errors.Is(err, session.ErrNoSession) {
		a.log.Info("no stored session")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	cookies = session.Normalize(cookies)
	if err := a.browser.SetCookies(ctx, cookies); err != nil {
		a.log.Warn("cookie injection failed", logx.Err(err))
		return false, ctx.Err()
	}
	a.log.Debug("cookies injected", logx.Int("count", len(cookies)))

	if err := a.browser.Navigate(ctx, a.cfg.TargetURL); err != nil {
		a.log.Warn("navigation failed during restore", logx.Err(err))
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	if err := a.sleep(ctx, a.cfg.SettleDelay); err != nil {
		return false, err
	}

	ok := a.browser.RenewControlPresent(ctx, a.cfg.ProbeTimeout)
	if !ok {
		a.log.Warn("stored session rejected: renew control absent", logx.Duration("probe", a.cfg.ProbeTimeout))
		return false, ctx.Err()
	}
	a.log.Info("session restored from store")
	return true, nil
}

// WaitForManualLogin opens the login page and polls for the renew control
// until the login window closes. On success the browser's cookies are
// persisted. A timeout is (false, nil); a persist failure is an error.
func (a *Authenticator) WaitForManualLogin(ctx context.Context) (bool, error) {
	if err := a.browser.Navigate(ctx, a.cfg.LoginURL); err != nil {
		a.log.Warn("navigation to login page failed", logx.Err(err))
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	a.log.Info("waiting for manual login",
		logx.String("url", a.cfg.LoginURL),
		logx.Duration("window", a.cfg.LoginWindow),
	)

	start := a.clock.Now()
	probe := loginProbe
	if probe > a.cfg.LoginPoll {
		probe = a.cfg.LoginPoll
	}
	for {
		if a.browser.RenewControlPresent(ctx, probe) {
			break
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if a.clock.Now().Sub(start) >= a.cfg.LoginWindow {
			a.log.Warn("manual login timed out", logx.Duration("window", a.cfg.LoginWindow))
			return false, nil
		}
		if err := a.sleep(ctx, a.cfg.LoginPoll); err != nil {
			return false, err
		}
	}

	cookies, err := a.browser.Cookies(ctx)
	if err != nil {
		return false, fmt.Errorf("capture cookies: %w", err)
	}
	if err := a.store.Save(cookies); err != nil {
		return false, err
	}
	a.log.Info("manual login captured", logx.Int("cookies", len(cookies)))
	return true, nil
}

func (a *Authenticator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.clock.After(d):
		return nil
	}
}
