// Package browser drives one Chromium page per task process via go-rod.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"mcrenew/internal/session"
	logx "mcrenew/pkg/logx"
)

// ErrRenewControlMissing means the renew control was not found or not
// clickable before the timeout. It is a normal outcome, not a fault.
var ErrRenewControlMissing = errors.New("renew control not found")

const (
	DefaultRenewSelector = "#renewSessionBtn"
	DefaultUserAgent     = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// hides navigator.webdriver from the page
const stealthJS = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`

// Config is the resolved browser configuration (see app mapping).
type Config struct {
	Bin        string
	ControlURL string
	Headless   bool
	Flags      []string

	ViewportWidth  int
	ViewportHeight int
	UserAgent      string

	NavigationTimeout time.Duration
	ClickTimeout      time.Duration
	PostClickDelay    time.Duration
	RenewSelector     string
}

func (c Config) withDefaults() Config {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1080
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.ClickTimeout <= 0 {
		c.ClickTimeout = 10 * time.Second
	}
	if c.PostClickDelay < 0 {
		c.PostClickDelay = 0
	}
	if strings.TrimSpace(c.RenewSelector) == "" {
		c.RenewSelector = DefaultRenewSelector
	}
	return c
}

// Session is an isolated (incognito) browsing context with a single page.
// Not safe for concurrent use; the renew loop is single threaded.
type Session struct {
	cfg      Config
	log      logx.Logger
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// Open launches (or connects to) Chromium and prepares a page with the
// configured viewport, user agent and stealth script.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{cfg: cfg, log: log}

	controlURL := strings.TrimSpace(cfg.ControlURL)
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless).
			Set(flags.NoSandbox).
			Set("disable-setuid-sandbox").
			Set("disable-dev-shm-usage").
			Set("disable-blink-features", "AutomationControlled")
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		for _, raw := range cfg.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chromium: %w", err)
		}
		s.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		s.cleanupLauncher()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}
	s.browser = b

	incognito, err := b.Incognito()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	s.page = page

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.ViewportWidth,
		Height:            cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}).Call(page); err != nil {
		log.Warn("set viewport failed", logx.Err(err))
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
		log.Warn("set user agent failed", logx.Err(err))
	}
	if _, err := page.EvalOnNewDocument(stealthJS); err != nil {
		log.Warn("stealth script failed", logx.Err(err))
	}
	return s, nil
}

// Navigate loads url and waits for the load event, bounded by the
// navigation timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// RenewControlPresent reports whether the renew control becomes visible
// within timeout. A timeout is reported as false.
func (s *Session) RenewControlPresent(ctx context.Context, timeout time.Duration) bool {
	_, err := s.visibleControl(ctx, timeout)
	return err == nil
}

// ClickRenew waits for the renew control, clicks it and lets the page react.
func (s *Session) ClickRenew(ctx context.Context) error {
	el, err := s.visibleControl(ctx, s.cfg.ClickTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRenewControlMissing, err)
	}
	if err := el.Context(ctx).Timeout(s.cfg.ClickTimeout).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("%w: click: %v", ErrRenewControlMissing, err)
	}
	if s.cfg.PostClickDelay > 0 {
		t := time.NewTimer(s.cfg.PostClickDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (s *Session) visibleControl(ctx context.Context, timeout time.Duration) (*rod.Element, error) {
	p := s.page.Context(ctx).Timeout(timeout)
	el, err := p.Element(s.cfg.RenewSelector)
	if err != nil {
		return nil, err
	}
	if err := el.WaitVisible(); err != nil {
		return nil, err
	}
	return el, nil
}

// Snapshot captures the visible viewport as PNG.
func (s *Session) Snapshot(ctx context.Context) ([]byte, error) {
	b, err := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return b, nil
}

// Cookies exports every cookie of the browsing context.
func (s *Session) Cookies(ctx context.Context) ([]session.Cookie, error) {
	res, err := proto.NetworkGetCookies{}.Call(s.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]session.Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		out = append(out, fromProto(c))
	}
	return out, nil
}

// SetCookies injects cookies. Same-site values must already be canonical;
// non-canonical ones are dropped rather than rejected by the browser.
func (s *Session) SetCookies(ctx context.Context, cookies []session.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toProto(c))
	}
	if len(params) == 0 {
		return nil
	}
	if err := s.page.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// Close tears down the browser and, if launched here, the Chromium process.
func (s *Session) Close() error {
	var err error
	if s.browser != nil {
		err = s.browser.Close()
		s.browser = nil
	}
	s.cleanupLauncher()
	return err
}

func (s *Session) cleanupLauncher() {
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher.Cleanup()
		s.launcher = nil
	}
}

func toProto(c session.Cookie) *proto.NetworkCookieParam {
	p := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if c.Expires > 0 {
		p.Expires = proto.TimeSinceEpoch(c.Expires)
	}
	switch session.NormalizeSameSite(c.SameSite) {
	case session.SameSiteStrict:
		p.SameSite = proto.NetworkCookieSameSiteStrict
	case session.SameSiteLax:
		p.SameSite = proto.NetworkCookieSameSiteLax
	case session.SameSiteNone:
		p.SameSite = proto.NetworkCookieSameSiteNone
	}
	return p
}

func fromProto(c *proto.NetworkCookie) session.Cookie {
	return session.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  float64(c.Expires),
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: session.NormalizeSameSite(string(c.SameSite)),
	}
}
