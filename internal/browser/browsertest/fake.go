// Package browsertest provides an in-memory browser for tests of the
// authentication and renew logic.
package browsertest

import (
	"context"
	"sync"
	"time"

	"mcrenew/internal/browser"
	"mcrenew/internal/session"
)

// PNG is the payload returned by Fake.Snapshot.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// Fake records every call. Zero value: the renew control is always present,
// clicks succeed and snapshots work.
type Fake struct {
	mu sync.Mutex

	// Present decides the n-th (0-based) RenewControlPresent result.
	Present func(n int) bool
	// Click decides the n-th ClickRenew result. Return browser.ErrRenewControlMissing
	// to simulate a lapsed session.
	Click func(n int) error
	// OnClick runs after every successful click.
	OnClick func(n int)

	Jar         []session.Cookie // returned by Cookies
	CookiesErr  error
	SnapshotErr error
	NavigateErr error

	Injected    []session.Cookie
	Navigations []string
	Probes      int
	Clicks      int
	Snapshots   int
	Closed      bool
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Navigations = append(f.Navigations, url)
	return f.NavigateErr
}

func (f *Fake) RenewControlPresent(ctx context.Context, timeout time.Duration) bool {
	f.mu.Lock()
	n := f.Probes
	f.Probes++
	fn := f.Present
	f.mu.Unlock()
	if fn == nil {
		return true
	}
	return fn(n)
}

func (f *Fake) ClickRenew(ctx context.Context) error {
	f.mu.Lock()
	n := f.Clicks
	f.Clicks++
	fn, after := f.Click, f.OnClick
	f.mu.Unlock()
	if fn != nil {
		if err := fn(n); err != nil {
			return err
		}
	}
	if after != nil {
		after(n)
	}
	return nil
}

func (f *Fake) Snapshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SnapshotErr != nil {
		return nil, f.SnapshotErr
	}
	f.Snapshots++
	return PNG, nil
}

func (f *Fake) Cookies(ctx context.Context) ([]session.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CookiesErr != nil {
		return nil, f.CookiesErr
	}
	return append([]session.Cookie(nil), f.Jar...), nil
}

func (f *Fake) SetCookies(ctx context.Context, cookies []session.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Injected = append([]session.Cookie(nil), cookies...)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Missing is a Click func that always fails like an expired session.
func Missing(int) error { return browser.ErrRenewControlMissing }
