package renewer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mcrenew/internal/auth"
	"mcrenew/internal/browser/browsertest"
	"mcrenew/internal/session"
	"mcrenew/internal/trigger"
	"mcrenew/pkg/clock"
	logx "mcrenew/pkg/logx"
)

var start = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type slot struct {
	mu      sync.Mutex
	pending *trigger.Signal
}

func (s *slot) put(sig trigger.Signal) {
	s.mu.Lock()
	s.pending = &sig
	s.mu.Unlock()
}

func (s *slot) TryConsume(ctx context.Context) (*trigger.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig := s.pending
	s.pending = nil
	return sig, sig != nil
}

type fakeAuth struct {
	restore      []bool // per call; the last value repeats
	restoreErr   error
	restoreCalls int
	login        bool
	loginCalls   int
}

func (f *fakeAuth) RestoreFromStore(ctx context.Context) (bool, error) {
	n := f.restoreCalls
	f.restoreCalls++
	if f.restoreErr != nil {
		return false, f.restoreErr
	}
	if len(f.restore) == 0 {
		return true, nil
	}
	if n >= len(f.restore) {
		n = len(f.restore) - 1
	}
	return f.restore[n], nil
}

func (f *fakeAuth) WaitForManualLogin(ctx context.Context) (bool, error) {
	f.loginCalls++
	return f.login, nil
}

type harness struct {
	t      *testing.T
	clk    *clock.Fake
	b      *browsertest.Fake
	a      *fakeAuth
	slot   *slot
	dir    string
	clicks []time.Duration
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:    t,
		clk:  clock.NewFake(start),
		b:    &browsertest.Fake{},
		a:    &fakeAuth{},
		slot: &slot{},
		dir:  filepath.Join(t.TempDir(), "screenshots"),
	}
}

// run starts the scheduler and cancels it once stopAfter clicks have been seen.
func (h *harness) run(interval time.Duration, stopAfter int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.b.OnClick = func(n int) {
		h.clicks = append(h.clicks, h.clk.Now().Sub(start))
		if len(h.clicks) >= stopAfter {
			cancel()
		}
	}
	s := New(h.b, h.a, h.slot, Config{Interval: interval, SnapshotDir: h.dir},
		WithClock(h.clk), WithLogger(logx.Nop()))
	return s.Run(ctx)
}

// at queues sig when the fake clock reaches elapsed, once, during the wait
// window that follows click number afterClicks.
func (h *harness) at(elapsed time.Duration, afterClicks int, sig func(now time.Time) trigger.Signal) {
	fired := false
	h.clk.OnAfter(func(now time.Time) {
		if fired || len(h.clicks) != afterClicks || now.Sub(start) != elapsed {
			return
		}
		fired = true
		h.slot.put(sig(now))
	})
}

func intp(v int) *int { return &v }

func TestRenewNowResetsWaitWindow(t *testing.T) {
	h := newHarness(t)
	h.at(14*time.Minute, 1, func(now time.Time) trigger.Signal {
		return trigger.Signal{ID: "t1", Action: trigger.ActionRenewNow, Timestamp: now}
	})

	if err := h.run(15*time.Minute, 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []time.Duration{0, 14 * time.Minute, 29 * time.Minute}
	assertClicks(t, h.clicks, want)
}

func TestRenewDelayedFromNow(t *testing.T) {
	h := newHarness(t)
	h.at(2*time.Minute, 1, func(now time.Time) trigger.Signal {
		return trigger.Signal{ID: "t1", Action: trigger.ActionRenewDelayed, DelayMinutes: intp(3), Timestamp: now}
	})

	if err := h.run(15*time.Minute, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 2 + 3, not 2 + 15
	assertClicks(t, h.clicks, []time.Duration{0, 5 * time.Minute})
}

func TestRenewDelayedAlreadyElapsedFiresImmediately(t *testing.T) {
	h := newHarness(t)
	// Requested at minute 8 for one minute later, but only picked up at minute 10.
	h.at(10*time.Minute, 1, func(now time.Time) trigger.Signal {
		return trigger.Signal{ID: "t1", Action: trigger.ActionRenewDelayed, DelayMinutes: intp(1), Timestamp: start.Add(8 * time.Minute)}
	})

	if err := h.run(15*time.Minute, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertClicks(t, h.clicks, []time.Duration{0, 10 * time.Minute})
}

func TestSnapshotTriggerKeepsSchedule(t *testing.T) {
	h := newHarness(t)
	h.at(time.Minute, 1, func(now time.Time) trigger.Signal {
		return trigger.Signal{ID: "t1", Action: trigger.ActionSnapshot, Timestamp: now}
	})

	if err := h.run(15*time.Minute, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertClicks(t, h.clicks, []time.Duration{0, 15 * time.Minute})

	list, err := ListSnapshots(h.dir)
	if err != nil {
		t.Fatal(err)
	}
	var manual int
	for _, s := range list {
		if strings.HasPrefix(s.Name, "manual_") {
			manual++
		}
	}
	if manual != 1 {
		t.Fatalf("manual snapshots = %d, want 1 (%v)", manual, list)
	}
}

func TestRetentionKeepsNewest50(t *testing.T) {
	h := newHarness(t)
	if err := h.run(time.Minute, 61); err != nil {
		t.Fatalf("Run: %v", err)
	}
	list, err := ListSnapshots(h.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 50 {
		t.Fatalf("kept %d snapshots, want 50", len(list))
	}
	for i := 0; i < 10; i++ {
		name := "renew_" + start.Add(time.Duration(i)*time.Minute).Format(snapshotLayout) + ".png"
		if _, err := os.Stat(filepath.Join(h.dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should have been pruned", name)
		}
	}
	newest := "renew_" + start.Add(59*time.Minute).Format(snapshotLayout) + ".png"
	if list[0].Name != newest {
		t.Fatalf("newest = %s, want %s", list[0].Name, newest)
	}
}

func TestPruneSnapshotsPerKind(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		if _, err := WriteSnapshot(dir, "renew", start.Add(time.Duration(i)*time.Minute), []byte("png")); err != nil {
			t.Fatal(err)
		}
	}
	// A later burst of operator snapshots.
	for i := 0; i < 6; i++ {
		if _, err := WriteSnapshot(dir, "manual", start.Add(time.Hour+time.Duration(i)*time.Second), []byte("png")); err != nil {
			t.Fatal(err)
		}
	}
	n, err := PruneSnapshots(dir, 3)
	if err != nil || n != 4 {
		t.Fatalf("PruneSnapshots = %d, %v; want 4 removed", n, err)
	}
	list, _ := ListSnapshots(dir)
	kinds := map[string]int{}
	for _, s := range list {
		kinds[SnapshotKind(s.Name)]++
	}
	if kinds["renew"] != 3 || kinds["manual"] != 3 {
		t.Fatalf("kept %v, want 3 of each", kinds)
	}
	if _, err := os.Stat(filepath.Join(dir, "renew_"+start.Format(snapshotLayout)+".png")); !os.IsNotExist(err) {
		t.Fatal("oldest renew snapshot kept")
	}
}

func TestClickFailureRecoversThroughStoredSession(t *testing.T) {
	h := newHarness(t)
	h.b.Click = func(n int) error {
		if n == 0 {
			return browsertest.Missing(n)
		}
		return nil
	}
	h.a.restore = []bool{true, true}

	if err := h.run(15*time.Minute, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.b.Clicks != 2 || h.a.restoreCalls != 2 {
		t.Fatalf("clicks = %d, restores = %d; want 2, 2", h.b.Clicks, h.a.restoreCalls)
	}
}

func TestSessionExhausted(t *testing.T) {
	h := newHarness(t)
	h.b.Click = browsertest.Missing
	h.a.restore = []bool{true, false}

	var states []State
	s := New(h.b, h.a, h.slot, Config{Interval: 15 * time.Minute, SnapshotDir: h.dir},
		WithClock(h.clk), WithStateHook(func(st State) { states = append(states, st) }))
	err := s.Run(context.Background())
	if !errors.Is(err, ErrSessionExhausted) {
		t.Fatalf("Run err = %v, want ErrSessionExhausted", err)
	}
	if s.State() != Failed || states[len(states)-1] != Failed {
		t.Fatalf("state = %v (%v), want failed", s.State(), states)
	}
	list, _ := ListSnapshots(h.dir)
	if len(list) != 1 || !strings.HasPrefix(list[0].Name, "error_") {
		t.Fatalf("snapshots = %v, want one error snapshot", list)
	}
}

func TestHeadlessWithoutSessionFailsFast(t *testing.T) {
	h := newHarness(t)
	h.a.restore = []bool{false}

	s := New(h.b, h.a, h.slot, Config{Interval: 15 * time.Minute, SnapshotDir: h.dir}, WithClock(h.clk))
	err := s.Run(context.Background())
	if !errors.Is(err, ErrManualSessionRequired) {
		t.Fatalf("Run err = %v, want ErrManualSessionRequired", err)
	}
	if h.a.loginCalls != 0 || h.b.Clicks != 0 {
		t.Fatalf("login calls = %d, clicks = %d; want none", h.a.loginCalls, h.b.Clicks)
	}
	if !h.clk.Now().Equal(start) {
		t.Fatal("fail fast must not wait")
	}
}

func TestManualLoginTimeoutFails(t *testing.T) {
	clk := clock.NewFake(start)
	b := &browsertest.Fake{Present: func(int) bool { return false }}
	store := session.NewStore(filepath.Join(t.TempDir(), "cookies.json"))
	if err := store.Save([]session.Cookie{{Name: "sid", Value: "stale", SameSite: "Lax"}}); err != nil {
		t.Fatal(err)
	}
	a := auth.New(b, store, auth.Config{TargetURL: "https://panel.example.com"}, clk, logx.Nop())

	s := New(b, a, &slot{}, Config{Interval: 15 * time.Minute, AllowManual: true, SnapshotDir: t.TempDir()}, WithClock(clk))
	err := s.Run(context.Background())
	if !errors.Is(err, ErrLoginTimeout) {
		t.Fatalf("Run err = %v, want ErrLoginTimeout", err)
	}
	// 3s settle + probe, then the 300s login window.
	if got := clk.Now().Sub(start); got != 303*time.Second {
		t.Fatalf("elapsed = %v, want 303s", got)
	}
	if b.Clicks != 0 {
		t.Fatal("clicked without a session")
	}
}

func TestManualLoginThenRun(t *testing.T) {
	h := newHarness(t)
	h.a.restore = []bool{false}
	h.a.login = true

	ctx, cancel := context.WithCancel(context.Background())
	h.b.OnClick = func(int) { cancel() }
	s := New(h.b, h.a, h.slot, Config{Interval: 15 * time.Minute, AllowManual: true, SnapshotDir: h.dir}, WithClock(h.clk))
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.a.loginCalls != 1 || h.b.Clicks != 1 {
		t.Fatalf("login calls = %d, clicks = %d", h.a.loginCalls, h.b.Clicks)
	}
}

func TestDelayedDeadline(t *testing.T) {
	now := start.Add(10 * time.Minute)
	tests := []struct {
		name  string
		ts    time.Time
		delay int
		want  time.Time
	}{
		{name: "fresh", ts: now, delay: 3, want: now.Add(3 * time.Minute)},
		{name: "partly elapsed", ts: now.Add(-time.Minute), delay: 3, want: now.Add(2 * time.Minute)},
		{name: "fully elapsed clamps", ts: now.Add(-5 * time.Minute), delay: 1, want: now},
		{name: "zero delay", ts: now, delay: 0, want: now},
		{name: "missing timestamp", ts: time.Time{}, delay: 2, want: now.Add(2 * time.Minute)},
		{name: "future timestamp", ts: now.Add(time.Hour), delay: 2, want: now.Add(2 * time.Minute)},
	}
	for _, tt := range tests {
		sig := trigger.Signal{Action: trigger.ActionRenewDelayed, DelayMinutes: intp(tt.delay), Timestamp: tt.ts}
		if got := DelayedDeadline(sig, now); !got.Equal(tt.want) {
			t.Errorf("%s: DelayedDeadline = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func assertClicks(t *testing.T, got, want []time.Duration) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("clicks at %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("clicks at %v, want %v", got, want)
		}
	}
}
