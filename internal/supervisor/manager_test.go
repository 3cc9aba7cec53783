package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"mcrenew/internal/eventbus"
	"mcrenew/internal/renewer"
	"mcrenew/internal/session"
	"mcrenew/internal/storage"
	"mcrenew/internal/supervisor"
	"mcrenew/internal/supervisor/supervisortest"
	"mcrenew/internal/task"
	"mcrenew/internal/trigger"
	"mcrenew/pkg/clock"
	logx "mcrenew/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t      *testing.T
	root   string
	layout task.Layout
	reg    *task.Registry
	clk    *clock.Fake
	launch *supervisortest.Launcher
	mgr    *supervisor.Manager
}

func newHarness(t *testing.T, opts supervisor.Options, extra ...supervisor.Option) *harness {
	t.Helper()
	root := t.TempDir()
	clk := clock.NewFake(time.Now().UTC().Truncate(time.Second))
	reg, err := task.Open(filepath.Join(root, "tasks.json"), task.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("task.Open: %v", err)
	}
	layout := task.Layout{Root: root}
	opts.Layout = layout
	if opts.StopGrace == 0 {
		opts.StopGrace = 50 * time.Millisecond
	}
	if opts.RestartSettle == 0 {
		opts.RestartSettle = -1
	}
	l := &supervisortest.Launcher{}
	all := append([]supervisor.Option{supervisor.WithClock(clk.Now), supervisor.WithLogger(logx.Nop())}, extra...)
	return &harness{
		t:      t,
		root:   root,
		layout: layout,
		reg:    reg,
		clk:    clk,
		launch: l,
		mgr:    supervisor.New(reg, l, opts, all...),
	}
}

func (h *harness) add(id string, enabled, manual, cookies bool) {
	h.t.Helper()
	if _, err := h.reg.Add(task.Task{
		ID:                   id,
		Name:                 "Server " + id,
		TargetURL:            "https://panel.example.com/server/" + id,
		RenewIntervalMinutes: 15,
		Enabled:              enabled,
		ManualMode:           manual,
	}); err != nil {
		h.t.Fatalf("Add(%s): %v", id, err)
	}
	if cookies {
		if err := session.NewStore(h.layout.CookiesPath(id)).Save([]session.Cookie{{Name: "sid", Value: "v"}}); err != nil {
			h.t.Fatalf("save cookies: %v", err)
		}
	}
}

func TestStartRequiresSessionUnlessManual(t *testing.T) {
	h := newHarness(t, supervisor.Options{RequireSession: true})
	defer h.mgr.StopAll(context.Background())
	h.add("headless", true, false, false)
	h.add("manual", true, true, false)
	ctx := context.Background()

	if err := h.mgr.Start(ctx, "headless"); !errors.Is(err, supervisor.ErrManualSessionRequired) {
		t.Fatalf("Start(headless) err = %v, want ErrManualSessionRequired", err)
	}
	if h.launch.Count() != 0 {
		t.Fatal("launched a task without a session")
	}
	h.add("emptied", true, false, false)
	if err := os.MkdirAll(filepath.Dir(h.layout.CookiesPath("emptied")), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.layout.CookiesPath("emptied"), []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Start(ctx, "emptied"); !errors.Is(err, supervisor.ErrManualSessionRequired) {
		t.Fatalf("Start(emptied) err = %v, want ErrManualSessionRequired", err)
	}
	if err := h.mgr.Start(ctx, "manual"); err != nil {
		t.Fatalf("Start(manual): %v", err)
	}
	if got := h.launch.Launched(); len(got) != 1 || got[0] != "manual" {
		t.Fatalf("launched = %v", got)
	}
}

func TestStartRefusals(t *testing.T) {
	h := newHarness(t, supervisor.Options{})
	defer h.mgr.StopAll(context.Background())
	h.add("off", false, false, true)
	h.add("on", true, false, true)
	ctx := context.Background()

	if err := h.mgr.Start(ctx, "off"); !errors.Is(err, supervisor.ErrTaskDisabled) {
		t.Fatalf("Start(off) err = %v, want ErrTaskDisabled", err)
	}
	if err := h.mgr.Start(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Start(missing) err = %v, want ErrNotFound", err)
	}
	if err := h.mgr.Start(ctx, "on"); err != nil {
		t.Fatalf("Start(on): %v", err)
	}
	if err := h.mgr.Start(ctx, "on"); !errors.Is(err, supervisor.ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	if h.launch.Count() != 1 {
		t.Fatalf("launches = %d, want 1", h.launch.Count())
	}

	got, _ := h.reg.Get("on")
	if got.LastRun == nil || !got.LastRun.Equal(h.clk.Now()) {
		t.Fatalf("last_run = %v, want %v", got.LastRun, h.clk.Now())
	}
	st, err := h.mgr.Status("on")
	if err != nil || !st.Running || st.PID == 0 || !st.HasSession {
		t.Fatalf("Status = %+v, %v", st, err)
	}
}

func TestReconcileRestartsExitedTask(t *testing.T) {
	h := newHarness(t, supervisor.Options{})
	defer h.mgr.StopAll(context.Background())
	h.add("alpha", true, false, true)
	ctx := context.Background()

	h.mgr.Reconcile(ctx)
	if h.launch.Count() != 1 {
		t.Fatalf("launches after first reconcile = %d, want 1", h.launch.Count())
	}
	h.launch.Last().Exit(2)
	h.clk.Advance(time.Minute)

	h.mgr.Reconcile(ctx)
	if h.launch.Count() != 2 {
		t.Fatalf("launches = %d, want restart", h.launch.Count())
	}
	got, _ := h.reg.Get("alpha")
	if got.LastRun == nil || !got.LastRun.Equal(h.clk.Now()) {
		t.Fatalf("last_run = %v, want %v", got.LastRun, h.clk.Now())
	}
	st, _ := h.mgr.Status("alpha")
	if !st.Running || st.Crashes != 1 || st.LastExitCode == nil || *st.LastExitCode != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestReconcileNeverStartsDisabled(t *testing.T) {
	h := newHarness(t, supervisor.Options{})
	h.add("off", false, false, true)
	h.mgr.Reconcile(context.Background())
	if h.launch.Count() != 0 {
		t.Fatal("disabled task was started")
	}
}

func TestCrashBackoffAndCrashLoopAlert(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	h := newHarness(t, supervisor.Options{
		BackoffMin:         30 * time.Second,
		BackoffMax:         time.Minute,
		CrashWindow:        2 * time.Minute,
		CrashLoopThreshold: 2,
	}, supervisor.WithStore(st), supervisor.WithBus(bus))
	defer h.mgr.StopAll(context.Background())
	h.add("flaky", true, false, true)
	ctx := context.Background()

	h.mgr.Reconcile(ctx)
	h.launch.Last().Exit(1)
	h.clk.Advance(10 * time.Second)
	h.mgr.Reconcile(ctx) // first crash restarts at once
	if h.launch.Count() != 2 {
		t.Fatalf("launches = %d, want 2", h.launch.Count())
	}

	h.launch.Last().Exit(1)
	h.clk.Advance(10 * time.Second)
	h.mgr.Reconcile(ctx) // second quick crash is held back
	if h.launch.Count() != 2 {
		t.Fatalf("launches = %d, want backoff to hold the restart", h.launch.Count())
	}
	status, _ := h.mgr.Status("flaky")
	if status.NextStartAt == nil || status.Crashes != 2 {
		t.Fatalf("status = %+v", status)
	}

	h.clk.Advance(40 * time.Second)
	h.mgr.Reconcile(ctx)
	if h.launch.Count() != 3 {
		t.Fatalf("launches = %d, want restart after backoff", h.launch.Count())
	}

	if _, ok, err := st.GetDedup(ctx, "crashloop:flaky"); err != nil || !ok {
		t.Fatalf("crash loop dedup = %v, %v; want recorded", ok, err)
	}
	sawLoop := false
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.TaskCrashLoop && ev.Data.TaskID == "flaky" {
			sawLoop = true
		}
	}
	if !sawLoop {
		t.Fatal("no crash loop event published")
	}
}

func TestHealthyRunResetsCrashCount(t *testing.T) {
	h := newHarness(t, supervisor.Options{CrashWindow: time.Minute, BackoffMin: time.Hour})
	defer h.mgr.StopAll(context.Background())
	h.add("alpha", true, false, true)
	ctx := context.Background()

	h.mgr.Reconcile(ctx)
	for i := 0; i < 3; i++ {
		h.launch.Last().Exit(1)
		h.clk.Advance(5 * time.Minute)
		h.mgr.Reconcile(ctx)
	}
	if h.launch.Count() != 4 {
		t.Fatalf("launches = %d, want every long run restarted at once", h.launch.Count())
	}
	if st, _ := h.mgr.Status("alpha"); st.Crashes != 1 {
		t.Fatalf("crashes = %d, want 1", st.Crashes)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	h := newHarness(t, supervisor.Options{StopGrace: 20 * time.Millisecond})
	h.launch.IgnoreTerm = true
	h.add("stubborn", true, false, true)
	ctx := context.Background()

	if err := h.mgr.Start(ctx, "stubborn"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.mgr.Stop(ctx, "stubborn"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	terms, kills := h.launch.Last().Signals()
	if terms != 1 || kills != 1 {
		t.Fatalf("signals = %d TERM, %d KILL; want 1, 1", terms, kills)
	}
	if err := h.mgr.Stop(ctx, "stubborn"); !errors.Is(err, supervisor.ErrNotRunning) {
		t.Fatalf("second Stop err = %v, want ErrNotRunning", err)
	}
}

func TestRestartStartsFreshProcess(t *testing.T) {
	h := newHarness(t, supervisor.Options{})
	defer h.mgr.StopAll(context.Background())
	h.add("alpha", true, false, true)
	ctx := context.Background()

	if err := h.mgr.Start(ctx, "alpha"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := h.launch.Last()
	if err := h.mgr.Restart(ctx, "alpha"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if first.Alive() {
		t.Fatal("old process still alive after restart")
	}
	if h.launch.Count() != 2 || !h.launch.Last().Alive() {
		t.Fatal("restart did not launch a new process")
	}
}

func TestUpdateRestartsOnlyForRuntimeFields(t *testing.T) {
	h := newHarness(t, supervisor.Options{})
	defer h.mgr.StopAll(context.Background())
	h.add("alpha", true, false, true)
	ctx := context.Background()

	if err := h.mgr.Start(ctx, "alpha"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	name := "Renamed"
	if _, err := h.mgr.Update(ctx, "alpha", task.Patch{Name: &name}); err != nil {
		t.Fatalf("Update(name): %v", err)
	}
	if h.launch.Count() != 1 {
		t.Fatalf("launches after rename = %d, want 1", h.launch.Count())
	}
	interval := 30
	if _, err := h.mgr.Update(ctx, "alpha", task.Patch{RenewIntervalMinutes: &interval}); err != nil {
		t.Fatalf("Update(interval): %v", err)
	}
	if h.launch.Count() != 2 || !h.launch.Last().Alive() {
		t.Fatalf("launches after interval change = %d, want restart", h.launch.Count())
	}
}

func TestDeleteStopsThenRemoves(t *testing.T) {
	h := newHarness(t, supervisor.Options{})
	h.add("alpha", true, false, true)
	ctx := context.Background()

	if err := h.mgr.Start(ctx, "alpha"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := h.launch.Last()
	if err := h.mgr.Delete(ctx, "alpha"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if proc.Alive() {
		t.Fatal("process survived delete")
	}
	if _, err := h.reg.Get("alpha"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
	if err := h.mgr.Delete(ctx, "alpha"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestDisableStopsAndReconcileStopsStrays(t *testing.T) {
	h := newHarness(t, supervisor.Options{StopDisabled: true})
	h.add("alpha", true, false, true)
	h.add("beta", true, false, true)
	ctx := context.Background()
	h.mgr.Reconcile(ctx)
	if h.launch.Count() != 2 {
		t.Fatalf("launches = %d, want 2", h.launch.Count())
	}

	if _, err := h.mgr.SetEnabled(ctx, "alpha", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if st, _ := h.mgr.Status("alpha"); st.Running || st.Enabled {
		t.Fatalf("alpha status after disable = %+v", st)
	}

	// An edit that bypasses the supervisor (e.g. the CLI) is caught on the next tick.
	off := false
	if _, err := h.reg.Update("beta", task.Patch{Enabled: &off}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	h.mgr.Reconcile(ctx)
	if st, _ := h.mgr.Status("beta"); st.Running {
		t.Fatal("reconcile left a disabled task running")
	}
}

func TestTriggerNeedsRunningTask(t *testing.T) {
	h := newHarness(t, supervisor.Options{})
	defer h.mgr.StopAll(context.Background())
	h.add("alpha", true, false, true)
	ctx := supervisor.WithSource(context.Background(), "api")

	if _, err := h.mgr.Trigger(ctx, "alpha", trigger.ActionSnapshot, nil); !errors.Is(err, supervisor.ErrNotRunning) {
		t.Fatalf("Trigger on stopped task err = %v, want ErrNotRunning", err)
	}
	if err := h.mgr.Start(ctx, "alpha"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	delay := 5
	sig, err := h.mgr.Trigger(ctx, "alpha", trigger.ActionRenewDelayed, &delay)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if sig.ID == "" || sig.Timestamp.IsZero() {
		t.Fatalf("signal = %+v", sig)
	}
	if st, _ := h.mgr.Status("alpha"); !st.PendingTrigger {
		t.Fatal("trigger not pending in status")
	}
}

func TestAddSeedsCookies(t *testing.T) {
	h := newHarness(t, supervisor.Options{RequireSession: true})
	defer h.mgr.StopAll(context.Background())
	ctx := context.Background()

	_, err := h.mgr.Add(ctx, task.Task{
		ID:                   "gamma",
		Name:                 "Gamma",
		TargetURL:            "https://panel.example.com/server/gamma",
		RenewIntervalMinutes: 10,
		Enabled:              true,
	}, []session.Cookie{{Name: "sid", Value: "seed", SameSite: "lax"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	cookies, err := session.NewStore(h.layout.CookiesPath("gamma")).Load()
	if err != nil || len(cookies) != 1 || cookies[0].SameSite != session.SameSiteLax {
		t.Fatalf("stored cookies = %+v, %v", cookies, err)
	}
	if err := h.mgr.Start(ctx, "gamma"); err != nil {
		t.Fatalf("Start with seeded cookies: %v", err)
	}
}

func TestRunStopsTasksOnShutdown(t *testing.T) {
	h := newHarness(t, supervisor.Options{ReconcileEvery: time.Hour})
	h.add("alpha", true, false, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.launch.Count() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("Run did not start the task")
		}
		time.Sleep(5 * time.Millisecond)
	}
	proc := h.launch.Last()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if proc.Alive() {
		t.Fatal("task process left running after shutdown")
	}
}

func TestMaintainPrunesSnapshotsAndAudit(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	h := newHarness(t, supervisor.Options{Retention: 2, AuditRetention: 24 * time.Hour}, supervisor.WithStore(st))
	h.add("alpha", false, false, true)
	ctx := context.Background()

	dir := h.layout.ScreenshotsDir("alpha")
	for i := 0; i < 5; i++ {
		if _, err := renewer.WriteSnapshot(dir, "renew", h.clk.Now().Add(time.Duration(i)*time.Minute), []byte("png")); err != nil {
			t.Fatalf("WriteSnapshot: %v", err)
		}
	}
	for i, age := range []time.Duration{48 * time.Hour, time.Hour} {
		e := storage.AuditEntry{ID: fmt.Sprint(i), At: h.clk.Now().Add(-age), Source: "api", Action: "start", TaskID: "alpha", OK: true}
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	h.mgr.Maintain()

	snaps, err := renewer.ListSnapshots(dir)
	if err != nil || len(snaps) != 2 {
		t.Fatalf("snapshots after maintain = %d, %v; want 2", len(snaps), err)
	}
	audit, err := st.RecentAudit(ctx, "alpha", 10)
	if err != nil || len(audit) != 1 || audit[0].ID != "1" {
		t.Fatalf("audit after maintain = %+v, %v", audit, err)
	}
}
