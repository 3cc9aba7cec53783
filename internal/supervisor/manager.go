// Package supervisor owns the task processes: one child per enabled task,
// started, stopped and restarted on operator request and reconciled against
// the registry on a fixed tick.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mcrenew/internal/eventbus"
	rtsup "mcrenew/internal/runtime/supervisor"
	"mcrenew/internal/session"
	"mcrenew/internal/storage"
	"mcrenew/internal/task"
	"mcrenew/internal/trigger"
	logx "mcrenew/pkg/logx"
)

var (
	ErrTaskDisabled   = errors.New("task is disabled")
	ErrAlreadyRunning = errors.New("task is already running")
	ErrNotRunning     = errors.New("task is not running")

	// ErrManualSessionRequired means a headless task has no stored session to
	// start from; an operator has to log in (or upload cookies) first.
	ErrManualSessionRequired = errors.New("manual session required")
)

// Options tunes the supervisor. Zero values take the defaults noted.
type Options struct {
	Layout task.Layout

	ReconcileEvery time.Duration // 30s
	StopGrace      time.Duration // 5s
	RestartSettle  time.Duration // 1s
	StopDisabled   bool

	BackoffMin         time.Duration // 30s
	BackoffMax         time.Duration // 30m
	CrashWindow        time.Duration // 2m
	CrashLoopThreshold int           // 3

	// Maintenance is a cron spec for the snapshot and audit sweep; empty disables it.
	Maintenance string
	Retention   int

	// RequireSession refuses to start a non-manual task without cookies.
	RequireSession bool

	// AlertCooldown suppresses repeated crash-loop alerts for one task. 1h.
	AlertCooldown time.Duration

	// AuditRetention is how long audit entries are kept; 0 keeps them forever.
	AuditRetention time.Duration

	// Systemd enables sd_notify READY/STOPPING and watchdog pings.
	Systemd bool
}

func (o Options) withDefaults() Options {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.ReconcileEvery, 30*time.Second)
	def(&o.StopGrace, 5*time.Second)
	def(&o.BackoffMin, 30*time.Second)
	def(&o.BackoffMax, 30*time.Minute)
	def(&o.CrashWindow, 2*time.Minute)
	def(&o.AlertCooldown, time.Hour)
	if o.RestartSettle == 0 {
		o.RestartSettle = time.Second
	}
	if o.CrashLoopThreshold <= 0 {
		o.CrashLoopThreshold = 3
	}
	return o
}

type handle struct {
	proc      Process
	startedAt time.Time
}

type crashState struct {
	consecutive int
	backoff     *rtsup.Backoff
	nextStart   time.Time
	lastExit    int
}

// Manager supervises task processes for one registry.
type Manager struct {
	reg      *task.Registry
	launcher Launcher
	opts     Options

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	now   func() time.Time

	// ops serialises lifecycle operations so reconcile never races an
	// operator start/stop of the same task.
	ops sync.Mutex

	mu      sync.Mutex
	procs   map[string]*handle
	crashes map[string]*crashState
}

type Option func(*Manager)

func WithLogger(l logx.Logger) Option       { return func(m *Manager) { m.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(m *Manager) { m.bus = b } }
func WithStore(s storage.Store) Option      { return func(m *Manager) { m.store = s } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(reg *task.Registry, l Launcher, opts Options, o ...Option) *Manager {
	m := &Manager{
		reg:      reg,
		launcher: l,
		opts:     opts.withDefaults(),
		log:      logx.Nop(),
		bus:      eventbus.Nop(),
		now:      time.Now,
		procs:    map[string]*handle{},
		crashes:  map[string]*crashState{},
	}
	for _, fn := range o {
		fn(m)
	}
	if m.bus == nil {
		m.bus = eventbus.Nop()
	}
	return m
}

func (m *Manager) Registry() *task.Registry { return m.reg }
func (m *Manager) Layout() task.Layout      { return m.opts.Layout }

func (m *Manager) mailbox(id string) *trigger.Mailbox {
	return trigger.NewMailbox(m.opts.Layout.TriggerPath(id), trigger.WithLogger(m.log), trigger.WithClock(m.now))
}

func (m *Manager) sessionStore(id string) *session.Store {
	return session.NewStore(m.opts.Layout.CookiesPath(id))
}

// ---- lifecycle ----

// Start spawns the task process.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	t, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	err = m.startLocked(ctx, t)
	m.operator(ctx, id, "start", err, nil)
	return err
}

func (m *Manager) startLocked(ctx context.Context, t task.Task) error {
	if !t.Enabled {
		return fmt.Errorf("%w: %s", ErrTaskDisabled, t.ID)
	}
	if h := m.handle(t.ID); h != nil {
		if h.proc.Alive() {
			return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, t.ID, h.proc.PID())
		}
		m.reap(t.ID, h)
	}
	if m.opts.RequireSession && !t.ManualMode && !m.sessionStore(t.ID).Exists() {
		return fmt.Errorf("%w: %s has no stored cookies", ErrManualSessionRequired, t.ID)
	}

	proc, err := m.launcher.Launch(ctx, t)
	if err != nil {
		return fmt.Errorf("launch %s: %w", t.ID, err)
	}
	now := m.now()
	m.mu.Lock()
	m.procs[t.ID] = &handle{proc: proc, startedAt: now}
	m.mu.Unlock()

	if err := m.reg.SetLastRun(t.ID, now); err != nil {
		m.log.Warn("last_run update failed", logx.String("task", t.ID), logx.Err(err))
	}
	m.log.Info("task started", logx.String("task", t.ID), logx.Int("pid", proc.PID()))
	m.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: now, Data: eventbus.TaskEvent{TaskID: t.ID, PID: proc.PID()}})
	return nil
}

// Stop terminates the task process. The handle is dropped even if the
// process ignores both signals.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	err := m.stopLocked(ctx, id, "operator")
	m.operator(ctx, id, "stop", err, nil)
	return err
}

func (m *Manager) stopLocked(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	h := m.procs[id]
	delete(m.procs, id)
	m.mu.Unlock()
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	start := m.now()
	log := m.log.With(logx.String("task", id), logx.Int("pid", h.proc.PID()), logx.String("reason", reason))
	select {
	case <-h.proc.Done():
	default:
		if err := h.proc.Terminate(); err != nil {
			log.Warn("SIGTERM failed", logx.Err(err))
		}
		grace := time.NewTimer(m.opts.StopGrace)
		select {
		case <-h.proc.Done():
			grace.Stop()
		case <-grace.C:
			log.Warn("task ignored SIGTERM; killing", logx.Duration("grace", m.opts.StopGrace))
			if err := h.proc.Kill(); err != nil {
				log.Warn("SIGKILL failed", logx.Err(err))
			}
			reap := time.NewTimer(m.opts.StopGrace)
			select {
			case <-h.proc.Done():
			case <-reap.C:
				log.Error("task process did not exit after SIGKILL")
			case <-ctx.Done():
			}
			reap.Stop()
		}
	}

	log.Info("task stopped", logx.Int("exit_code", h.proc.ExitCode()))
	m.bus.Publish(eventbus.Event{Type: eventbus.TaskStopped, Time: m.now(), Data: eventbus.TaskEvent{
		TaskID: id, PID: h.proc.PID(), ExitCode: h.proc.ExitCode(), Took: m.now().Sub(start),
		Meta: map[string]any{"reason": reason},
	}})
	return nil
}

// Restart stops the task if it runs, waits the settle delay and starts it.
func (m *Manager) Restart(ctx context.Context, id string) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	err := m.restartLocked(ctx, id)
	m.operator(ctx, id, "restart", err, nil)
	return err
}

func (m *Manager) restartLocked(ctx context.Context, id string) error {
	t, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	if err := m.stopLocked(ctx, id, "restart"); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if m.opts.RestartSettle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.RestartSettle):
		}
	}
	m.clearCrashes(id)
	return m.startLocked(ctx, t)
}

// StopAll stops every running task. Used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.stopLocked(ctx, id, "shutdown")
		}(id)
	}
	wg.Wait()
}

// ---- registry operations ----

// Add registers a new task and, when cookies are given, seeds its session.
func (m *Manager) Add(ctx context.Context, t task.Task, cookies []session.Cookie) (task.Task, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	if err := t.Validate(); err != nil {
		m.operator(ctx, t.ID, "add", err, nil)
		return task.Task{}, err
	}
	if len(cookies) > 0 {
		if err := m.sessionStore(t.ID).Save(cookies); err != nil {
			err = fmt.Errorf("save cookies: %w", err)
			m.operator(ctx, t.ID, "add", err, nil)
			return task.Task{}, err
		}
	}
	out, err := m.reg.Add(t)
	m.operator(ctx, t.ID, "add", err, map[string]any{"cookies": len(cookies)})
	return out, err
}

// Update applies a patch. A running task is restarted so it picks up the
// new target and interval; disabling it stops it.
func (m *Manager) Update(ctx context.Context, id string, p task.Patch) (task.Task, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	t, err := m.updateLocked(ctx, id, p)
	m.operator(ctx, id, "update", err, nil)
	return t, err
}

func (m *Manager) updateLocked(ctx context.Context, id string, p task.Patch) (task.Task, error) {
	t, err := m.reg.Update(id, p)
	if err != nil {
		return task.Task{}, err
	}
	if m.handle(id) == nil {
		return t, nil
	}
	if !t.Enabled {
		return t, m.stopLocked(ctx, id, "disabled")
	}
	if p.TargetURL == nil && p.RenewIntervalMinutes == nil && p.ManualMode == nil {
		return t, nil
	}
	return t, m.restartLocked(ctx, id)
}

// SetEnabled toggles the task. Disabling stops a running process; enabling
// leaves the start to the next reconcile.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (task.Task, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	t, err := m.reg.Update(id, task.Patch{Enabled: &enabled})
	if err == nil && !enabled && m.handle(id) != nil {
		err = m.stopLocked(ctx, id, "disabled")
	}
	if err == nil && enabled {
		m.clearCrashes(id)
	}
	action := "disable"
	if enabled {
		action = "enable"
	}
	m.operator(ctx, id, action, err, nil)
	return t, err
}

// SetManualMode toggles manual mode and restarts a running task so the new
// mode applies.
func (m *Manager) SetManualMode(ctx context.Context, id string, manual bool) (task.Task, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	t, err := m.updateLocked(ctx, id, task.Patch{ManualMode: &manual})
	m.operator(ctx, id, "manual_mode", err, map[string]any{"manual_mode": manual})
	return t, err
}

// Delete stops the task and removes it from the registry. Task data on
// disk is left for the operator.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	err := m.deleteLocked(ctx, id)
	m.operator(ctx, id, "delete", err, nil)
	return err
}

func (m *Manager) deleteLocked(ctx context.Context, id string) error {
	if _, err := m.reg.Get(id); err != nil {
		return err
	}
	if err := m.stopLocked(ctx, id, "deleted"); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	m.clearCrashes(id)
	return m.reg.Delete(id)
}

// Trigger drops a signal into the task's mailbox. The task must be running.
func (m *Manager) Trigger(ctx context.Context, id string, action trigger.Action, delayMinutes *int) (trigger.Signal, error) {
	sig, err := m.trigger(ctx, id, action, delayMinutes)
	meta := map[string]any{"action": string(action)}
	if delayMinutes != nil {
		meta["delay_minutes"] = *delayMinutes
	}
	m.operator(ctx, id, "trigger", err, meta)
	return sig, err
}

func (m *Manager) trigger(ctx context.Context, id string, action trigger.Action, delayMinutes *int) (trigger.Signal, error) {
	if _, err := m.reg.Get(id); err != nil {
		return trigger.Signal{}, err
	}
	h := m.handle(id)
	if h == nil || !h.proc.Alive() {
		return trigger.Signal{}, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return m.mailbox(id).Send(ctx, trigger.Signal{Action: action, DelayMinutes: delayMinutes})
}

// ---- helpers ----

func (m *Manager) handle(id string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[id]
}

// reap drops a dead handle and books the exit against the crash state.
func (m *Manager) reap(id string, h *handle) {
	m.mu.Lock()
	if m.procs[id] != h {
		m.mu.Unlock()
		return
	}
	delete(m.procs, id)

	now := m.now()
	code := h.proc.ExitCode()
	cs := m.crashes[id]
	if cs == nil {
		cs = &crashState{backoff: rtsup.NewBackoff(m.opts.BackoffMin, m.opts.BackoffMax)}
		m.crashes[id] = cs
	}
	if now.Sub(h.startedAt) >= m.opts.CrashWindow {
		cs.consecutive = 0
		cs.backoff.Reset()
	}
	cs.consecutive++
	cs.lastExit = code
	var delay time.Duration
	if cs.consecutive > 1 {
		delay = cs.backoff.Next()
	}
	cs.nextStart = now.Add(delay)
	crashes := cs.consecutive
	m.mu.Unlock()

	m.log.Warn("task process exited",
		logx.String("task", id),
		logx.Int("pid", h.proc.PID()),
		logx.Int("exit_code", code),
		logx.Duration("ran", now.Sub(h.startedAt)),
		logx.Int("consecutive", crashes),
		logx.Duration("restart_in", delay),
	)
	m.bus.Publish(eventbus.Event{Type: eventbus.TaskExited, Time: now, Data: eventbus.TaskEvent{
		TaskID: id, PID: h.proc.PID(), ExitCode: code, Crashes: crashes,
	}})
	if crashes >= m.opts.CrashLoopThreshold {
		m.crashLoop(id, crashes, code)
	}
}

// crashLoop raises one error-level alert per task per cooldown.
func (m *Manager) crashLoop(id string, crashes, code int) {
	now := m.now()
	m.bus.Publish(eventbus.Event{Type: eventbus.TaskCrashLoop, Time: now, Data: eventbus.TaskEvent{TaskID: id, Crashes: crashes, ExitCode: code}})

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := "crashloop:" + id
		if until, ok, err := m.store.GetDedup(ctx, key); err == nil && ok && now.Before(until) {
			m.log.Warn("task crash loop (alert suppressed)", logx.String("task", id), logx.Int("consecutive", crashes))
			return
		}
		if err := m.store.PutDedup(ctx, key, now.Add(m.opts.AlertCooldown)); err != nil {
			m.log.Warn("crash loop dedup write failed", logx.Err(err))
		}
	}
	m.log.Error("task crash loop",
		logx.String("task", id),
		logx.Int("consecutive", crashes),
		logx.Int("exit_code", code),
	)
}

func (m *Manager) clearCrashes(id string) {
	m.mu.Lock()
	delete(m.crashes, id)
	m.mu.Unlock()
}

// restartDelay is how long the crash backoff still holds the task back.
func (m *Manager) restartDelay(id string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.crashes[id]
	if cs == nil {
		return 0
	}
	if d := cs.nextStart.Sub(m.now()); d > 0 {
		return d
	}
	return 0
}

type sourceKey struct{}

// WithSource tags ctx with the caller kind (cli, api) for the audit log.
func WithSource(ctx context.Context, src string) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "supervisor"
}

func (m *Manager) operator(ctx context.Context, id, action string, err error, meta map[string]any) {
	ev := eventbus.TaskEvent{TaskID: id, Source: sourceFrom(ctx), Action: action, Meta: meta}
	if err != nil {
		ev.Err = err.Error()
		m.log.Warn("operator action failed", logx.String("task", id), logx.String("action", action), logx.Err(err))
	} else {
		m.log.Info("operator action", logx.String("task", id), logx.String("action", action), logx.String("source", ev.Source))
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TaskOperator, Time: m.now(), Data: ev})
}
