package supervisor

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"mcrenew/internal/renewer"
	rtsup "mcrenew/internal/runtime/supervisor"
	logx "mcrenew/pkg/logx"
	"mcrenew/pkg/systemd"
)

// Reconcile brings the process table in line with the registry:
// dead handles are reaped, enabled tasks without a process are started
// (subject to crash backoff), disabled or removed tasks are stopped.
func (m *Manager) Reconcile(ctx context.Context) {
	m.ops.Lock()
	defer m.ops.Unlock()

	if changed, err := m.reg.Reload(); err != nil {
		m.log.Warn("registry reload failed; using last good state", logx.Err(err))
	} else if changed {
		m.log.Info("registry changed on disk")
	}

	tasks := m.reg.List()
	known := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		known[t.ID] = struct{}{}

		h := m.handle(t.ID)
		if h != nil && !h.proc.Alive() {
			m.reap(t.ID, h)
			h = nil
		}

		if !t.Enabled {
			if h != nil && m.opts.StopDisabled {
				if err := m.stopLocked(ctx, t.ID, "disabled"); err != nil {
					m.log.Warn("stop disabled task failed", logx.String("task", t.ID), logx.Err(err))
				}
			}
			continue
		}
		if h != nil {
			continue
		}
		if wait := m.restartDelay(t.ID); wait > 0 {
			m.log.Debug("task held back by crash backoff", logx.String("task", t.ID), logx.Duration("remaining", wait))
			continue
		}
		if err := m.startLocked(ctx, t); err != nil {
			if errors.Is(err, ErrManualSessionRequired) {
				m.log.Warn("task not started: log in first", logx.String("task", t.ID))
				continue
			}
			m.log.Error("task start failed", logx.String("task", t.ID), logx.Err(err))
		}
	}

	m.mu.Lock()
	var orphans []string
	for id := range m.procs {
		if _, ok := known[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(orphans)
	for _, id := range orphans {
		if err := m.stopLocked(ctx, id, "removed from registry"); err != nil {
			m.log.Warn("stop removed task failed", logx.String("task", id), logx.Err(err))
		}
		m.clearCrashes(id)
	}
}

// Maintain prunes every task's snapshot directory to the retention limit
// and drops audit entries older than AuditRetention.
func (m *Manager) Maintain() {
	keep := m.opts.Retention
	if keep <= 0 {
		keep = renewer.DefaultRetention
	}
	total := 0
	for _, t := range m.reg.List() {
		n, err := renewer.PruneSnapshots(m.opts.Layout.ScreenshotsDir(t.ID), keep)
		if err != nil {
			m.log.Warn("snapshot prune failed", logx.String("task", t.ID), logx.Err(err))
		}
		total += n
	}
	if total > 0 {
		m.log.Info("snapshots pruned", logx.Int("removed", total))
	}

	if m.store == nil || m.opts.AuditRetention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := m.store.PruneAudit(ctx, m.now().Add(-m.opts.AuditRetention))
	if err != nil {
		m.log.Warn("audit prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		m.log.Info("audit pruned", logx.Int("removed", n))
	}
}

// Run reconciles once, then on every tick until ctx is done, and stops all
// task processes before returning.
func (m *Manager) Run(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log))
	runCtx := sup.Context()

	clog := cronLogger{log: m.log}
	c := cron.New(cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	if _, err := c.AddFunc("@every "+m.opts.ReconcileEvery.String(), func() { m.Reconcile(runCtx) }); err != nil {
		sup.Cancel()
		return err
	}
	if m.opts.Maintenance != "" {
		if _, err := c.AddFunc(m.opts.Maintenance, m.Maintain); err != nil {
			sup.Cancel()
			return err
		}
	}

	m.Reconcile(runCtx)
	c.Start()

	sup.GoRestart("registry-watch", func(ctx context.Context) error {
		return m.reg.Watch(ctx, func() { m.Reconcile(ctx) })
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if m.opts.Systemd {
		if _, err := systemd.Ready(); err != nil {
			m.log.Warn("sd_notify READY failed", logx.Err(err))
		}
		if every := systemd.WatchdogInterval(); every > 0 {
			sup.Go0("watchdog", func(ctx context.Context) { systemd.Watchdog(ctx, every, nil) })
		}
	}
	m.log.Info("supervisor running",
		logx.Int("tasks", len(m.reg.List())),
		logx.Duration("reconcile_every", m.opts.ReconcileEvery),
	)

	<-ctx.Done()

	if m.opts.Systemd {
		_, _ = systemd.Stopping()
	}
	m.log.Info("supervisor stopping")
	<-c.Stop().Done()
	sup.Cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*m.opts.StopGrace)
	defer cancel()
	m.StopAll(stopCtx)
	if err := sup.Wait(stopCtx); err != nil {
		m.log.Warn("supervisor goroutines did not exit in time", logx.Err(err))
	}
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
