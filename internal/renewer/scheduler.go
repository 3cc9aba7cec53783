// Package renewer runs the renew loop of a single task process: bootstrap a
// session, click the renew control on a fixed cadence and react to operator
// triggers while waiting.
package renewer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mcrenew/internal/trigger"
	"mcrenew/pkg/clock"
	logx "mcrenew/pkg/logx"
)

var (
	// ErrSessionExhausted means a renew failed and the stored session could
	// not be restored either.
	ErrSessionExhausted = errors.New("session exhausted")
	// ErrLoginTimeout means nobody completed the manual login in time.
	ErrLoginTimeout = errors.New("manual login timed out")
	// ErrManualSessionRequired means there is no usable session and the
	// process may not wait for a human (headless multi-task mode).
	ErrManualSessionRequired = errors.New("manual session required")
)

type State int

const (
	Bootstrapping State = iota
	AwaitingManualLogin
	Running
	Waiting
	Failed
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "bootstrapping"
	case AwaitingManualLogin:
		return "awaiting_manual_login"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Browser is what the loop needs from the browser session.
type Browser interface {
	ClickRenew(ctx context.Context) error
	Snapshot(ctx context.Context) ([]byte, error)
}

type Authenticator interface {
	RestoreFromStore(ctx context.Context) (bool, error)
	WaitForManualLogin(ctx context.Context) (bool, error)
}

type Triggers interface {
	TryConsume(ctx context.Context) (*trigger.Signal, bool)
}

type Config struct {
	Interval    time.Duration
	WaitStep    time.Duration // default 5s
	Retention   int           // default 50
	SnapshotDir string
	AllowManual bool // interactive run or task in manual mode
}

type Scheduler struct {
	browser  Browser
	auth     Authenticator
	triggers Triggers
	cfg      Config

	clock   clock.Clock
	log     logx.Logger
	wake    <-chan struct{}
	onState func(State)

	state    State
	renewals int
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option      { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l logx.Logger) Option     { return func(s *Scheduler) { s.log = l } }
func WithStateHook(fn func(State)) Option { return func(s *Scheduler) { s.onState = fn } }

// WithWake makes the wait loop check for triggers as soon as wake fires
// instead of at the end of the current step.
func WithWake(wake <-chan struct{}) Option { return func(s *Scheduler) { s.wake = wake } }

func New(b Browser, a Authenticator, tr Triggers, cfg Config, opts ...Option) *Scheduler {
	if cfg.WaitStep <= 0 {
		cfg.WaitStep = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	s := &Scheduler{
		browser:  b,
		auth:     a,
		triggers: tr,
		cfg:      cfg,
		clock:    clock.Real{},
		log:      logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) State() State  { return s.state }
func (s *Scheduler) Renewals() int { return s.renewals }

func (s *Scheduler) setState(st State) {
	if s.state == st && st != Bootstrapping {
		return
	}
	s.state = st
	s.log.Debug("state", logx.String("state", st.String()))
	if s.onState != nil {
		s.onState(st)
	}
}

// Run blocks until ctx is cancelled (nil) or the task fails for good.
// Failures wrap ErrManualSessionRequired, ErrLoginTimeout or
// ErrSessionExhausted; store I/O errors are returned as is.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("renew interval must be > 0 (got %v)", s.cfg.Interval)
	}
	err := s.run(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Info("renew loop stopped", logx.Int("renewals", s.renewals))
		return nil
	}
	if err != nil {
		s.setState(Failed)
	}
	return err
}

func (s *Scheduler) run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	s.log.Info("renew loop started", logx.Duration("interval", s.cfg.Interval))
	for {
		if err := s.renew(ctx); err != nil {
			return err
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

func (s *Scheduler) bootstrap(ctx context.Context) error {
	s.setState(Bootstrapping)
	ok, err := s.auth.RestoreFromStore(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if ok {
		return nil
	}
	if !s.cfg.AllowManual {
		return fmt.Errorf("%w: no valid stored session; run an interactive login first", ErrManualSessionRequired)
	}

	s.setState(AwaitingManualLogin)
	ok, err = s.auth.WaitForManualLogin(ctx)
	if err != nil {
		return fmt.Errorf("manual login: %w", err)
	}
	if !ok {
		return ErrLoginTimeout
	}
	return nil
}

// renew performs one click-renew step, recovering once through the stored
// session if the control is gone.
func (s *Scheduler) renew(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.setState(Running)

	err := s.browser.ClickRenew(ctx)
	if err == nil {
		return s.renewed(ctx)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.log.Warn("renew click failed; restoring session", logx.Err(err))
	s.snapshot(ctx, "error")

	ok, aerr := s.auth.RestoreFromStore(ctx)
	if aerr != nil {
		return fmt.Errorf("restore session: %w", aerr)
	}
	if !ok {
		s.log.Error("session exhausted: renew failed and stored session is no longer valid")
		return fmt.Errorf("%w: %v", ErrSessionExhausted, err)
	}

	s.log.Info("session restored; retrying renew")
	if err := s.browser.ClickRenew(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("renew retry failed; will try again next cycle", logx.Err(err))
		return nil
	}
	return s.renewed(ctx)
}

func (s *Scheduler) renewed(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.renewals++
	s.log.Info("renewed", logx.Int("count", s.renewals))
	s.snapshot(ctx, "renew")
	if n, err := PruneSnapshots(s.cfg.SnapshotDir, s.cfg.Retention); err != nil {
		s.log.Warn("snapshot prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Debug("snapshots pruned", logx.Int("removed", n))
	}
	return nil
}

// wait sleeps in WaitStep increments until the next renew is due, consuming
// at most one trigger after each increment.
func (s *Scheduler) wait(ctx context.Context) error {
	s.setState(Waiting)
	deadline := s.clock.Now().Add(s.cfg.Interval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.clock.Now()
		if !now.Before(deadline) {
			return nil
		}
		step := s.cfg.WaitStep
		if rem := deadline.Sub(now); rem < step {
			step = rem
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-s.clock.After(step):
		}

		sig, ok := s.triggers.TryConsume(ctx)
		if !ok {
			continue
		}
		log := s.log.With(logx.String("trigger", sig.ID), logx.String("action", string(sig.Action)))
		switch sig.Action {
		case trigger.ActionSnapshot:
			log.Info("trigger: snapshot")
			s.snapshot(ctx, "manual")
		case trigger.ActionRenewNow:
			log.Info("trigger: renew now")
			if err := s.renew(ctx); err != nil {
				return err
			}
			s.setState(Waiting)
			deadline = s.clock.Now().Add(s.cfg.Interval)
		case trigger.ActionRenewDelayed:
			now := s.clock.Now()
			deadline = DelayedDeadline(*sig, now)
			log.Info("trigger: renew delayed",
				logx.Duration("delay", sig.Delay()),
				logx.Duration("remaining", deadline.Sub(now)),
			)
		}
	}
}

// DelayedDeadline is when a renew_delayed signal wants the next renew:
// its creation time plus the delay, never earlier than now. A missing or
// future timestamp counts as now.
func DelayedDeadline(sig trigger.Signal, now time.Time) time.Time {
	anchor := sig.Timestamp
	if anchor.IsZero() || anchor.After(now) {
		anchor = now
	}
	at := anchor.Add(sig.Delay())
	if at.Before(now) {
		return now
	}
	return at
}

func (s *Scheduler) snapshot(ctx context.Context, kind string) {
	png, err := s.browser.Snapshot(ctx)
	if err != nil {
		s.log.Warn("snapshot failed", logx.String("kind", kind), logx.Err(err))
		return
	}
	path, err := WriteSnapshot(s.cfg.SnapshotDir, kind, s.clock.Now(), png)
	if err != nil {
		s.log.Warn("snapshot write failed", logx.String("kind", kind), logx.Err(err))
		return
	}
	s.log.Debug("snapshot saved", logx.String("path", path))
}
