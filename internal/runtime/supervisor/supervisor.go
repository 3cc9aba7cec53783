package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "mcrenew/pkg/logx"
)

// stableRun is how long a restarted loop must survive before its backoff
// starts over.
const stableRun = 30 * time.Second

// Supervisor runs named goroutines under one cancellable context. Panics are
// recovered and reported as errors; the first error is kept for Wait.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	mu       sync.Mutex
	firstErr error
	done     chan struct{}
	waitOnce sync.Once
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failing goroutine cancel all others.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{log: logx.Nop(), done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) fail(name string, err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = fmt.Errorf("%s: %w", name, err)
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// call runs fn, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) spawn(body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		body()
	}()
}

// Go runs fn once. A non-nil error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.log.Debug("goroutine started", logx.String("name", name))
		defer s.log.Debug("goroutine stopped", logx.String("name", name))
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(name, err)
		}
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type restartCfg struct {
	min, max time.Duration
}

type RestartOption func(*restartCfg)

// WithRestartBackoff sets the delay range between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.min = min
		}
		if max > 0 {
			c.max = max
		}
	}
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after errors and panics with jittered exponential backoff. Failures are
// logged, never recorded, so a flapping loop does not stop its siblings.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	bo := NewBackoff(cfg.min, cfg.max)

	s.spawn(func() {
		for s.ctx.Err() == nil {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if time.Since(began) >= stableRun {
				bo.Reset()
			}
			wait := bo.Next()
			s.log.Warn("goroutine restarting",
				logx.String("name", name),
				logx.Int("attempt", bo.Attempts()),
				logx.Duration("backoff", wait),
				logx.Err(err),
			)
			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// Stop cancels the context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends, and returns
// the first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
