// Package supervisortest provides an in-memory process launcher for tests
// of code built on the task supervisor.
package supervisortest

import (
	"context"
	"sync"

	"mcrenew/internal/supervisor"
	"mcrenew/internal/task"
)

// Process is a fake task process. It runs until Exit, Terminate or Kill.
type Process struct {
	pid  int
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	code       int
	ignoreTerm bool
	terms      int
	kills      int
}

func newProcess(pid int, ignoreTerm bool) *Process {
	return &Process{pid: pid, done: make(chan struct{}), code: -1, ignoreTerm: ignoreTerm}
}

// Exit finishes the process with code. Later calls are no-ops.
func (p *Process) Exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *Process) PID() int              { return p.pid }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terms++
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.Exit(0)
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.Exit(-1)
	return nil
}

func (p *Process) Stats() (supervisor.ProcStats, bool) { return supervisor.ProcStats{}, false }

// Signals returns how many SIGTERMs and SIGKILLs the process received.
func (p *Process) Signals() (terms, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms, p.kills
}

// Launcher records every launch and hands out fake processes.
type Launcher struct {
	// Err fails every launch when set.
	Err error
	// IgnoreTerm makes new processes survive SIGTERM.
	IgnoreTerm bool

	mu    sync.Mutex
	procs []*Process
	ids   []string
}

func (l *Launcher) Launch(_ context.Context, t task.Task) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	p := newProcess(1000+len(l.procs), l.IgnoreTerm)
	l.procs = append(l.procs, p)
	l.ids = append(l.ids, t.ID)
	return p, nil
}

// Count is the number of successful launches.
func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Last returns the most recent process, or nil.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Launched returns the task ids in launch order.
func (l *Launcher) Launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}
