package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"mcrenew/internal/task"
)

// EnvSupervised marks a task process spawned by the supervisor. The child
// uses it to log to its task log only.
const EnvSupervised = "MCRENEW_SUPERVISED"

// Launcher starts one task process.
type Launcher interface {
	Launch(ctx context.Context, t task.Task) (Process, error)
}

// Process is a running (or finished) task process.
type Process interface {
	PID() int
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed; -1 means killed by a signal.
	ExitCode() int
	Alive() bool
	Terminate() error
	Kill() error
	Stats() (ProcStats, bool)
}

// ProcStats is a point-in-time resource sample of a task process.
type ProcStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// ExecLauncher re-executes the mcrenew binary as `run --task-id <id>` with
// stdout and stderr appended to the task log.
type ExecLauncher struct {
	// Executable defaults to os.Executable().
	Executable string
	// ConfigPath is forwarded as --config when set.
	ConfigPath string
	// RegistryPath is forwarded as --registry when set.
	RegistryPath string
	Layout       task.Layout
	Env          []string
}

func (l *ExecLauncher) Launch(_ context.Context, t task.Task) (Process, error) {
	exe := l.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		exe = self
	}

	logPath := l.Layout.LogPath(t.ID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open task log: %w", err)
	}

	args := []string{"run", "--task-id", t.ID}
	if l.ConfigPath != "" {
		args = append(args, "--config", l.ConfigPath)
	}
	if l.RegistryPath != "" {
		args = append(args, "--registry", l.RegistryPath)
	}

	// The child must outlive the request that started it, so no CommandContext.
	cmd := exec.Command(exe, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(append(os.Environ(), EnvSupervised+"=1"), l.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("start task process: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{}), exitCode: -1}
	go func() {
		_ = cmd.Wait()
		_ = out.Close()
		p.mu.Lock()
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	ps       *process.Process
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Alive is false once the process has been reaped, and also when the pid
// is gone from the process table even though Wait has not returned yet.
func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	ok, err := process.PidExists(int32(p.PID()))
	if err != nil {
		return true
	}
	return ok
}

func (p *execProcess) Terminate() error { return p.signal(syscall.SIGTERM) }
func (p *execProcess) Kill() error      { return p.signal(syscall.SIGKILL) }

func (p *execProcess) signal(sig syscall.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Stats() (ProcStats, bool) {
	if !p.Alive() {
		return ProcStats{}, false
	}
	p.mu.Lock()
	if p.ps == nil {
		ps, err := process.NewProcess(int32(p.PID()))
		if err != nil {
			p.mu.Unlock()
			return ProcStats{}, false
		}
		p.ps = ps
	}
	ps := p.ps
	p.mu.Unlock()

	var st ProcStats
	if mem, err := ps.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := ps.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	return st, true
}
