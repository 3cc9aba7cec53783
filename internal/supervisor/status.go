package supervisor

import (
	"time"

	"mcrenew/internal/task"
)

// Status is the operator view of one task: its registry record plus the
// live process state.
type Status struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	TargetURL            string     `json:"target_url"`
	RenewIntervalMinutes int        `json:"renew_interval_minutes"`
	Enabled              bool       `json:"enabled"`
	ManualMode           bool       `json:"manual_mode"`
	CreatedAt            time.Time  `json:"created_at"`
	LastRun              *time.Time `json:"last_run"`

	Running   bool       `json:"running"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Stats     *ProcStats `json:"stats,omitempty"`

	HasSession     bool       `json:"has_session"`
	PendingTrigger bool       `json:"pending_trigger"`
	Crashes        int        `json:"crashes,omitempty"`
	LastExitCode   *int       `json:"last_exit_code,omitempty"`
	NextStartAt    *time.Time `json:"next_start_at,omitempty"`
}

// Status reports one task.
func (m *Manager) Status(id string) (Status, error) {
	t, err := m.reg.Get(id)
	if err != nil {
		return Status{}, err
	}
	return m.status(t), nil
}

// StatusAll reports every task, sorted by id.
func (m *Manager) StatusAll() []Status {
	tasks := m.reg.List()
	out := make([]Status, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, m.status(t))
	}
	return out
}

func (m *Manager) status(t task.Task) Status {
	st := Status{
		ID:                   t.ID,
		Name:                 t.Name,
		TargetURL:            t.TargetURL,
		RenewIntervalMinutes: t.RenewIntervalMinutes,
		Enabled:              t.Enabled,
		ManualMode:           t.ManualMode,
		CreatedAt:            t.CreatedAt,
		LastRun:              t.LastRun,
		HasSession:           m.sessionStore(t.ID).Exists(),
		PendingTrigger:       m.mailbox(t.ID).Pending(),
	}

	m.mu.Lock()
	h := m.procs[t.ID]
	if cs := m.crashes[t.ID]; cs != nil {
		st.Crashes = cs.consecutive
		code := cs.lastExit
		st.LastExitCode = &code
		if cs.nextStart.After(m.now()) {
			next := cs.nextStart
			st.NextStartAt = &next
		}
	}
	m.mu.Unlock()

	if h != nil && h.proc.Alive() {
		st.Running = true
		st.PID = h.proc.PID()
		started := h.startedAt
		st.StartedAt = &started
		if ps, ok := h.proc.Stats(); ok {
			st.Stats = &ps
		}
	}
	return st
}
