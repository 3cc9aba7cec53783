package app

import (
	"context"
	"fmt"
	"os"

	"mcrenew/internal/config"
	"mcrenew/internal/session"
	"mcrenew/internal/task"
	"mcrenew/internal/trigger"
)

// Tasks is the offline view of the registry used by the CLI. A running
// supervisor picks up its edits through the registry watch.
type Tasks struct {
	Registry *task.Registry
	Layout   task.Layout
}

func OpenTasks(configPath, registryPath string) (*Tasks, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if registryPath == "" {
		registryPath = cfg.RegistryPath()
	}
	reg, err := task.Open(registryPath)
	if err != nil {
		return nil, err
	}
	return &Tasks{Registry: reg, Layout: layoutFor(cfg)}, nil
}

// Add validates t, stores cookiesFile (when set) as the task's session and
// then registers the task.
func (ts *Tasks) Add(t task.Task, cookiesFile string) (task.Task, error) {
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	if _, err := ts.Registry.Get(t.ID); err == nil {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrExists, t.ID)
	}
	if cookiesFile != "" {
		raw, err := os.ReadFile(cookiesFile)
		if err != nil {
			return task.Task{}, err
		}
		cookies, err := session.Decode(raw)
		if err != nil {
			return task.Task{}, fmt.Errorf("%w: %s: %v", task.ErrInvalidTask, cookiesFile, err)
		}
		if err := os.MkdirAll(ts.Layout.Dir(t.ID), 0o755); err != nil {
			return task.Task{}, err
		}
		if err := session.NewStore(ts.Layout.CookiesPath(t.ID)).Save(cookies); err != nil {
			return task.Task{}, err
		}
	}
	return ts.Registry.Add(t)
}

func (ts *Tasks) SetEnabled(id string, on bool) (task.Task, error) {
	return ts.Registry.Update(id, task.Patch{Enabled: &on})
}

// Delete drops the registry entry. The task directory is kept.
func (ts *Tasks) Delete(id string) error {
	return ts.Registry.Delete(id)
}

// HasSession reports whether a cookies file exists for id.
func (ts *Tasks) HasSession(id string) bool {
	return session.NewStore(ts.Layout.CookiesPath(id)).Exists()
}

// Trigger writes a signal straight into the task's mailbox. Unlike the
// control API it does not require the task to be running; a stopped task
// consumes the signal on its next start.
func (ts *Tasks) Trigger(ctx context.Context, id string, action trigger.Action, delayMinutes *int) (trigger.Signal, error) {
	if _, err := ts.Registry.Get(id); err != nil {
		return trigger.Signal{}, err
	}
	sig := trigger.Signal{Action: action, DelayMinutes: delayMinutes}
	if err := sig.Validate(); err != nil {
		return trigger.Signal{}, err
	}
	if err := os.MkdirAll(ts.Layout.Dir(id), 0o755); err != nil {
		return trigger.Signal{}, err
	}
	return trigger.NewMailbox(ts.Layout.TriggerPath(id)).Send(ctx, sig)
}
