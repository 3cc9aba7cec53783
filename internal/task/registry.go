package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mcrenew/internal/config"
	"mcrenew/internal/fswatch"
	"mcrenew/pkg/atomicfile"
	"mcrenew/pkg/isotime"
	logx "mcrenew/pkg/logx"
)

// record is the on-disk shape of a task inside tasks.json.
type record struct {
	Name                 string        `json:"name"`
	TargetURL            string        `json:"target_url"`
	RenewIntervalMinutes int           `json:"renew_interval_minutes"`
	Enabled              *bool         `json:"enabled,omitempty"` // omitted means enabled
	ManualMode           bool          `json:"manual_mode,omitempty"`
	CreatedAt            *isotime.Time `json:"created_at,omitempty"`
	LastRun              *isotime.Time `json:"last_run"`
}

type registryFile struct {
	Tasks map[string]record `json:"tasks"`
}

func fromRecord(id string, r record) Task {
	t := Task{
		ID:                   id,
		Name:                 r.Name,
		TargetURL:            r.TargetURL,
		RenewIntervalMinutes: r.RenewIntervalMinutes,
		Enabled:              r.Enabled == nil || *r.Enabled,
		ManualMode:           r.ManualMode,
		LastRun:              r.LastRun.Ptr(),
	}
	if r.CreatedAt != nil {
		t.CreatedAt = r.CreatedAt.Time
	}
	return t
}

func toRecord(t Task) record {
	enabled := t.Enabled
	r := record{
		Name:                 t.Name,
		TargetURL:            t.TargetURL,
		RenewIntervalMinutes: t.RenewIntervalMinutes,
		Enabled:              &enabled,
		ManualMode:           t.ManualMode,
		LastRun:              isotime.From(t.LastRun),
	}
	if !t.CreatedAt.IsZero() {
		r.CreatedAt = &isotime.Time{Time: t.CreatedAt}
	}
	return r
}

// Parse decodes a registry document. Every task is validated; the first
// invalid task fails the whole document.
func Parse(path string, data []byte) (map[string]Task, error) {
	var f registryFile
	if err := config.DecodeStrict(path, data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTask, path, err)
	}
	out := make(map[string]Task, len(f.Tasks))
	for id, r := range f.Tasks {
		t := fromRecord(id, r)
		if err := t.Validate(); err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, nil
}

// Registry is the persisted task registry (tasks.json).
//
// Every mutation re-reads the file, applies the change and writes it back
// atomically, so edits made by another process (CLI vs supervisor) are not lost.
type Registry struct {
	path string
	log  logx.Logger
	now  func() time.Time

	mu       sync.RWMutex
	tasks    map[string]Task
	lastHash uint64
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

// WithClock overrides time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// Open loads the registry at path. A missing file is an empty registry.
func Open(path string, opts ...Option) (*Registry, error) {
	r := &Registry{path: path, log: logx.Nop(), now: time.Now, tasks: map[string]Task{}}
	for _, o := range opts {
		o(r)
	}
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Path() string { return r.path }

// Reload re-reads the file and reports whether its content changed.
// On error the previous in-memory state is kept.
func (r *Registry) Reload() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked()
}

func (r *Registry) reloadLocked() (bool, error) {
	b, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		changed := len(r.tasks) > 0
		r.tasks = map[string]Task{}
		r.lastHash = 0
		return changed, nil
	}
	if err != nil {
		return false, err
	}
	h := hashBytes(b)
	if h == r.lastHash {
		return false, nil
	}
	tasks, err := Parse(r.path, b)
	if err != nil {
		return false, err
	}
	r.tasks = tasks
	r.lastHash = h
	return true, nil
}

func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// List returns all tasks sorted by id.
func (r *Registry) List() []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add inserts a new task. CreatedAt is stamped when zero.
func (r *Registry) Add(t Task) (Task, error) {
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now().UTC()
	}
	err := r.mutate(func(m map[string]Task) error {
		if _, ok := m[t.ID]; ok {
			return fmt.Errorf("%w: %s", ErrExists, t.ID)
		}
		m[t.ID] = t
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func (r *Registry) Update(id string, p Patch) (Task, error) {
	var out Task
	err := r.mutate(func(m map[string]Task) error {
		t, ok := m[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t = p.Apply(t)
		if err := t.Validate(); err != nil {
			return err
		}
		m[id] = t
		out = t
		return nil
	})
	return out, err
}

func (r *Registry) Delete(id string) error {
	return r.mutate(func(m map[string]Task) error {
		if _, ok := m[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		delete(m, id)
		return nil
	})
}

func (r *Registry) SetLastRun(id string, at time.Time) error {
	at = at.UTC()
	return r.mutate(func(m map[string]Task) error {
		t, ok := m[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t.LastRun = &at
		m[id] = t
		return nil
	})
}

func (r *Registry) mutate(fn func(m map[string]Task) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.reloadLocked(); err != nil {
		return err
	}
	next := make(map[string]Task, len(r.tasks)+1)
	for k, v := range r.tasks {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}

	f := registryFile{Tasks: make(map[string]record, len(next))}
	for id, t := range next {
		f.Tasks[id] = toRecord(t)
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := atomicfile.Write(r.path, b, 0o600); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	r.tasks = next
	r.lastHash = hashBytes(b)
	return nil
}

// Watch reloads the registry when tasks.json changes on disk and calls
// onChange after every reload that altered its content. Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, onChange func()) error {
	opts := fswatch.File(r.path)
	opts.Log = r.log
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return fswatch.Watch(ctx, dir, opts, func() {
		changed, err := r.Reload()
		if err != nil {
			r.log.Warn("registry reload failed; keeping previous state", logx.String("path", r.path), logx.Err(err))
			return
		}
		if !changed {
			return
		}
		r.log.Info("registry reloaded", logx.String("path", r.path), logx.Int("tasks", len(r.List())))
		if onChange != nil {
			onChange()
		}
	})
}

// LoadSingle reads a standalone task file: one task record plus its "id".
func LoadSingle(path string) (Task, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	var s struct {
		ID string `json:"id"`
		record
	}
	if err := config.DecodeStrict(path, b, &s); err != nil {
		return Task{}, fmt.Errorf("%w: %s: %v", ErrInvalidTask, path, err)
	}
	t := fromRecord(s.ID, s.record)
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
