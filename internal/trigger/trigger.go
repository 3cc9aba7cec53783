// Package trigger is the single-slot, file-backed mailbox an operator uses to
// steer a running task process (snapshot, renew now, renew after a delay).
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"mcrenew/internal/fswatch"
	"mcrenew/pkg/atomicfile"
	"mcrenew/pkg/isotime"
	logx "mcrenew/pkg/logx"
)

type Action string

const (
	ActionSnapshot     Action = "snapshot"
	ActionRenewNow     Action = "renew_now"
	ActionRenewDelayed Action = "renew_delayed"
)

var ErrInvalidSignal = errors.New("invalid trigger signal")

// ParseAction accepts the wire names. "screenshot" is an alias for snapshot.
func ParseAction(s string) (Action, error) {
	switch s {
	case string(ActionSnapshot), "screenshot":
		return ActionSnapshot, nil
	case string(ActionRenewNow):
		return ActionRenewNow, nil
	case string(ActionRenewDelayed):
		return ActionRenewDelayed, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidSignal, s)
}

// Signal is one pending operator command.
type Signal struct {
	ID           string    `json:"id,omitempty"`
	Action       Action    `json:"action"`
	DelayMinutes *int      `json:"delayMinutes,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// UnmarshalJSON also accepts delay_minutes and timestamps without a zone
// offset, which are read as local time.
func (s *Signal) UnmarshalJSON(b []byte) error {
	var w struct {
		ID         string       `json:"id"`
		Action     Action       `json:"action"`
		Delay      *int         `json:"delayMinutes"`
		DelaySnake *int         `json:"delay_minutes"`
		Timestamp  isotime.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = Signal{ID: w.ID, Action: w.Action, DelayMinutes: w.Delay, Timestamp: w.Timestamp.Time}
	if s.DelayMinutes == nil {
		s.DelayMinutes = w.DelaySnake
	}
	return nil
}

// Delay returns the requested delay for renew_delayed.
func (s Signal) Delay() time.Duration {
	if s.DelayMinutes == nil {
		return 0
	}
	return time.Duration(*s.DelayMinutes) * time.Minute
}

func (s Signal) Validate() error {
	if _, err := ParseAction(string(s.Action)); err != nil {
		return err
	}
	if s.Action == ActionRenewDelayed {
		if s.DelayMinutes == nil {
			return fmt.Errorf("%w: renew_delayed requires delayMinutes", ErrInvalidSignal)
		}
		if *s.DelayMinutes < 0 {
			return fmt.Errorf("%w: delayMinutes must be >= 0", ErrInvalidSignal)
		}
	}
	return nil
}

// Mailbox is the trigger.json slot of one task. At most one signal is
// pending; Send overwrites it.
type Mailbox struct {
	path string
	log  logx.Logger
	now  func() time.Time
}

type Option func(*Mailbox)

func WithLogger(log logx.Logger) Option     { return func(m *Mailbox) { m.log = log } }
func WithClock(now func() time.Time) Option { return func(m *Mailbox) { m.now = now } }

func NewMailbox(path string, opts ...Option) *Mailbox {
	m := &Mailbox{path: path, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Mailbox) Path() string { return m.path }

// Send stamps and writes s, replacing any pending signal.
func (m *Mailbox) Send(ctx context.Context, s Signal) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = m.now().UTC()
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return Signal{}, err
	}
	if err := atomicfile.Write(m.path, b, 0o600); err != nil {
		return Signal{}, fmt.Errorf("write trigger: %w", err)
	}
	return s, nil
}

// TryConsume takes the pending signal, if any, without blocking.
//
// The file is claimed by rename before it is read, so a concurrent Send lands
// in a fresh slot instead of being deleted unread. Corrupt payloads are logged
// and discarded.
func (m *Mailbox) TryConsume(ctx context.Context) (*Signal, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	claim := m.path + ".claim-" + strconv.Itoa(os.Getpid())
	if err := os.Rename(m.path, claim); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("trigger claim failed", logx.String("path", m.path), logx.Err(err))
		}
		return nil, false
	}
	b, err := os.ReadFile(claim)
	_ = os.Remove(claim)
	if err != nil {
		m.log.Warn("trigger read failed; discarded", logx.String("path", m.path), logx.Err(err))
		return nil, false
	}

	var s Signal
	if err := json.Unmarshal(b, &s); err != nil {
		m.log.Warn("corrupt trigger discarded", logx.String("path", m.path), logx.Err(err))
		return nil, false
	}
	if err := s.Validate(); err != nil {
		m.log.Warn("invalid trigger discarded", logx.String("path", m.path), logx.Err(err))
		return nil, false
	}
	if s.Action == "screenshot" {
		s.Action = ActionSnapshot
	}
	return &s, true
}

// Pending reports whether a signal is waiting.
func (m *Mailbox) Pending() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Watch delivers a wakeup whenever trigger.json is written. The channel has a
// one-slot buffer and is never closed; the watcher stops when ctx is done.
// Polling TryConsume stays authoritative; this only shortens the reaction time.
func (m *Mailbox) Watch(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.log.Warn("trigger watch disabled", logx.String("dir", dir), logx.Err(err))
		return out
	}
	opts := fswatch.File(m.path)
	opts.Log = m.log
	opts.Debounce = 50 * time.Millisecond
	go func() {
		_ = fswatch.Watch(ctx, dir, opts, func() {
			select {
			case out <- struct{}{}:
			default:
			}
		})
	}()
	return out
}
