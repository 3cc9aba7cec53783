// Package task holds the persisted task registry and the per-task data layout.
package task

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidTask is a configuration error: a required field is missing or malformed.
	ErrInvalidTask = errors.New("invalid task")
	ErrNotFound    = errors.New("task not found")
	ErrExists      = errors.New("task already exists")
)

// DefaultIntervalMinutes is used by callers that build tasks interactively.
const DefaultIntervalMinutes = 15

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Task is one independently scheduled renewal target.
type Task struct {
	ID                   string
	Name                 string
	TargetURL            string
	RenewIntervalMinutes int
	Enabled              bool
	ManualMode           bool
	CreatedAt            time.Time
	LastRun              *time.Time
}

// Interval returns the renew cadence.
func (t Task) Interval() time.Duration {
	return time.Duration(t.RenewIntervalMinutes) * time.Minute
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	Name                 *string `json:"name,omitempty"`
	TargetURL            *string `json:"target_url,omitempty"`
	RenewIntervalMinutes *int    `json:"renew_interval_minutes,omitempty"`
	Enabled              *bool   `json:"enabled,omitempty"`
	ManualMode           *bool   `json:"manual_mode,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.TargetURL == nil && p.RenewIntervalMinutes == nil &&
		p.Enabled == nil && p.ManualMode == nil
}

// Apply returns t with the patch applied. The id is immutable.
func (p Patch) Apply(t Task) Task {
	if p.Name != nil {
		t.Name = strings.TrimSpace(*p.Name)
	}
	if p.TargetURL != nil {
		t.TargetURL = strings.TrimSpace(*p.TargetURL)
	}
	if p.RenewIntervalMinutes != nil {
		t.RenewIntervalMinutes = *p.RenewIntervalMinutes
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
	if p.ManualMode != nil {
		t.ManualMode = *p.ManualMode
	}
	return t
}

// ValidateID checks the id is usable as a directory name.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalidTask, id, idPattern)
	}
	return nil
}

// Validate checks required fields. It never fills in defaults.
func (t Task) Validate() error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: %s: name is required", ErrInvalidTask, t.ID)
	}
	if strings.TrimSpace(t.TargetURL) == "" {
		return fmt.Errorf("%w: %s: target_url is required", ErrInvalidTask, t.ID)
	}
	u, err := url.Parse(t.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s: target_url %q must be an absolute http(s) URL", ErrInvalidTask, t.ID, t.TargetURL)
	}
	if t.RenewIntervalMinutes <= 0 {
		return fmt.Errorf("%w: %s: renew_interval_minutes must be > 0", ErrInvalidTask, t.ID)
	}
	return nil
}
