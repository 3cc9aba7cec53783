package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": audit.jsonl plus a dedup journal next to Path
//   - "sqlite": a single SQLite database at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one operator or supervisor action against a task.
type AuditEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Source   string    `json:"source"` // cli, api, supervisor
	Action   string    `json:"action"`
	TaskID   string    `json:"task_id"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
