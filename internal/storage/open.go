package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "mcrenew/pkg/logx"
)

// Store is the persistence API used by the supervisor and the control API.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries for taskID, newest first.
	// An empty taskID matches every task.
	RecentAudit(ctx context.Context, taskID string, limit int) ([]AuditEntry, error)
	// PruneAudit drops entries older than before and reports how many went.
	PruneAudit(ctx context.Context, before time.Time) (int, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage.path is required for %s driver", driver)
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
