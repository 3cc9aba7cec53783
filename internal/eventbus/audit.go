package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"mcrenew/internal/storage"
	logx "mcrenew/pkg/logx"
)

// RecordAudit copies lifecycle and operator events into the audit store until
// ctx is done. It blocks; run it in its own goroutine.
func RecordAudit(ctx context.Context, bus Bus, st storage.Store, log logx.Logger) {
	if bus == nil || st == nil {
		return
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			entry := AuditEntryFor(ev)
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := st.AppendAudit(wctx, entry); err != nil {
				log.Warn("audit append failed", logx.String("task", entry.TaskID), logx.Err(err))
			}
			cancel()
		}
	}
}

// AuditEntryFor maps an event to its audit record.
func AuditEntryFor(ev Event) storage.AuditEntry {
	d := ev.Data
	action := d.Action
	if action == "" {
		action = ev.Type
	}
	source := d.Source
	if source == "" {
		source = "supervisor"
	}
	meta := map[string]any{}
	for k, v := range d.Meta {
		meta[k] = v
	}
	if d.PID != 0 {
		meta["pid"] = d.PID
	}
	if ev.Type == TaskExited {
		meta["exit_code"] = d.ExitCode
	}
	if d.Crashes != 0 {
		meta["crashes"] = d.Crashes
	}
	var metaJSON string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			metaJSON = string(b)
		}
	}
	return storage.AuditEntry{
		ID:       uuid.NewString(),
		At:       ev.Time,
		Source:   source,
		Action:   action,
		TaskID:   d.TaskID,
		OK:       d.Err == "",
		Error:    d.Err,
		TookMS:   d.Took.Milliseconds(),
		MetaJSON: metaJSON,
	}
}
