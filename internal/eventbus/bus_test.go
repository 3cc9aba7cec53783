package eventbus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mcrenew/internal/storage"
	logx "mcrenew/pkg/logx"
)

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskStarted, Data: TaskEvent{TaskID: "a"}})
	b.Publish(Event{Type: TaskStarted, Data: TaskEvent{TaskID: "b"}})

	ev := <-ch
	if ev.Data.TaskID != "a" || ev.Time.IsZero() {
		t.Fatalf("got %+v, want first event with time set", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
	if b.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TaskStopped})
}

func TestAuditEntryFor(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := AuditEntryFor(Event{Type: TaskExited, Time: at, Data: TaskEvent{TaskID: "alpha", PID: 42, ExitCode: 2, Err: "exit status 2"}})
	if e.Action != TaskExited || e.Source != "supervisor" || e.OK {
		t.Fatalf("entry = %+v", e)
	}
	if e.MetaJSON != `{"exit_code":2,"pid":42}` {
		t.Fatalf("meta = %s", e.MetaJSON)
	}

	op := AuditEntryFor(Event{Type: TaskOperator, Time: at, Data: TaskEvent{TaskID: "alpha", Source: "api", Action: "trigger.renew_now"}})
	if op.Action != "trigger.renew_now" || op.Source != "api" || !op.OK || op.MetaJSON != "" {
		t.Fatalf("operator entry = %+v", op)
	}
}

func TestRecordAuditWritesEntries(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RecordAudit(ctx, b, st, logx.Nop())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.Publish(Event{Type: TaskStarted, Data: TaskEvent{TaskID: "alpha", PID: 7}})
		got, err := st.RecentAudit(context.Background(), "alpha", 1)
		if err != nil {
			t.Fatalf("RecentAudit: %v", err)
		}
		if len(got) == 1 {
			cancel()
			<-done
			if got[0].Action != TaskStarted {
				t.Fatalf("action = %q", got[0].Action)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("audit entry never written")
}
