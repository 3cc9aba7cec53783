package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGoCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return boom })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait() err = %v, want wrapped boom", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("nope") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() err = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestGoRestartDoesNotFailSiblings(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	var calls atomic.Int32
	s.GoRestart("always-panics", func(ctx context.Context) error {
		calls.Add(1)
		panic("again")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if s.Context().Err() != nil {
		t.Fatal("restarting goroutine cancelled the supervisor")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() err = %v", err)
	}
	if calls.Load() < 3 {
		t.Fatalf("calls = %d, want at least 3 restarts", calls.Load())
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 40*time.Millisecond)
	want := []time.Duration{10, 20, 40, 40}
	for i, base := range want {
		base *= time.Millisecond
		got := b.Next()
		if got < base || got > base+base/5 {
			t.Fatalf("step %d: Next() = %v, want within [%v, %v]", i, got, base, base+base/5)
		}
	}
	if b.Attempts() != len(want) {
		t.Fatalf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}
	b.Reset()
	if got := b.Next(); got > 12*time.Millisecond {
		t.Fatalf("after Reset Next() = %v, want ~10ms", got)
	}
}
