package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEngine struct {
	calls   atomic.Int64
	err     error
	onCall  func()
	blocked chan struct{}
}

func (f *fakeEngine) ExecuteJob(ctx context.Context) error {
	f.calls.Add(1)
	if f.onCall != nil {
		f.onCall()
	}
	if f.blocked != nil {
		<-f.blocked
	}
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnceSuccess(t *testing.T) {
	eng := &fakeEngine{}
	s := New(eng, Config{}, testLogger())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if eng.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", eng.calls.Load())
	}
}

func TestRunOnceFailurePropagates(t *testing.T) {
	eng := &fakeEngine{err: fmt.Errorf("boom")}
	s := New(eng, Config{}, testLogger())

	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from RunOnce")
	}
}

func TestCronRequiresExpression(t *testing.T) {
	eng := &fakeEngine{}
	s := New(eng, Config{CronExpression: ""}, testLogger())

	if err := s.RunCron(context.Background()); err == nil {
		t.Fatal("expected error for empty cron expression")
	}
}

func TestCronNoOverlap(t *testing.T) {
	eng := &fakeEngine{blocked: make(chan struct{})}
	s := New(eng, Config{CronExpression: "* * * * * *", FailurePenaltySeconds: 0}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Simulate two overlapping ticks directly: the second must be
	// suppressed while the first is still in flight.
	go s.onTick(ctx)
	time.Sleep(20 * time.Millisecond)
	s.onTick(ctx) // should return immediately, suppressed

	if eng.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (second tick should be suppressed)", eng.calls.Load())
	}
	close(eng.blocked)
}

func TestOnTickAppliesFailurePenalty(t *testing.T) {
	eng := &fakeEngine{err: fmt.Errorf("boom")}
	s := New(eng, Config{FailurePenaltySeconds: 0}, testLogger())

	start := time.Now()
	s.onTick(context.Background())
	if time.Since(start) > time.Second {
		t.Errorf("onTick took too long for a zero-second penalty")
	}
	if eng.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", eng.calls.Load())
	}
}
