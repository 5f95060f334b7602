package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"postbot/pkg/logx"
)

func startService(t *testing.T, exec ExecFunc) *Service {
	t.Helper()
	s := New(Config{SweepInterval: time.Hour}, logx.Nop())
	s.SetExecutor(exec)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = s.Stop(context.Background())
	})
	return s
}

func TestScheduleFires(t *testing.T) {
	t.Parallel()
	fired := make(chan int64, 1)
	s := startService(t, func(ctx context.Context, jobID string, postID int64) {
		fired <- postID
	})

	if err := s.Schedule(time.Now().Add(20*time.Millisecond), "job-1", 7); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !s.Has("job-1") {
		t.Fatal("job should be pending")
	}

	select {
	case id := <-fired:
		if id != 7 {
			t.Fatalf("fired post id = %d, want 7", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}
	if s.Has("job-1") {
		t.Fatal("fired job must not stay pending")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	t.Parallel()
	var fires atomic.Int64
	s := startService(t, func(ctx context.Context, jobID string, postID int64) {
		fires.Add(1)
	})

	if err := s.Schedule(time.Now().Add(50*time.Millisecond), "job-c", 1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !s.Cancel("job-c") {
		t.Fatal("Cancel should report pending job")
	}
	if s.Cancel("job-c") {
		t.Fatal("second Cancel must report not found")
	}

	time.Sleep(150 * time.Millisecond)
	if n := fires.Load(); n != 0 {
		t.Fatalf("cancelled job fired %d times", n)
	}
}

func TestDuplicateJobIDRejected(t *testing.T) {
	t.Parallel()
	s := startService(t, func(ctx context.Context, jobID string, postID int64) {})

	at := time.Now().Add(time.Hour)
	if err := s.Schedule(at, "dup", 1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Schedule(at, "dup", 2); !errors.Is(err, ErrJobExists) {
		t.Fatalf("duplicate Schedule error = %v, want ErrJobExists", err)
	}
}

func TestCancelReleasesAllJobState(t *testing.T) {
	t.Parallel()
	fired := make(chan int64, 2)
	s := startService(t, func(ctx context.Context, jobID string, postID int64) {
		fired <- postID
	})

	if err := s.Schedule(time.Now().Add(time.Hour), "reuse", 1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !s.Cancel("reuse") {
		t.Fatal("Cancel should report pending job")
	}

	// No residual bookkeeping may survive a cancel, even for ids that are
	// never seen again.
	s.tmu.Lock()
	n := len(s.jobs)
	s.tmu.Unlock()
	if n != 0 {
		t.Fatalf("job state entries after cancel = %d, want 0", n)
	}

	// The id is free for reuse, and only the new registration fires.
	if err := s.Schedule(time.Now().Add(20*time.Millisecond), "reuse", 2); err != nil {
		t.Fatalf("re-Schedule: %v", err)
	}
	select {
	case id := <-fired:
		if id != 2 {
			t.Fatalf("fired post id = %d, want 2", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled job never fired")
	}
	select {
	case id := <-fired:
		t.Fatalf("unexpected extra fire for post %d", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOverdueFireTimeFiresImmediately(t *testing.T) {
	t.Parallel()
	fired := make(chan struct{}, 1)
	s := startService(t, func(ctx context.Context, jobID string, postID int64) {
		fired <- struct{}{}
	})

	// Past fire times happen on restart recovery; they must fire right away.
	if err := s.Schedule(time.Now().Add(-time.Minute), "late", 3); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue job never fired")
	}
}

func TestSweepRunsOnStart(t *testing.T) {
	t.Parallel()
	s := New(Config{SweepInterval: time.Hour}, logx.Nop())
	s.SetExecutor(func(ctx context.Context, jobID string, postID int64) {})

	swept := make(chan struct{}, 1)
	s.AddSweep("recover", func(ctx context.Context) {
		select {
		case swept <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run at start")
	}
}

func TestStartWithoutExecutorFails(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error when executor is not set")
	}
}
