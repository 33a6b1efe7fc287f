package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autochat/internal/eventbus"
	logx "autochat/pkg/logx"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunsJobsAndRecordsHistory(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Workers: 2, QueueSize: 4, HistorySize: 2}, logx.Nop(), bus)
	s.Start(t.Context())
	defer s.Stop(context.Background())

	var wg sync.WaitGroup
	wg.Add(3)
	for _, name := range []string{"a", "b", "c"} {
		err := s.Enqueue(Job{ID: name, Name: name, Run: func(context.Context) error {
			defer wg.Done()
			if name == "b" {
				return errors.New("boom")
			}
			return nil
		}})
		if err != nil {
			t.Fatalf("Enqueue(%s) error: %v", name, err)
		}
	}
	wg.Wait()
	waitFor(t, func() bool { snap := s.Snapshot(); return snap.Completed+snap.Failed == 3 })

	snap := s.Snapshot()
	if snap.Completed != 2 || snap.Failed != 1 {
		t.Fatalf("completed = %d, failed = %d; want 2, 1", snap.Completed, snap.Failed)
	}
	if got := len(s.History()); got != 2 {
		t.Fatalf("history len = %d, want 2 (capped)", got)
	}

	seenFailed := false
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TaskFailed {
			seenFailed = true
		}
	}
	if !seenFailed {
		t.Fatal("no task.failed event published")
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 2}, logx.Nop(), nil)
	s.Start(t.Context())
	defer s.Stop(context.Background())

	done := make(chan struct{})
	_ = s.Enqueue(Job{Name: "panics", Run: func(context.Context) error { panic("bad job") }})
	_ = s.Enqueue(Job{Name: "after", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after a panicking job")
	}
	waitFor(t, func() bool { return s.Snapshot().Failed == 1 })
}

func TestEnqueueQueueFullAndStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	// Not started: the queue fills up.
	noop := func(context.Context) error { return nil }
	if err := s.Enqueue(Job{Name: "1", Run: noop}); err != nil {
		t.Fatalf("first Enqueue error: %v", err)
	}
	if err := s.Enqueue(Job{Name: "2", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Enqueue = %v, want ErrQueueFull", err)
	}
	if err := s.Enqueue(Job{Name: "nil"}); !errors.Is(err, ErrNoRun) {
		t.Fatalf("Enqueue(nil run) = %v, want ErrNoRun", err)
	}
	if err := s.Stop(t.Context()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := s.Enqueue(Job{Name: "3", Run: noop}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop = %v, want ErrStopped", err)
	}
	if got := s.Snapshot().Dropped; got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(t.Context())
	started := make(chan struct{})
	_ = s.Enqueue(Job{Name: "blocks", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}
