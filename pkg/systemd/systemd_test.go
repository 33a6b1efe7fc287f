package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "autochat/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestReadyStoppingStatus(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify

	n.Ready()
	n.Status("3 tasks active")
	n.Stopping()

	want := []string{daemon.SdNotifyReady, "STATUS=3 tasks active", daemon.SdNotifyStopping}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %q, want %q", rec.states, want)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("states[%d] = %q, want %q", i, rec.states[i], want[i])
		}
	}
}

func TestRunWatchdogDisabledReturns(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		interval time.Duration
		err      error
	}{
		{"off", 0, nil},
		{"bad env", 0, errors.New("bad WATCHDOG_USEC")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := New(logx.Nop())
			n.watchdog = func(bool) (time.Duration, error) { return tc.interval, tc.err }
			if err := n.RunWatchdog(t.Context()); err != nil {
				t.Fatalf("RunWatchdog() = %v, want nil", err)
			}
		})
	}
}

func TestRunWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify
	n.watchdog = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- n.RunWatchdog(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for rec.count(daemon.SdNotifyWatchdog) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no watchdog pings")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunWatchdog() = %v", err)
	}
}
