package timer

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source of a Timers set.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper disarms a pending callback. Stop reports whether it was still armed.
type Stopper interface {
	Stop() bool
}

// RealClock uses the runtime timers.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// ManualClock only moves when told to. Callbacks run synchronously inside
// Advance, in due order, on the caller's goroutine.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*manualWaiter
}

type manualWaiter struct {
	clock *ManualClock
	at    time.Time
	seq   uint64
	f     func()
	done  bool
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	w := &manualWaiter{clock: c, at: c.now.Add(max(d, 0)), seq: c.seq, f: f}
	c.waiters = append(c.waiters, w)
	return w
}

func (w *manualWaiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	return true
}

// Pending counts armed callbacks.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing every callback due on the way.
// Callbacks armed while firing are honored if they fall inside the window.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		w := c.nextDueLocked(target)
		if w == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		w.done = true
		if w.at.After(c.now) {
			c.now = w.at
		}
		c.mu.Unlock()
		w.f()
	}
}

func (c *ManualClock) nextDueLocked(target time.Time) *manualWaiter {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	c.waiters = live
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if !c.waiters[i].at.Equal(c.waiters[j].at) {
			return c.waiters[i].at.Before(c.waiters[j].at)
		}
		return c.waiters[i].seq < c.waiters[j].seq
	})
	if len(c.waiters) == 0 || c.waiters[0].at.After(target) {
		return nil
	}
	return c.waiters[0]
}
