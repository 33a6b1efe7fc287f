// Package timer arms one-shot callbacks keyed by task id.
//
// At most one timer exists per id: arming an id again supersedes the previous
// timer, whose callback is then ignored even if the runtime already fired it.
package timer

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "autochat/pkg/logx"
)

type Timers struct {
	clock Clock
	log   logx.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ver     uint64
}

type entry struct {
	ver  uint64
	at   time.Time
	stop Stopper
}

func New(clock Clock, log logx.Logger) *Timers {
	if clock == nil {
		clock = RealClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Timers{clock: clock, log: log, entries: map[string]*entry{}}
}

// Schedule arms cb to run once after delay. Negative delays fire immediately.
func (t *Timers) Schedule(id string, delay time.Duration, cb func()) {
	delay = max(delay, 0)

	t.mu.Lock()
	if old, ok := t.entries[id]; ok {
		old.stop.Stop()
	}
	t.ver++
	ver := t.ver
	e := &entry{ver: ver, at: t.clock.Now().Add(delay)}
	t.entries[id] = e
	// Hold the lock while arming so a zero delay cannot fire before e.stop is set.
	e.stop = t.clock.AfterFunc(delay, func() { t.fire(id, ver, cb) })
	t.mu.Unlock()
}

func (t *Timers) fire(id string, ver uint64, cb func()) {
	t.mu.Lock()
	cur, ok := t.entries[id]
	if !ok || cur.ver != ver {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			t.log.Error("timer callback panicked",
				logx.String("id", id), logx.String("panic", fmt.Sprint(r)), logx.Stack(string(debug.Stack())))
		}
	}()
	cb()
}

// Cancel disarms id. It reports whether a timer was armed.
func (t *Timers) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.stop.Stop()
	delete(t.entries, id)
	return true
}

// CancelAll disarms every timer and returns how many were armed.
func (t *Timers) CancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	for id, e := range t.entries {
		e.stop.Stop()
		delete(t.entries, id)
	}
	return n
}

func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Timers) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *Timers) Deadline(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// IDs lists armed ids, soonest first.
func (t *Timers) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.entries[ids[i]].at, t.entries[ids[j]].at
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ids[i] < ids[j]
	})
	return ids
}
