package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TaskArmed, Data: "analysis-task-1-abcd1234"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TaskArmed {
				t.Fatalf("subscriber %d: Type = %q, want %q", i, e.Type, TaskArmed)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: Time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: TaskFailed}) // dropped, must not block
	if got := len(ch); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: TaskCompleted}) // after unsubscribe: no panic
}
