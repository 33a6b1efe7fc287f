package cache

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"autochat/internal/storage"
)

func TestSyncMatchesStorePendingFuture(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := storage.NewMemory()
	now := time.Now()
	rng := rand.New(rand.NewPCG(7, 11))

	// Random mix of creates, transitions and deletes.
	var ids []string
	for i := 0; i < 200; i++ {
		switch op := rng.IntN(4); {
		case op <= 1 || len(ids) == 0:
			off := time.Duration(rng.IntN(600)-120) * time.Second
			tk, err := st.Create(ctx, storage.NewTask{Kind: "analysis", Seq: rng.IntN(5) + 1, NextExecution: now.Add(off)})
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, tk.ID)
		case op == 2:
			to := []storage.Status{storage.StatusRunning, storage.StatusCompleted, storage.StatusFailed, storage.StatusStopped}[rng.IntN(4)]
			_, _ = st.UpdateStatus(ctx, ids[rng.IntN(len(ids))], to)
		default:
			_ = st.Delete(ctx, ids[rng.IntN(len(ids))])
		}
	}

	c := New()
	c.Put(Entry{ID: "ghost", Kind: "analysis", NextExecution: now.Add(time.Hour)})
	n, err := c.Sync(ctx, st, now)
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}

	pending, _ := st.FindAllPending(ctx)
	var want []string
	for _, tk := range pending {
		if !tk.NextExecution.Before(now) {
			want = append(want, tk.ID)
		}
	}
	var got []string
	for _, e := range c.Snapshot() {
		got = append(got, e.ID)
	}
	slices.Sort(want)
	slices.Sort(got)
	if !slices.Equal(got, want) {
		t.Fatalf("cache ids = %v, want %v", got, want)
	}
	if n != len(want) {
		t.Fatalf("Sync = %d, want %d", n, len(want))
	}
	if _, ok := c.Get("ghost"); ok {
		t.Fatal("stale entry survived Sync")
	}
}

type failingLister struct{}

func (failingLister) FindAllPending(context.Context) ([]storage.Task, error) {
	return nil, storage.ErrUnavailable
}

func TestSyncKeepsCacheOnError(t *testing.T) {
	t.Parallel()
	c := New()
	c.Put(Entry{ID: "a", Kind: "analysis", Seq: 1})
	if _, err := c.Sync(t.Context(), failingLister{}, time.Now()); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("Sync = %v, want ErrUnavailable", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d after failed Sync, want 1", c.Len())
	}
}

func TestFindBySeqAndSnapshotOrder(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New()
	c.Put(Entry{ID: "analysis-task-1-b", Kind: "analysis", Seq: 1, NextExecution: base.Add(2 * time.Minute)})
	c.Put(Entry{ID: "conversation-task-1-a", Kind: "conversation", Seq: 1, NextExecution: base.Add(time.Minute)})
	c.Put(Entry{ID: "analysis-task-2-c", Kind: "analysis", Seq: 2, NextExecution: base.Add(3 * time.Minute)})

	e, ok := c.FindBySeq("analysis", 1)
	if !ok || e.ID != "analysis-task-1-b" {
		t.Fatalf("FindBySeq(analysis, 1) = %+v, %v", e, ok)
	}
	e, ok = c.FindBySeq("", 1)
	if !ok || e.ID != "conversation-task-1-a" {
		t.Fatalf("FindBySeq(any, 1) = %+v, %v; want the soonest", e, ok)
	}
	if _, ok := c.FindBySeq("analysis", 9); ok {
		t.Fatal("FindBySeq(analysis, 9) found an entry")
	}

	snap := c.Snapshot()
	if len(snap) != 3 || snap[0].Kind != "conversation" || snap[2].Seq != 2 {
		t.Fatalf("Snapshot order = %+v", snap)
	}
	if !c.SetTargetType("analysis-task-2-c", "dm") {
		t.Fatal("SetTargetType = false")
	}
	if e, _ := c.Get("analysis-task-2-c"); e.TargetType != "dm" {
		t.Fatalf("TargetType = %q, want dm", e.TargetType)
	}
	if got := c.CountKind("analysis"); got != 2 {
		t.Fatalf("CountKind = %d, want 2", got)
	}
	if n := c.Clear(); n != 3 || c.Len() != 0 {
		t.Fatalf("Clear = %d, Len = %d", n, c.Len())
	}
}
