package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autochat/internal/storage"
	"autochat/internal/task/engine"
	"autochat/internal/task/timer"
	"autochat/internal/transport"
	logx "autochat/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// inlineExec runs jobs synchronously on the caller's goroutine.
type inlineExec struct {
	mu   sync.Mutex
	full bool
	ran  []string
}

func (x *inlineExec) Enqueue(j engine.Job) error {
	x.mu.Lock()
	full := x.full
	if !full {
		x.ran = append(x.ran, j.ID)
	}
	x.mu.Unlock()
	if full {
		return engine.ErrQueueFull
	}
	_ = j.Run(context.Background())
	return nil
}

func (x *inlineExec) setFull(v bool) {
	x.mu.Lock()
	x.full = v
	x.mu.Unlock()
}

func (x *inlineExec) runs() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.ran)
}

// chattyTargets always offers one busy group chat.
type chattyTargets struct {
	clock  timer.Clock
	target transport.ChatTarget
}

func (c *chattyTargets) PickTarget(_ context.Context, hint string) (transport.ChatTarget, bool) {
	if hint != "" && hint != c.target.Type {
		return transport.ChatTarget{}, false
	}
	return c.target, true
}

func (c *chattyTargets) RecentMessages(chatID int64, n int) []transport.Message {
	now := c.clock.Now()
	var out []transport.Message
	for i := range 10 {
		text := "the deployment pipeline broke again"
		if i%4 == 0 {
			text = "is the deployment pipeline fixed?"
		}
		out = append(out, transport.Message{
			ID: i, ChatID: chatID, FromID: int64(i%3 + 1), Text: text,
			At: now.Add(-time.Duration(10-i) * time.Second),
		})
	}
	return out[:min(n, len(out))]
}

type recordingDelivery struct {
	mu     sync.Mutex
	err    error
	panics bool
	typing int
	sent   []transport.ChatTarget
	texts  []string
	onSend func()
}

func (d *recordingDelivery) ShowActivityIndicator(context.Context, transport.ChatTarget) error {
	d.mu.Lock()
	d.typing++
	d.mu.Unlock()
	return nil
}

func (d *recordingDelivery) Deliver(_ context.Context, to transport.ChatTarget, text string) error {
	if d.panics {
		panic("delivery exploded")
	}
	if d.onSend != nil {
		d.onSend()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, to)
	d.texts = append(d.texts, text)
	return nil
}

func (d *recordingDelivery) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type recordingGen struct {
	mu     sync.Mutex
	styles []Style
}

func (g *recordingGen) Generate(_ context.Context, pc PromptContext, style Style) string {
	g.mu.Lock()
	g.styles = append(g.styles, style)
	g.mu.Unlock()
	return string(style) + ": " + pc.Topic
}

func (g *recordingGen) saw(style Style) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Contains(g.styles, style)
}

type staticFeatures map[string]bool

func (f staticFeatures) IsFeatureEnabled(name string) bool { return f[name] }
func (f staticFeatures) Get(string) string                 { return "" }

type fixture struct {
	svc   *Service
	clock *timer.ManualClock
	store *storage.Memory
	exec  *inlineExec
}

func newFixture(t *testing.T, cfg Config, deps Deps) fixture {
	t.Helper()
	clock := timer.NewManualClock(t0)
	st := storage.NewMemory()
	exec := &inlineExec{}
	cfg.Enabled = true
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	deps.Store = st
	deps.Executor = exec
	deps.Clock = clock
	deps.Log = logx.Nop()
	deps.Rand = rand.New(rand.NewPCG(1, 2))
	if c, ok := deps.Targets.(*chattyTargets); ok {
		c.clock = clock
	}
	return fixture{svc: New(cfg, deps), clock: clock, store: st, exec: exec}
}

func (f fixture) pending(t *testing.T, kind string) []storage.Task {
	t.Helper()
	rows, err := f.store.FindByKind(context.Background(), kind)
	if err != nil {
		t.Fatalf("FindByKind(%s): %v", kind, err)
	}
	var out []storage.Task
	for _, r := range rows {
		if r.Status == storage.StatusPending && !r.NextExecution.Before(f.clock.Now()) {
			out = append(out, r)
		}
	}
	return out
}

func (f fixture) create(t *testing.T, nt storage.NewTask) storage.Task {
	t.Helper()
	row, err := f.store.Create(context.Background(), nt)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return row
}

func mustGet(t *testing.T, st storage.Store, id string) storage.Task {
	t.Helper()
	row, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return row
}

func TestInitializeSeedsEveryChain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Chains: 3}, Deps{})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	if got := f.svc.timers.Len(); got != 3 {
		t.Fatalf("timers = %d, want 3", got)
	}
	rows := f.pending(t, KindAnalysis)
	if len(rows) != 3 {
		t.Fatalf("pending rows = %d, want 3", len(rows))
	}
	for _, r := range rows {
		d := r.NextExecution.Sub(t0)
		if d < 12*time.Second-time.Millisecond || d > 2*time.Minute {
			t.Fatalf("seed delay = %v, want within [12s, 2m]", d)
		}
	}
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() = %v", err)
	}
	if got := f.svc.timers.Len(); got != 3 {
		t.Fatalf("timers after second Initialize = %d, want 3", got)
	}
}

func TestTaskDueInFiveSecondsRunsAndRenews(t *testing.T) {
	t.Parallel()
	deliv := &recordingDelivery{}
	f := newFixture(t, Config{}, Deps{
		Targets:   &chattyTargets{target: transport.ChatTarget{ChatID: -100, Type: transport.ChatGroup, Title: "ops"}},
		Delivery:  deliv,
		Generator: &recordingGen{},
		Features:  staticFeatures{FeatureAutoMessages: true},
	})
	row := f.create(t, storage.NewTask{Kind: KindAnalysis, Seq: 1, NextExecution: t0.Add(5 * time.Second)})

	var statusAtDelivery storage.Status
	deliv.onSend = func() { statusAtDelivery = mustGet(t, f.store, row.ID).Status }

	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	if got := f.svc.timers.Len(); got != 1 {
		t.Fatalf("timers = %d, want 1 (restored row only)", got)
	}

	f.clock.Advance(5 * time.Second)
	now := f.clock.Now()

	if statusAtDelivery != storage.StatusRunning {
		t.Fatalf("status during body = %q, want running", statusAtDelivery)
	}
	if got := mustGet(t, f.store, row.ID).Status; got != storage.StatusCompleted {
		t.Fatalf("status after run = %q, want completed", got)
	}
	if deliv.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", deliv.count())
	}
	next := f.pending(t, KindAnalysis)
	if len(next) != 1 {
		t.Fatalf("successors = %d, want 1", len(next))
	}
	if next[0].Seq != 1 || next[0].ID == row.ID {
		t.Fatalf("successor = %+v, want new id in slot 1", next[0])
	}
	lo, hi := now.Add(12*time.Second-time.Millisecond), now.Add(2*time.Minute)
	if next[0].NextExecution.Before(lo) || next[0].NextExecution.After(hi) {
		t.Fatalf("successor due %v, want within [%v, %v]", next[0].NextExecution, lo, hi)
	}
	if _, ok := f.svc.cache.Get(row.ID); ok {
		t.Fatal("finished task still cached")
	}
	if !f.svc.timers.Has(next[0].ID) {
		t.Fatal("successor timer not armed")
	}
}

// refuseRunning fails the pending -> running update and nothing else.
type refuseRunning struct{ storage.Store }

func (r refuseRunning) UpdateStatus(ctx context.Context, id string, status storage.Status) (bool, error) {
	if status == storage.StatusRunning {
		return false, storage.ErrUnavailable
	}
	return r.Store.UpdateStatus(ctx, id, status)
}

func TestBodyRunsWhenRunningUpdateFails(t *testing.T) {
	t.Parallel()
	deliv := &recordingDelivery{}
	f := newFixture(t, Config{}, Deps{
		Targets:   &chattyTargets{target: transport.ChatTarget{ChatID: -100, Type: transport.ChatGroup, Title: "ops"}},
		Delivery:  deliv,
		Generator: &recordingGen{},
		Features:  staticFeatures{FeatureAutoMessages: true},
	})
	f.svc.store = refuseRunning{f.store}
	row := f.create(t, storage.NewTask{Kind: KindAnalysis, Seq: 1, NextExecution: t0.Add(5 * time.Second)})

	var statusAtDelivery storage.Status
	deliv.onSend = func() { statusAtDelivery = mustGet(t, f.store, row.ID).Status }

	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	f.clock.Advance(5 * time.Second)

	if deliv.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", deliv.count())
	}
	if statusAtDelivery != storage.StatusPending {
		t.Fatalf("status during body = %q, want pending (update refused)", statusAtDelivery)
	}
	if got := mustGet(t, f.store, row.ID).Status; got != storage.StatusCompleted {
		t.Fatalf("status after run = %q, want completed", got)
	}
	if next := f.pending(t, KindAnalysis); len(next) != 1 || next[0].ID == row.ID {
		t.Fatalf("successors = %+v, want exactly one new row", next)
	}
}

func TestFailingBodyYieldsOneSuccessor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		deliv *recordingDelivery
	}{
		{"error", &recordingDelivery{err: errors.New("chat not found")}},
		{"panic", &recordingDelivery{panics: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{}, Deps{
				Targets:  &chattyTargets{target: transport.ChatTarget{ChatID: 7, Type: transport.ChatDM}},
				Delivery: tc.deliv,
				Features: staticFeatures{FeatureAutoMessages: true},
			})
			first := f.create(t, storage.NewTask{Kind: KindAnalysis, Seq: 1, NextExecution: t0.Add(time.Second)})
			if err := f.svc.Initialize(context.Background()); err != nil {
				t.Fatalf("Initialize() = %v", err)
			}
			f.clock.Advance(time.Second)

			if got := mustGet(t, f.store, first.ID).Status; got != storage.StatusFailed {
				t.Fatalf("status = %q, want failed", got)
			}
			if got := len(f.pending(t, KindAnalysis)); got != 1 {
				t.Fatalf("pending successors = %d, want 1", got)
			}
			if got := f.svc.timers.Len(); got != 1 {
				t.Fatalf("timers = %d, want 1", got)
			}
		})
	}
}

func TestRestartRearmsPersistedRows(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Chains: 3}, Deps{})
	var rows []storage.Task
	for i := 1; i <= 3; i++ {
		rows = append(rows, f.create(t, storage.NewTask{
			Kind: KindAnalysis, Seq: i, NextExecution: t0.Add(time.Duration(i) * 10 * time.Second),
		}))
	}
	expired := f.create(t, storage.NewTask{Kind: KindAnalysis, Seq: 1, NextExecution: t0.Add(-time.Minute)})
	done := f.create(t, storage.NewTask{Kind: KindAnalysis, Seq: 2, NextExecution: t0.Add(-2 * time.Minute)})
	if _, err := f.store.UpdateStatus(context.Background(), done.ID, storage.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	if got := f.svc.timers.Len(); got != 3 {
		t.Fatalf("timers = %d, want 3", got)
	}
	for _, r := range rows {
		at, ok := f.svc.timers.Deadline(r.ID)
		if !ok {
			t.Fatalf("row %s not re-armed", r.ID)
		}
		if !at.Equal(r.NextExecution) {
			t.Fatalf("deadline(%s) = %v, want %v", r.ID, at, r.NextExecution)
		}
	}
	for _, id := range []string{expired.ID, done.ID} {
		if _, err := f.store.Get(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Get(%s) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestInitializeStorageUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Chains: 2}, Deps{})
	f.store.SetUnavailable(true)

	err := f.svc.Initialize(context.Background())
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Initialize() = %v, want ErrStorageUnavailable", err)
	}
	if got := f.svc.timers.Len(); got != 0 {
		t.Fatalf("timers = %d, want 0", got)
	}
	st := f.svc.Status()
	if st.Error == "" || st.Initialized {
		t.Fatalf("Status() = %+v, want error and not initialized", st)
	}

	f.store.SetUnavailable(false)
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("retry Initialize() = %v", err)
	}
	if got := f.svc.timers.Len(); got != 2 {
		t.Fatalf("timers after retry = %d, want 2", got)
	}
	if st := f.svc.Status(); st.Error != "" || !st.Initialized {
		t.Fatalf("Status() after retry = %+v", st)
	}
}

func TestInitializeDisabledArmsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	f.svc.cfg.Enabled = false
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	if got := f.svc.timers.Len(); got != 0 {
		t.Fatalf("timers = %d, want 0", got)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Chains: 3}, Deps{})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	if err := f.svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if got := f.svc.timers.Len(); got != 0 {
		t.Fatalf("timers = %d, want 0", got)
	}
	if got := f.svc.cache.Len(); got != 0 {
		t.Fatalf("cache = %d, want 0", got)
	}
	rows, err := f.store.FindByKind(context.Background(), KindAnalysis)
	if err != nil {
		t.Fatalf("FindByKind: %v", err)
	}
	stopped := 0
	for _, r := range rows {
		if r.Status == storage.StatusStopped {
			stopped++
		}
	}
	if stopped != 3 || len(rows) != 3 {
		t.Fatalf("rows = %d, stopped = %d; want 3, 3", len(rows), stopped)
	}

	f.clock.Advance(10 * time.Minute)
	if got := len(f.exec.runs()); got != 0 {
		t.Fatalf("runs after shutdown = %d, want 0", got)
	}
}

// stopOnCreate runs Shutdown from inside Create once armed, the way a stop
// signal lands while a successor row is being written.
type stopOnCreate struct {
	storage.Store
	svc  *Service
	trip atomic.Bool
}

func (s *stopOnCreate) Create(ctx context.Context, nt storage.NewTask) (storage.Task, error) {
	if s.trip.CompareAndSwap(true, false) {
		_ = s.svc.Shutdown(ctx)
	}
	return s.Store.Create(ctx, nt)
}

func (f fixture) assertFullyStopped(t *testing.T) {
	t.Helper()
	if got := f.svc.cache.Len(); got != 0 {
		t.Fatalf("cache = %d, want 0", got)
	}
	if got := f.svc.timers.Len(); got != 0 {
		t.Fatalf("timers = %v, want none", f.svc.timers.IDs())
	}
	rows, err := f.store.FindAllPending(context.Background())
	if err != nil {
		t.Fatalf("FindAllPending: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("pending rows = %+v, want none", rows)
	}
}

func TestShutdownDuringSuccessorCreate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	wrap := &stopOnCreate{Store: f.store, svc: f.svc}
	f.svc.store = wrap
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}

	wrap.trip.Store(true)
	f.clock.Advance(3 * time.Minute)
	if len(f.exec.runs()) != 1 {
		t.Fatalf("runs = %v, want the seeded task only", f.exec.runs())
	}
	f.assertFullyStopped(t)

	rows, err := f.store.FindByKind(context.Background(), KindAnalysis)
	if err != nil {
		t.Fatalf("FindByKind: %v", err)
	}
	count := map[storage.Status]int{}
	for _, r := range rows {
		count[r.Status]++
	}
	if len(rows) != 2 || count[storage.StatusCompleted] != 1 || count[storage.StatusStopped] != 1 {
		t.Fatalf("rows = %+v, want the completed run and a stopped successor", rows)
	}

	f.clock.Advance(10 * time.Minute)
	if got := len(f.exec.runs()); got != 1 {
		t.Fatalf("runs after shutdown = %d, want 1", got)
	}
}

func TestShutdownDuringSeed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Chains: 2}, Deps{})
	wrap := &stopOnCreate{Store: f.store, svc: f.svc}
	wrap.trip.Store(true)
	f.svc.store = wrap

	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	f.assertFullyStopped(t)
	if f.svc.cron != nil {
		t.Fatal("sweep started after shutdown")
	}
}

func TestSetTargetPreference(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}

	if err := f.svc.SetTargetPreference(context.Background(), 9, "group"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetTargetPreference(9) = %v, want ErrNotFound", err)
	}
	if err := f.svc.SetTargetPreference(context.Background(), 1, "martian"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("SetTargetPreference(martian) = %v, want ErrInvalidArgument", err)
	}
	if err := f.svc.SetTargetPreference(context.Background(), 1, "supergroup"); err != nil {
		t.Fatalf("SetTargetPreference() = %v", err)
	}

	ts, err := f.svc.TaskBySeq(1)
	if err != nil {
		t.Fatalf("TaskBySeq(1) = %v", err)
	}
	if ts.TargetType != transport.ChatGuild {
		t.Fatalf("cached target = %q, want guild", ts.TargetType)
	}
	if got := mustGet(t, f.store, ts.ID).TargetType; got != transport.ChatGuild {
		t.Fatalf("stored target = %q, want guild", got)
	}

	f.clock.Advance(2 * time.Minute)
	next := f.pending(t, KindAnalysis)
	if len(next) != 1 || next[0].TargetType != transport.ChatGuild {
		t.Fatalf("successor = %+v, want one row inheriting guild", next)
	}
}

func TestSetDefaultTargetType(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	if err := f.svc.SetDefaultTargetType("nope"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("SetDefaultTargetType(nope) = %v, want ErrInvalidArgument", err)
	}
	if err := f.svc.SetDefaultTargetType("private"); err != nil {
		t.Fatalf("SetDefaultTargetType() = %v", err)
	}
	if got := f.svc.Status().TargetType; got != transport.ChatDM {
		t.Fatalf("TargetType = %q, want dm", got)
	}
}

func TestLegacyKindsDeletedAtBoot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{LegacyKinds: []string{"random-question-task", KindAnalysis}}, Deps{})
	legacy := f.create(t, storage.NewTask{Kind: "random-question-task", Seq: 1, NextExecution: t0.Add(time.Minute)})

	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	if f.svc.timers.Has(legacy.ID) {
		t.Fatal("legacy timer still armed")
	}
	if _, ok := f.svc.cache.Get(legacy.ID); ok {
		t.Fatal("legacy task still cached")
	}
	if _, err := f.store.Get(context.Background(), legacy.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("legacy row error = %v, want ErrNotFound", err)
	}
	if got := len(f.pending(t, KindAnalysis)); got != 1 {
		t.Fatalf("analysis rows = %d, want 1 (known kinds are never purged)", got)
	}
}

func TestUnknownKindRunsGenericBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, Deps{})
	odd := f.create(t, storage.NewTask{Kind: "mystery", Seq: 4, NextExecution: t0.Add(time.Second)})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	f.clock.Advance(time.Second)
	if got := mustGet(t, f.store, odd.ID).Status; got != storage.StatusCompleted {
		t.Fatalf("status = %q, want completed", got)
	}
	rows, _ := f.store.FindByKind(context.Background(), "mystery")
	if len(rows) != 1 {
		t.Fatalf("mystery rows = %d, want 1 (not perpetuated)", len(rows))
	}
}

func TestQueueFullRearmsAfterRetryDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryDelay: 30 * time.Second}, Deps{})
	row := f.create(t, storage.NewTask{Kind: KindAnalysis, Seq: 1, NextExecution: t0.Add(time.Second)})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}

	f.exec.setFull(true)
	f.clock.Advance(time.Second)
	at, ok := f.svc.timers.Deadline(row.ID)
	if !ok {
		t.Fatal("task not re-armed after queue full")
	}
	if want := t0.Add(31 * time.Second); !at.Equal(want) {
		t.Fatalf("re-armed at %v, want %v", at, want)
	}
	if got := mustGet(t, f.store, row.ID).Status; got != storage.StatusPending {
		t.Fatalf("status = %q, want pending", got)
	}

	f.exec.setFull(false)
	f.clock.Advance(30 * time.Second)
	if got := mustGet(t, f.store, row.ID).Status; got != storage.StatusCompleted {
		t.Fatalf("status = %q, want completed", got)
	}
	if got := len(f.pending(t, KindAnalysis)); got != 1 {
		t.Fatalf("successors = %d, want 1", got)
	}
}

func TestSuccessorRetriedWhileStoreDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryDelay: 30 * time.Second}, Deps{})
	row := f.create(t, storage.NewTask{Kind: KindAnalysis, Seq: 1, NextExecution: t0.Add(time.Second)})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}

	f.store.SetUnavailable(true)
	f.clock.Advance(time.Second)
	if !f.svc.timers.Has(chainKey(KindAnalysis, 1)) {
		t.Fatal("chain retry timer not armed")
	}
	if f.svc.timers.Len() != 1 {
		t.Fatalf("timers = %v, want only the retry", f.svc.timers.IDs())
	}

	f.store.SetUnavailable(false)
	f.clock.Advance(30 * time.Second)
	next := f.pending(t, KindAnalysis)
	if len(next) != 1 || next[0].ID == row.ID {
		t.Fatalf("successors = %+v, want exactly one new row", next)
	}
	if !f.svc.timers.Has(next[0].ID) || f.svc.cache.Len() != 1 {
		t.Fatal("successor not armed and cached")
	}
}

func TestQuestionSchedulesConversationFollowUp(t *testing.T) {
	t.Parallel()
	gen := &recordingGen{}
	deliv := &recordingDelivery{}
	target := transport.ChatTarget{ChatID: -42, ThreadID: 3, Type: transport.ChatGuild, Title: "builders"}
	f := newFixture(t, Config{FollowUpDelay: [2]time.Duration{time.Minute, 2 * time.Minute}}, Deps{
		Targets:   &chattyTargets{target: target},
		Delivery:  deliv,
		Generator: gen,
		Features:  staticFeatures{FeatureAutoMessages: true, FeatureFollowUpQuestions: true},
	})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}

	for i := 0; i < 40 && !gen.saw(StyleQuestion); i++ {
		f.clock.Advance(2 * time.Minute)
	}
	if !gen.saw(StyleQuestion) {
		t.Fatal("no question generated in 40 cycles")
	}
	f.clock.Advance(3 * time.Minute)
	if !gen.saw(StyleFollowUp) {
		t.Fatal("follow-up never generated")
	}

	deliv.mu.Lock()
	defer deliv.mu.Unlock()
	for _, to := range deliv.sent {
		if to.ChatID != target.ChatID || to.ThreadID != target.ThreadID {
			t.Fatalf("delivered to %+v, want %+v", to, target)
		}
	}
	for _, text := range deliv.texts {
		if strings.HasPrefix(text, string(StyleFollowUp)) && !strings.Contains(text, "deployment") {
			t.Fatalf("follow-up text %q lost the topic", text)
		}
	}
}

func TestConversationTaskDeliversStoredTopic(t *testing.T) {
	t.Parallel()
	deliv := &recordingDelivery{}
	f := newFixture(t, Config{}, Deps{Delivery: deliv, Generator: &recordingGen{}})
	payload, _ := json.Marshal(conversationPayload{ChatID: 55, ChatType: transport.ChatGroup, Topic: "coffee, beans"})
	row := f.create(t, storage.NewTask{Kind: KindConversation, Seq: 1, NextExecution: t0.Add(time.Second), Payload: payload})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	f.clock.Advance(time.Second)

	if deliv.count() != 1 || deliv.sent[0].ChatID != 55 {
		t.Fatalf("deliveries = %+v, want one to chat 55", deliv.sent)
	}
	if deliv.texts[0] != "follow_up: coffee, beans" {
		t.Fatalf("text = %q", deliv.texts[0])
	}
	if _, err := f.store.Get(context.Background(), row.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("conversation row error = %v, want deleted", err)
	}
}

func TestGateSkipsOutsideActiveHours(t *testing.T) {
	t.Parallel()
	deliv := &recordingDelivery{}
	f := newFixture(t, Config{ActiveStart: 20, ActiveEnd: 6}, Deps{
		Targets:  &chattyTargets{target: transport.ChatTarget{ChatID: 1, Type: transport.ChatDM}},
		Delivery: deliv,
	})
	row := f.create(t, storage.NewTask{Kind: KindAnalysis, Seq: 1, NextExecution: t0.Add(time.Second)})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	f.clock.Advance(time.Second)
	if deliv.count() != 0 {
		t.Fatalf("deliveries = %d, want 0 at noon", deliv.count())
	}
	if got := mustGet(t, f.store, row.ID).Status; got != storage.StatusCompleted {
		t.Fatalf("status = %q, want completed", got)
	}
	if got := len(f.pending(t, KindAnalysis)); got != 1 {
		t.Fatalf("successors = %d, want 1", got)
	}
}

func TestSweepDeletesFinishedAndReseeds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Chains: 2}, Deps{})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	// Lose slot 2 behind the scheduler's back.
	e, _ := f.svc.cache.FindBySeq(KindAnalysis, 2)
	f.svc.timers.Cancel(e.ID)
	f.svc.cache.Remove(e.ID)

	f.clock.Advance(2 * time.Minute)
	f.svc.sweep(context.Background())

	rows, _ := f.store.FindByKind(context.Background(), KindAnalysis)
	for _, r := range rows {
		if r.Status.Terminal() {
			t.Fatalf("terminal row %s survived the sweep", r.ID)
		}
	}
	if _, ok := f.svc.cache.FindBySeq(KindAnalysis, 2); !ok {
		t.Fatal("slot 2 not reseeded")
	}
	if got := f.svc.cache.CountKind(KindAnalysis); got != 2 {
		t.Fatalf("cached analysis tasks = %d, want 2", got)
	}
}

func TestStatusReportsCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Chains: 2, MinDelay: time.Minute, MaxDelay: 90 * time.Minute}, Deps{})
	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}
	st := f.svc.Status()
	if !st.Enabled || !st.Initialized || st.ActiveCount != 2 || len(st.Tasks) != 2 {
		t.Fatalf("Status() = %+v", st)
	}
	if st.NextFireTime == nil || !st.NextFireTime.Equal(st.Tasks[0].NextExecution) {
		t.Fatalf("NextFireTime = %v, want first task's", st.NextFireTime)
	}
	if !st.InActiveWindow || st.CurrentHour != 12 || st.Timezone != "UTC" {
		t.Fatalf("window fields = %v %d %q", st.InActiveWindow, st.CurrentHour, st.Timezone)
	}
	if st.MinDelay != "1m" || st.MaxDelay != "1h 30m" || st.ActiveHours != "08:00-23:00" {
		t.Fatalf("config fields = %q %q %q", st.MinDelay, st.MaxDelay, st.ActiveHours)
	}
}

func TestFormatDelay(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{59*time.Minute + 59*time.Second, "59m"},
		{65 * time.Minute, "1h 5m"},
		{3 * time.Hour, "3h 0m"},
	}
	for _, tc := range cases {
		if got := FormatDelay(tc.in); got != tc.want {
			t.Fatalf("FormatDelay(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInActiveWindow(t *testing.T) {
	t.Parallel()
	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 30, 0, 0, time.UTC) }
	cases := []struct {
		hour, start, end int
		want             bool
	}{
		{7, 8, 23, false},
		{8, 8, 23, true},
		{22, 8, 23, true},
		{23, 8, 23, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{12, 22, 6, false},
		{4, 0, 0, true},
	}
	for _, tc := range cases {
		if got := InActiveWindow(at(tc.hour), time.UTC, tc.start, tc.end); got != tc.want {
			t.Fatalf("InActiveWindow(%d, %d-%d) = %v, want %v", tc.hour, tc.start, tc.end, got, tc.want)
		}
	}
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 07:30 UTC is 08:30 in Paris during winter.
	if !InActiveWindow(at(7), paris, 8, 23) {
		t.Fatal("InActiveWindow ignored the location")
	}
}
