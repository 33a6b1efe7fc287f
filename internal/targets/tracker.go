// Package targets remembers which chats are active and picks where the bot
// speaks next.
package targets

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"autochat/internal/transport"
	logx "autochat/pkg/logx"
)

type Config struct {
	// Window is how recent a chat's last human message must be.
	Window     time.Duration
	PreviewTTL time.Duration
	// History is the number of messages kept per chat.
	History  int
	MaxChats int
	// Types lists the enabled chat types; empty enables all.
	Types []string
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 30 * time.Minute
	}
	if c.PreviewTTL <= 0 {
		c.PreviewTTL = 5 * time.Minute
	}
	if c.History <= 0 {
		c.History = 20
	}
	if c.MaxChats <= 0 {
		c.MaxChats = 500
	}
	if len(c.Types) == 0 {
		c.Types = []string{transport.ChatGuild, transport.ChatDM, transport.ChatGroup}
	}
	return c
}

type chat struct {
	target transport.ChatTarget
	last   time.Time
	msgs   []transport.Message
}

type preview struct {
	hint   string
	target transport.ChatTarget
	at     time.Time
}

// Tracker implements the scheduler's target selection from observed traffic.
type Tracker struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	cfg     Config
	chats   map[int64]*chat
	preview *preview
	stats   Stats
	rng     *rand.Rand
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRand fixes the random source.
func WithRand(r *rand.Rand) Option {
	return func(t *Tracker) { t.rng = r }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{
		log:   log.With(logx.String("comp", "targets")),
		now:   time.Now,
		cfg:   cfg.withDefaults(),
		chats: map[int64]*chat{},
		stats: newStats(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.rng == nil {
		seed := uint64(time.Now().UnixNano())
		t.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return t
}

func (t *Tracker) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	t.preview = nil
	t.mu.Unlock()
}

// ParseTargetType validates a targeting hint.
func ParseTargetType(s string) (string, error) {
	return transport.ParseChatType(s)
}

// Observe records an incoming message. Bot messages refresh chat metadata
// but do not count as activity.
func (t *Tracker) Observe(m transport.Message) {
	if m.ChatID == 0 {
		return
	}
	at := m.At
	if at.IsZero() {
		at = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chats[m.ChatID]
	if !ok {
		if len(t.chats) >= t.cfg.MaxChats {
			t.evictOldestLocked()
		}
		c = &chat{}
		t.chats[m.ChatID] = c
	}
	c.target = transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID, Type: m.ChatType, Title: m.ChatTitle}
	if c.target.Title == "" && m.ChatType == transport.ChatDM {
		c.target.Title = m.FromUsername
	}
	if m.FromIsBot {
		return
	}
	if at.After(c.last) {
		c.last = at
	}
	c.msgs = append(c.msgs, m)
	if over := len(c.msgs) - t.cfg.History; over > 0 {
		c.msgs = slices.Delete(c.msgs, 0, over)
	}
}

func (t *Tracker) evictOldestLocked() {
	var (
		oldest int64
		at     time.Time
		found  bool
	)
	for id, c := range t.chats {
		if !found || c.last.Before(at) {
			oldest, at, found = id, c.last, true
		}
	}
	if found {
		delete(t.chats, oldest)
		t.log.Debug("chat evicted", logx.Int64("chat_id", oldest))
	}
}

// RecentMessages returns up to n of the latest human messages of a chat, oldest first.
func (t *Tracker) RecentMessages(chatID int64, n int) []transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chats[chatID]
	if !ok || n <= 0 {
		return nil
	}
	from := max(len(c.msgs)-n, 0)
	return slices.Clone(c.msgs[from:])
}

// PickTarget chooses a chat for the next automatic message. A still-valid
// preview for the same hint is honored and consumed.
func (t *Tracker) PickTarget(_ context.Context, hint string) (transport.ChatTarget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if p := t.preview; p != nil && p.hint == hint && now.Sub(p.at) < t.cfg.PreviewTTL {
		t.preview = nil
		if c, ok := t.chats[p.target.ChatID]; ok && t.eligibleLocked(c, now) {
			t.stats.record(c.target)
			return c.target, true
		}
	}
	target, ok := t.selectLocked(hint, now)
	if ok {
		t.stats.record(target)
	} else {
		t.stats.Misses++
	}
	return target, ok
}

// Preview returns the chat PickTarget would use next for hint. The answer is
// cached for PreviewTTL.
func (t *Tracker) Preview(hint string) (transport.ChatTarget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if p := t.preview; p != nil && p.hint == hint && now.Sub(p.at) < t.cfg.PreviewTTL {
		return p.target, true
	}
	target, ok := t.selectLocked(hint, now)
	if !ok {
		t.preview = nil
		return transport.ChatTarget{}, false
	}
	t.preview = &preview{hint: hint, target: target, at: now}
	return target, true
}

func (t *Tracker) eligibleLocked(c *chat, now time.Time) bool {
	return slices.Contains(t.cfg.Types, c.target.Type) && now.Sub(c.last) <= t.cfg.Window && len(c.msgs) > 0
}

// selectLocked picks a random enabled type with candidates (or hint's type),
// then a random chat of that type.
func (t *Tracker) selectLocked(hint string, now time.Time) (transport.ChatTarget, bool) {
	if hint != "" && !slices.Contains(t.cfg.Types, hint) {
		t.log.Debug("target type disabled", logx.String("type", hint))
		return transport.ChatTarget{}, false
	}
	byType := map[string][]transport.ChatTarget{}
	for _, c := range t.chats {
		if !t.eligibleLocked(c, now) {
			continue
		}
		if hint != "" && c.target.Type != hint {
			continue
		}
		byType[c.target.Type] = append(byType[c.target.Type], c.target)
	}
	if len(byType) == 0 {
		return transport.ChatTarget{}, false
	}
	types := make([]string, 0, len(byType))
	for tt := range byType {
		types = append(types, tt)
	}
	sort.Strings(types)
	pool := byType[types[t.rng.IntN(len(types))]]
	sort.Slice(pool, func(i, j int) bool { return pool[i].ChatID < pool[j].ChatID })
	return pool[t.rng.IntN(len(pool))], true
}

// Stats returns a copy of the targeting counters.
func (t *Tracker) Stats() any {
	return t.Snapshot()
}

// Snapshot is Stats with a concrete type.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats.clone()
	out.TrackedChats = len(t.chats)
	now := t.now()
	for _, c := range t.chats {
		if t.eligibleLocked(c, now) {
			out.ActiveChats++
		}
	}
	if t.preview != nil {
		p := t.preview.target
		out.NextChat = &p
	}
	return out
}
