package targets

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"autochat/internal/transport"
	logx "autochat/pkg/logx"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTracker(cfg Config) (*Tracker, *fakeNow) {
	clk := &fakeNow{t: time.Date(2026, 4, 10, 18, 0, 0, 0, time.UTC)}
	return New(cfg, logx.Nop(), WithClock(clk.now), WithRand(rand.New(rand.NewPCG(7, 11)))), clk
}

func say(chatID int64, chatType, title string, from int64, text string, at time.Time) transport.Message {
	return transport.Message{ChatID: chatID, ChatType: chatType, ChatTitle: title, FromID: from, FromUsername: "u" + title, Text: text, At: at}
}

func TestPickTargetHonorsHintAndWindow(t *testing.T) {
	t.Parallel()
	tr, clk := newTracker(Config{Window: 30 * time.Minute})
	tr.Observe(say(1, transport.ChatGroup, "friends", 10, "hi", clk.t.Add(-40*time.Minute)))
	tr.Observe(say(2, transport.ChatGuild, "builders", 11, "ship it", clk.t.Add(-time.Minute)))
	tr.Observe(say(3, transport.ChatDM, "", 12, "hey bot", clk.t.Add(-2*time.Minute)))

	cases := []struct {
		hint   string
		want   int64
		wantOK bool
	}{
		{transport.ChatGuild, 2, true},
		{transport.ChatDM, 3, true},
		{transport.ChatGroup, 0, false}, // only chat is stale
	}
	for _, tc := range cases {
		got, ok := tr.PickTarget(context.Background(), tc.hint)
		if ok != tc.wantOK || got.ChatID != tc.want {
			t.Fatalf("PickTarget(%q) = %d, %v; want %d, %v", tc.hint, got.ChatID, ok, tc.want, tc.wantOK)
		}
	}

	for range 20 {
		got, ok := tr.PickTarget(context.Background(), "")
		if !ok || got.ChatID == 1 {
			t.Fatalf("PickTarget(any) = %d, %v; want an active chat", got.ChatID, ok)
		}
	}
}

func TestBotMessagesAreNotActivity(t *testing.T) {
	t.Parallel()
	tr, clk := newTracker(Config{})
	m := say(5, transport.ChatGroup, "g", 99, "automated", clk.t)
	m.FromIsBot = true
	tr.Observe(m)
	if _, ok := tr.PickTarget(context.Background(), ""); ok {
		t.Fatal("chat with only bot messages was picked")
	}
	if got := tr.RecentMessages(5, 10); len(got) != 0 {
		t.Fatalf("RecentMessages = %d, want 0", len(got))
	}
}

func TestRecentMessagesBounded(t *testing.T) {
	t.Parallel()
	tr, clk := newTracker(Config{History: 3})
	for i := range 5 {
		tr.Observe(say(8, transport.ChatGroup, "g", int64(i), string(rune('a'+i)), clk.t))
	}
	got := tr.RecentMessages(8, 10)
	if len(got) != 3 || got[0].Text != "c" || got[2].Text != "e" {
		t.Fatalf("RecentMessages = %+v, want c..e", got)
	}
	if got := tr.RecentMessages(8, 2); len(got) != 2 || got[0].Text != "d" {
		t.Fatalf("RecentMessages(2) = %+v, want d, e", got)
	}
}

func TestMaxChatsEvictsOldest(t *testing.T) {
	t.Parallel()
	tr, clk := newTracker(Config{MaxChats: 2})
	tr.Observe(say(1, transport.ChatGroup, "a", 1, "x", clk.t.Add(-3*time.Minute)))
	tr.Observe(say(2, transport.ChatGroup, "b", 1, "x", clk.t.Add(-2*time.Minute)))
	tr.Observe(say(3, transport.ChatGroup, "c", 1, "x", clk.t.Add(-time.Minute)))
	if got := tr.Snapshot().TrackedChats; got != 2 {
		t.Fatalf("TrackedChats = %d, want 2", got)
	}
	if got := tr.RecentMessages(1, 5); got != nil {
		t.Fatalf("oldest chat kept: %+v", got)
	}
}

func TestPreviewIsCachedAndConsumed(t *testing.T) {
	t.Parallel()
	tr, clk := newTracker(Config{PreviewTTL: 5 * time.Minute})
	for id := int64(1); id <= 6; id++ {
		tr.Observe(say(id, transport.ChatGroup, "g", id, "hello", clk.t))
	}
	first, ok := tr.Preview("")
	if !ok {
		t.Fatal("Preview() found nothing")
	}
	for range 5 {
		if again, _ := tr.Preview(""); again.ChatID != first.ChatID {
			t.Fatalf("Preview() = %d, want cached %d", again.ChatID, first.ChatID)
		}
	}
	if snap := tr.Snapshot(); snap.NextChat == nil || snap.NextChat.ChatID != first.ChatID {
		t.Fatalf("Snapshot().NextChat = %+v", snap.NextChat)
	}
	picked, ok := tr.PickTarget(context.Background(), "")
	if !ok || picked.ChatID != first.ChatID {
		t.Fatalf("PickTarget() = %d, want previewed %d", picked.ChatID, first.ChatID)
	}
	if tr.Snapshot().NextChat != nil {
		t.Fatal("preview not consumed")
	}

	tr.Preview("")
	clk.advance(6 * time.Minute)
	for id := int64(1); id <= 6; id++ {
		tr.Observe(say(id, transport.ChatGroup, "g", id, "still here", clk.t))
	}
	if _, ok := tr.Preview(""); !ok {
		t.Fatal("expired preview not replaced")
	}
}

func TestStatsCountPicks(t *testing.T) {
	t.Parallel()
	tr, clk := newTracker(Config{Types: []string{transport.ChatDM, transport.ChatGuild}})
	tr.Observe(say(1, transport.ChatDM, "", 1, "yo", clk.t))
	tr.Observe(say(2, transport.ChatGuild, "builders", 2, "yo", clk.t))
	tr.Observe(say(3, transport.ChatGroup, "family", 3, "yo", clk.t))

	tr.PickTarget(context.Background(), transport.ChatDM)
	tr.PickTarget(context.Background(), transport.ChatGuild)
	tr.PickTarget(context.Background(), transport.ChatGuild)
	tr.PickTarget(context.Background(), transport.ChatGroup) // disabled type

	s := tr.Snapshot()
	if s.Picks != 3 || s.Misses != 1 {
		t.Fatalf("picks, misses = %d, %d; want 3, 1", s.Picks, s.Misses)
	}
	if s.Users.Names["u"] != 1 || s.Guilds.Names["builders"] != 2 {
		t.Fatalf("users = %+v, guilds = %+v", s.Users, s.Guilds)
	}
	if got := s.ByType[transport.ChatGuild].Count; got != 2 {
		t.Fatalf("guild count = %d, want 2", got)
	}
	if s.ActiveChats != 2 || s.TrackedChats != 3 {
		t.Fatalf("active, tracked = %d, %d; want 2, 3", s.ActiveChats, s.TrackedChats)
	}
}

func TestParseTargetType(t *testing.T) {
	t.Parallel()
	cases := map[string]string{"": "", "any": "", "private": "dm", "DM": "dm", "group": "group", "supergroup": "guild"}
	for in, want := range cases {
		got, err := ParseTargetType(in)
		if err != nil || got != want {
			t.Fatalf("ParseTargetType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseTargetType("channel"); err == nil {
		t.Fatal("ParseTargetType(channel) succeeded")
	}
}
