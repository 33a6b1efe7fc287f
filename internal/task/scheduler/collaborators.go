package scheduler

import (
	"context"

	"autochat/internal/task/engine"
	"autochat/internal/transport"
)

// Style selects what kind of message the generator writes.
type Style string

const (
	StyleQuestion Style = "question"
	StyleComment  Style = "comment"
	StyleFollowUp Style = "follow_up"
)

// PromptContext is what the generator knows about the target conversation.
type PromptContext struct {
	ChatTitle string
	Topic     string
	Messages  []transport.Message
}

// TextGenerator writes message text. It never fails: on error it returns a
// fallback text.
type TextGenerator interface {
	Generate(ctx context.Context, pc PromptContext, style Style) string
}

// TargetSelector picks where to talk. ok=false means skip this cycle.
type TargetSelector interface {
	PickTarget(ctx context.Context, hint string) (transport.ChatTarget, bool)
	RecentMessages(chatID int64, n int) []transport.Message
}

// TargetInspector is implemented by selectors that can report on targeting.
type TargetInspector interface {
	Preview(hint string) (transport.ChatTarget, bool)
	Stats() any
}

type Delivery interface {
	ShowActivityIndicator(ctx context.Context, to transport.ChatTarget) error
	Deliver(ctx context.Context, to transport.ChatTarget, text string) error
}

type FeatureProvider interface {
	IsFeatureEnabled(name string) bool
	Get(key string) string
}

// Executor runs jobs off the timer goroutine.
type Executor interface {
	Enqueue(j engine.Job) error
}

// HistorySource is implemented by executors that keep a run history.
type HistorySource interface {
	History() []engine.HistoryItem
}
