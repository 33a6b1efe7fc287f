package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Chat types as seen by target selection.
const (
	ChatDM    = "dm"    // private chat
	ChatGroup = "group" // basic group
	ChatGuild = "guild" // supergroup or forum
)

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	ChatType     string
	ChatTitle    string
	FromID       int64
	FromUsername string
	FromIsBot    bool
	Text         string
	At           time.Time
}

type ChatTarget struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is a chat platform connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendTyping(ctx context.Context, to ChatTarget) error
}

// ParseChatType normalizes a targeting hint. "", "any" and "random" mean any
// chat type and map to "".
func ParseChatType(s string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", "any", "random":
		return "", nil
	case ChatDM, "private":
		return ChatDM, nil
	case ChatGroup:
		return ChatGroup, nil
	case ChatGuild, "supergroup", "forum":
		return ChatGuild, nil
	default:
		return "", fmt.Errorf("unknown chat type %q (use dm, group or guild)", s)
	}
}
