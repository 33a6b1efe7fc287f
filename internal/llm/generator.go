package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"autochat/internal/task/scheduler"
	logx "autochat/pkg/logx"
)

const contextMessages = 10

// Completer is what Generator needs from a Client.
type Completer interface {
	Complete(ctx context.Context, msgs []Message) (string, error)
}

type fallback struct{ empty, failed string }

var fallbacks = map[scheduler.Style]fallback{
	scheduler.StyleQuestion: {"What do you think?", "Any thoughts on this?"},
	scheduler.StyleComment:  {"Interesting.", "Very interesting."},
	scheduler.StyleFollowUp: {"Anyone else have an opinion on this?", "Still thinking about this one."},
}

var instructions = map[scheduler.Style]string{
	scheduler.StyleQuestion: `Write one natural follow-up question for the conversation below.
It must relate to the main topic, fit the flow of the chat, invite more discussion and stay short (one or two sentences).
No preamble, just the question.`,
	scheduler.StyleComment: `Write one natural comment for the conversation below.
It must relate to the main topic, add something to the discussion and stay short (one or two sentences).
No preamble such as "I think", just the comment.`,
	scheduler.StyleFollowUp: `A while ago you asked the group a question about the topic below.
Write one short, casual line that revives the discussion without repeating the question.`,
}

// Generator writes messages through a Completer and never fails: any error
// yields a canned fallback.
type Generator struct {
	c   Completer
	log logx.Logger

	mu     sync.RWMutex
	system string
}

func NewGenerator(c Completer, systemPrompt string, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{c: c, system: systemPrompt, log: log.With(logx.String("comp", "llm"))}
}

// SetSystemPrompt replaces the persona text for later generations.
func (g *Generator) SetSystemPrompt(s string) {
	g.mu.Lock()
	g.system = s
	g.mu.Unlock()
}

func (g *Generator) Generate(ctx context.Context, pc scheduler.PromptContext, style scheduler.Style) string {
	fb, ok := fallbacks[style]
	if !ok {
		fb = fallbacks[scheduler.StyleComment]
	}
	if g.c == nil {
		return fb.empty
	}
	g.mu.RLock()
	system := g.system
	g.mu.RUnlock()
	text, err := g.c.Complete(ctx, BuildPrompt(system, pc, style))
	switch {
	case err == nil:
		return text
	case errors.Is(err, ErrDisabled) || errors.Is(err, ErrEmpty):
		return fb.empty
	default:
		g.log.Warn("generation failed, using fallback", logx.String("style", string(style)), logx.Err(err))
		return fb.failed
	}
}

// BuildPrompt renders the chat messages sent to the model.
func BuildPrompt(system string, pc scheduler.PromptContext, style scheduler.Style) []Message {
	var sys strings.Builder
	if system != "" {
		sys.WriteString(system)
		sys.WriteString("\n\n")
	}
	instr, ok := instructions[style]
	if !ok {
		instr = instructions[scheduler.StyleComment]
	}
	sys.WriteString(instr)

	var user strings.Builder
	if pc.ChatTitle != "" {
		fmt.Fprintf(&user, "Chat: %s\n", pc.ChatTitle)
	}
	msgs := pc.Messages
	if len(msgs) > contextMessages {
		msgs = msgs[len(msgs)-contextMessages:]
	}
	if len(msgs) > 0 {
		user.WriteString("Recent conversation:\n")
		for _, m := range msgs {
			name := m.FromUsername
			if name == "" {
				name = fmt.Sprintf("user%d", m.FromID)
			}
			fmt.Fprintf(&user, "%s: %s\n", name, strings.TrimSpace(m.Text))
		}
		user.WriteString("\n")
	}
	topic := pc.Topic
	if topic == "" {
		topic = "general chat"
	}
	fmt.Fprintf(&user, "Main topic: %s", topic)

	return []Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}
