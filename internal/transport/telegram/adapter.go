// Package telegram connects the bot to Telegram through telebot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "autochat/internal/runtime/supervisor"
	"autochat/internal/transport"
	logx "autochat/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter implements transport.Adapter and logx.ChatSender.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out atomic.Value // chan<- transport.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	var none chan<- transport.Update
	a.out.Store(none)
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	a.forward(transport.Update{Message: convert(m)})
	return nil
}

func convert(m *tele.Message) *transport.Message {
	msg := &transport.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		ChatType:  chatType(m.Chat.Type),
		ChatTitle: m.Chat.Title,
		Text:      m.Text,
		At:        m.Time(),
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
		msg.FromIsBot = m.Sender.IsBot
		if msg.FromUsername == "" {
			msg.FromUsername = m.Sender.FirstName
		}
	}
	if msg.ChatTitle == "" && msg.ChatType == transport.ChatDM {
		msg.ChatTitle = msg.FromUsername
	}
	return msg
}

func chatType(t tele.ChatType) string {
	switch t {
	case tele.ChatPrivate:
		return transport.ChatDM
	case tele.ChatGroup:
		return transport.ChatGroup
	case tele.ChatSuperGroup:
		return transport.ChatGuild
	default:
		return string(t)
	}
}

func (a *Adapter) forward(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling; updates are written to out without blocking.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telegram.drop_report", func(c context.Context) {
		tick := time.NewTicker(5 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-tick.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; restart it if it returns early.
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling. It waits at most 2s so a pending getUpdates cannot hold
// shutdown.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var none chan<- transport.Update
	a.out.Store(none)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendTyping shows the "typing" action, which Telegram clears after ~5s.
func (a *Adapter) SendTyping(ctx context.Context, to transport.ChatTarget) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: to.ChatID}
	if to.ThreadID > 0 {
		return a.bot.Notify(chat, tele.Typing, to.ThreadID)
	}
	return a.bot.Notify(chat, tele.Typing)
}

// SendLog implements logx.ChatSender.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &transport.SendOptions{DisablePreview: true})
	return err
}
