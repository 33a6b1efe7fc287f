package transport

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	logx "autochat/pkg/logx"
)

// HumanizerConfig shapes the typing simulation.
type HumanizerConfig struct {
	RatePerSec float64
	// Typing time is len(text)*TypingPerChar plus up to TypingJitter, capped at TypingMax.
	TypingPerChar time.Duration
	TypingJitter  time.Duration
	TypingMax     time.Duration
	// ThinkMin and ThinkMax bound the pause before the indicator appears.
	ThinkMin time.Duration
	ThinkMax time.Duration
}

func (c HumanizerConfig) withDefaults() HumanizerConfig {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.TypingPerChar <= 0 {
		c.TypingPerChar = 30 * time.Millisecond
	}
	if c.TypingJitter < 0 {
		c.TypingJitter = 0
	}
	if c.TypingMax <= 0 {
		c.TypingMax = 10 * time.Second
	}
	if c.ThinkMin <= 0 && c.ThinkMax <= 0 {
		c.ThinkMin, c.ThinkMax = time.Second, 4*time.Second
	}
	c.ThinkMax = max(c.ThinkMax, c.ThinkMin)
	return c
}

// typingRefresh re-sends the indicator before Telegram drops it.
const typingRefresh = 4 * time.Second

// Sender is the subset of Adapter a Humanizer needs.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendTyping(ctx context.Context, to ChatTarget) error
}

// Humanizer delivers messages with a typing delay proportional to their
// length and a global send rate.
type Humanizer struct {
	sender Sender
	log    logx.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cfg     HumanizerConfig
	limiter *rate.Limiter
	rng     *rand.Rand
}

type HumanizerOption func(*Humanizer)

// WithSleep replaces the context-aware sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) HumanizerOption {
	return func(h *Humanizer) { h.sleep = fn }
}

func WithRand(r *rand.Rand) HumanizerOption {
	return func(h *Humanizer) { h.rng = r }
}

func NewHumanizer(cfg HumanizerConfig, sender Sender, log logx.Logger, opts ...HumanizerOption) *Humanizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Humanizer{sender: sender, log: log.With(logx.String("comp", "delivery")), sleep: sleepCtx}
	for _, o := range opts {
		o(h)
	}
	if h.rng == nil {
		seed := uint64(time.Now().UnixNano())
		h.rng = rand.New(rand.NewPCG(seed, seed>>3|1))
	}
	h.Apply(cfg)
	return h
}

func (h *Humanizer) Apply(cfg HumanizerConfig) {
	cfg = cfg.withDefaults()
	h.mu.Lock()
	h.cfg = cfg
	h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(int(cfg.RatePerSec), 1))
	h.mu.Unlock()
}

func (h *Humanizer) snapshot() (HumanizerConfig, *rate.Limiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg, h.limiter
}

func (h *Humanizer) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo + time.Duration(h.rng.Int64N(int64(hi-lo)+1))
}

// TypingDelay is how long writing text takes.
func (h *Humanizer) TypingDelay(text string) time.Duration {
	cfg, _ := h.snapshot()
	d := time.Duration(utf8.RuneCountInString(text))*cfg.TypingPerChar + h.between(0, cfg.TypingJitter)
	return min(d, cfg.TypingMax)
}

// ShowActivityIndicator pauses briefly, then shows "typing".
func (h *Humanizer) ShowActivityIndicator(ctx context.Context, to ChatTarget) error {
	cfg, _ := h.snapshot()
	if err := h.sleep(ctx, h.between(cfg.ThinkMin, cfg.ThinkMax)); err != nil {
		return err
	}
	return h.sender.SendTyping(ctx, to)
}

// Deliver keeps the indicator alive for the typing delay, then sends text.
func (h *Humanizer) Deliver(ctx context.Context, to ChatTarget, text string) error {
	_, limiter := h.snapshot()
	remaining := h.TypingDelay(text)
	for remaining > 0 {
		step := min(remaining, typingRefresh)
		if err := h.sleep(ctx, step); err != nil {
			return err
		}
		remaining -= step
		if remaining > 0 {
			if err := h.sender.SendTyping(ctx, to); err != nil {
				h.log.Debug("typing refresh failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
			}
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := h.sender.SendText(ctx, to, text, &SendOptions{DisablePreview: true})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
