package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"autochat/internal/storage"
	"autochat/internal/task/cache"
	"autochat/internal/transport"
	logx "autochat/pkg/logx"
)

// conversationPayload is the payload of a conversation task.
type conversationPayload struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	ChatType string `json:"chat_type,omitempty"`
	Title    string `json:"title,omitempty"`
	Topic    string `json:"topic,omitempty"`
}

func (p conversationPayload) target() transport.ChatTarget {
	return transport.ChatTarget{ChatID: p.ChatID, ThreadID: p.ThreadID, Type: p.ChatType, Title: p.Title}
}

var fallbackTexts = map[Style][]string{
	StyleQuestion: {"What do you think?", "Any thoughts on this?"},
	StyleComment:  {"Interesting.", "Very interesting."},
	StyleFollowUp: {"Anyone else have an opinion on this?", "Still thinking about this one."},
}

// gateOpen reports whether automatic messages may be sent right now.
func (s *Service) gateOpen(cfg Config, log logx.Logger) bool {
	if s.features != nil && !s.features.IsFeatureEnabled(FeatureAutoMessages) {
		log.Info("skipped: automatic messages disabled")
		return false
	}
	now := s.clock.Now()
	if !InActiveWindow(now, cfg.Location, cfg.ActiveStart, cfg.ActiveEnd) {
		log.Info("skipped: outside active hours",
			logx.Int("hour", now.In(cfg.Location).Hour()),
			logx.Int("start", cfg.ActiveStart),
			logx.Int("end", cfg.ActiveEnd),
		)
		return false
	}
	return true
}

func (s *Service) analysisBody(ctx context.Context, e cache.Entry, log logx.Logger) error {
	cfg := s.config()
	if !s.gateOpen(cfg, log) {
		return nil
	}
	if s.targets == nil {
		log.Debug("skipped: no target selector")
		return nil
	}

	hint := e.TargetType
	if hint == "" {
		hint = cfg.TargetType
	}
	target, ok := s.targets.PickTarget(ctx, hint)
	if !ok {
		log.Info("skipped: no eligible chat", logx.String("target_type", hint))
		return nil
	}
	log = log.With(logx.Int64("chat_id", target.ChatID), logx.String("chat_type", target.Type))

	msgs := s.targets.RecentMessages(target.ChatID, recentMessages)
	score, topic := Relevance(msgs, s.clock.Now())
	if score < relevanceThreshold {
		log.Info("skipped: conversation not relevant", logx.Float64("score", score), logx.Int("messages", len(msgs)))
		return nil
	}

	style := StyleComment
	if s.followUpsEnabled() && s.chance(questionChance) {
		style = StyleQuestion
	}
	pc := PromptContext{ChatTitle: target.Title, Topic: topic, Messages: msgs}
	text := s.generate(ctx, pc, style)

	if err := s.send(ctx, target, text, log); err != nil {
		return err
	}
	log.Info("automatic message sent", logx.String("style", string(style)), logx.Float64("score", score), logx.String("topic", topic))

	if style == StyleQuestion {
		s.scheduleFollowUp(ctx, cfg, e, target, topic, log)
	}
	return nil
}

func (s *Service) conversationBody(ctx context.Context, e cache.Entry, log logx.Logger) error {
	cfg := s.config()
	if !s.gateOpen(cfg, log) {
		return nil
	}
	t, err := s.store.Get(ctx, e.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Info("skipped: conversation row gone")
			return nil
		}
		return fmt.Errorf("load payload: %w", storageErr(err))
	}
	var p conversationPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil || p.ChatID == 0 {
		return fmt.Errorf("%w: bad conversation payload", ErrInvalidArgument)
	}

	target := p.target()
	var msgs []transport.Message
	if s.targets != nil {
		msgs = s.targets.RecentMessages(p.ChatID, recentMessages)
	}
	text := s.generate(ctx, PromptContext{ChatTitle: p.Title, Topic: p.Topic, Messages: msgs}, StyleFollowUp)
	if err := s.send(ctx, target, text, log.With(logx.Int64("chat_id", p.ChatID))); err != nil {
		return err
	}
	log.Info("follow-up sent", logx.Int64("chat_id", p.ChatID), logx.String("topic", p.Topic))
	return nil
}

// scheduleFollowUp creates the one-shot conversation task that follows a
// question. Failures are logged; the analysis run still succeeds.
func (s *Service) scheduleFollowUp(ctx context.Context, cfg Config, e cache.Entry, target transport.ChatTarget, topic string, log logx.Logger) {
	if s.stopping.Load() {
		return
	}
	if n := s.cache.Len(); n >= cfg.MaxActiveTasks {
		log.Info("follow-up not scheduled: too many active tasks", logx.Int("active", n), logx.Int("max", cfg.MaxActiveTasks))
		return
	}
	payload, err := json.Marshal(conversationPayload{
		ChatID:   target.ChatID,
		ThreadID: target.ThreadID,
		ChatType: target.Type,
		Title:    target.Title,
		Topic:    topic,
	})
	if err != nil {
		log.Warn("follow-up payload", logx.Err(err))
		return
	}
	delay := s.drawDelay(cfg.FollowUpDelay[0], cfg.FollowUpDelay[1])
	t, err := s.store.Create(ctx, storage.NewTask{
		Kind:          KindConversation,
		Seq:           e.Seq,
		NextExecution: s.clock.Now().Add(delay),
		TargetType:    target.Type,
		Payload:       payload,
	})
	if err != nil {
		log.Warn("follow-up not scheduled", logx.Err(err))
		return
	}
	if !s.armCreated(ctx, t) {
		return
	}
	log.Info("follow-up scheduled", logx.String("follow_up_id", t.ID), logx.String("in", FormatDelay(delay)))
}

func (s *Service) followUpsEnabled() bool {
	return s.features == nil || s.features.IsFeatureEnabled(FeatureFollowUpQuestions)
}

func (s *Service) generate(ctx context.Context, pc PromptContext, style Style) string {
	if s.gen != nil {
		if text := s.gen.Generate(ctx, pc, style); text != "" {
			return text
		}
	}
	opts := fallbackTexts[style]
	if len(opts) == 0 {
		opts = fallbackTexts[StyleComment]
	}
	s.rngMu.Lock()
	i := s.rng.IntN(len(opts))
	s.rngMu.Unlock()
	return opts[i]
}

// send shows the typing indicator, then delivers. Only the delivery error counts.
func (s *Service) send(ctx context.Context, to transport.ChatTarget, text string, log logx.Logger) error {
	if s.delivery == nil {
		log.Debug("no delivery configured, message dropped")
		return nil
	}
	if err := s.delivery.ShowActivityIndicator(ctx, to); err != nil {
		log.Warn("activity indicator failed", logx.Err(err))
	}
	if err := s.delivery.Deliver(ctx, to, text); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}
