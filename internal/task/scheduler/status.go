package scheduler

import (
	"context"
	"fmt"
	"time"

	"autochat/internal/task/cache"
	"autochat/internal/task/engine"
	"autochat/internal/transport"
	logx "autochat/pkg/logx"
)

type TaskStatus struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	Seq           int           `json:"seq"`
	NextExecution time.Time     `json:"next_execution"`
	TimeRemaining time.Duration `json:"time_remaining"`
	TargetType    string        `json:"target_type,omitempty"`
}

// Status is a point-in-time view built from the cache only.
type Status struct {
	Enabled        bool         `json:"enabled"`
	Initialized    bool         `json:"initialized"`
	ActiveCount    int          `json:"active_count"`
	Tasks          []TaskStatus `json:"tasks"`
	NextFireTime   *time.Time   `json:"next_fire_time,omitempty"`
	InActiveWindow bool         `json:"in_active_window"`
	CurrentHour    int          `json:"current_hour"`
	Timezone       string       `json:"timezone"`
	MinDelay       string       `json:"min_delay"`
	MaxDelay       string       `json:"max_delay"`
	ActiveHours    string       `json:"active_hours"`
	TargetType     string       `json:"target_type,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// Status never fails; problems end up in Status.Error.
func (s *Service) Status() (st Status) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("status panicked", logx.Any("panic", r))
			st.Error = fmt.Sprintf("status unavailable: %v", r)
		}
	}()

	cfg := s.config()
	now := s.clock.Now()
	s.stateMu.Lock()
	st.Initialized = s.initialized
	if s.initErr != nil {
		st.Error = s.initErr.Error()
	}
	s.stateMu.Unlock()

	st.Enabled = cfg.Enabled
	st.Timezone = cfg.Location.String()
	st.CurrentHour = now.In(cfg.Location).Hour()
	st.InActiveWindow = InActiveWindow(now, cfg.Location, cfg.ActiveStart, cfg.ActiveEnd)
	st.MinDelay = FormatDelay(cfg.MinDelay)
	st.MaxDelay = FormatDelay(cfg.MaxDelay)
	st.ActiveHours = fmt.Sprintf("%02d:00-%02d:00", cfg.ActiveStart, cfg.ActiveEnd)
	st.TargetType = cfg.TargetType

	entries := s.cache.Snapshot()
	st.ActiveCount = len(entries)
	st.Tasks = make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		st.Tasks = append(st.Tasks, taskStatus(e, now))
	}
	if len(entries) > 0 {
		next := entries[0].NextExecution
		st.NextFireTime = &next
	}
	return st
}

func taskStatus(e cache.Entry, now time.Time) TaskStatus {
	return TaskStatus{
		ID:            e.ID,
		Kind:          e.Kind,
		Seq:           e.Seq,
		NextExecution: e.NextExecution,
		TimeRemaining: max(e.NextExecution.Sub(now), 0),
		TargetType:    e.TargetType,
	}
}

// TaskBySeq returns the pending analysis task of a chain slot.
func (s *Service) TaskBySeq(seq int) (TaskStatus, error) {
	e, ok := s.cache.FindBySeq(KindAnalysis, seq)
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: no pending task for slot %d", ErrNotFound, seq)
	}
	return taskStatus(e, s.clock.Now()), nil
}

// SetTargetPreference changes the targeting hint of the pending task in slot
// seq. Successors inherit it.
func (s *Service) SetTargetPreference(ctx context.Context, seq int, hint string) error {
	tt, err := transport.ParseChatType(hint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	e, ok := s.cache.FindBySeq(KindAnalysis, seq)
	if !ok {
		return fmt.Errorf("%w: no pending task for slot %d", ErrNotFound, seq)
	}
	s.cache.SetTargetType(e.ID, tt)
	if _, err := s.store.SetTargetType(ctx, e.ID, tt); err != nil {
		s.log.Warn("target type not persisted", logx.String("id", e.ID), logx.Err(err))
	}
	s.log.Info("target preference set", logx.Int("seq", seq), logx.String("target_type", displayType(tt)))
	return nil
}

// SetDefaultTargetType changes the hint used by tasks without their own.
func (s *Service) SetDefaultTargetType(hint string) error {
	tt, err := transport.ParseChatType(hint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	s.mu.Lock()
	s.cfg.TargetType = tt
	s.mu.Unlock()
	s.log.Info("default target type set", logx.String("target_type", displayType(tt)))
	return nil
}

// TargetingStats reports the selector's counters, or nil when it keeps none.
func (s *Service) TargetingStats() any {
	if ti, ok := s.targets.(TargetInspector); ok {
		return ti.Stats()
	}
	return nil
}

// PreviewNextTarget returns the chat the next analysis run would most likely pick.
func (s *Service) PreviewNextTarget() (transport.ChatTarget, bool) {
	ti, ok := s.targets.(TargetInspector)
	if !ok {
		return transport.ChatTarget{}, false
	}
	return ti.Preview(s.config().TargetType)
}

// History returns the executor's recent runs, newest last.
func (s *Service) History() []engine.HistoryItem {
	if h, ok := s.exec.(HistorySource); ok {
		return h.History()
	}
	return nil
}

func displayType(tt string) string {
	if tt == "" {
		return "any"
	}
	return tt
}
