package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"autochat/internal/eventbus"
	"autochat/internal/storage"
	"autochat/internal/task/cache"
	"autochat/internal/task/engine"
	logx "autochat/pkg/logx"
)

// arm caches e and arms its timer for e.NextExecution. Once Shutdown has
// begun it arms nothing and reports false.
func (s *Service) arm(e cache.Entry) bool {
	s.armMu.Lock()
	defer s.armMu.Unlock()
	if s.stopping.Load() {
		return false
	}
	delay := e.NextExecution.Sub(s.clock.Now())
	s.cache.Put(e)
	s.timers.Schedule(e.ID, delay, func() { s.onFire(e) })
	s.publish(eventbus.TaskArmed, e)
	s.log.Debug("task armed", logx.String("id", e.ID), logx.String("in", FormatDelay(delay)))
	return true
}

// armCreated arms a row that was just created. A row created while Shutdown
// ran is marked stopped instead, so no pending row outlives the shutdown.
func (s *Service) armCreated(ctx context.Context, t storage.Task) bool {
	if s.arm(cache.FromTask(t)) {
		return true
	}
	if _, err := s.store.UpdateStatus(ctx, t.ID, storage.StatusStopped); err != nil {
		s.log.Warn("row created during shutdown left pending", logx.String("id", t.ID), logx.Err(err))
		return false
	}
	s.log.Debug("row created during shutdown stopped", logx.String("id", t.ID))
	return false
}

// retryLater arms a retry timer unless Shutdown has begun.
func (s *Service) retryLater(key string, d time.Duration, fn func()) {
	s.armMu.Lock()
	defer s.armMu.Unlock()
	if s.stopping.Load() {
		return
	}
	s.timers.Schedule(key, d, fn)
}

// onFire runs on the timer goroutine and only hands the task to the executor.
func (s *Service) onFire(e cache.Entry) {
	if s.stopping.Load() {
		return
	}
	if cur, ok := s.cache.Get(e.ID); ok {
		e = cur
	}
	err := s.exec.Enqueue(engine.Job{
		ID:   e.ID,
		Name: e.Kind,
		Run:  func(ctx context.Context) error { return s.runTask(ctx, e) },
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrQueueFull):
		retry := s.config().RetryDelay
		s.log.Warn("executor busy, task re-armed", logx.String("id", e.ID), logx.Duration("retry", retry))
		e.NextExecution = s.clock.Now().Add(retry)
		s.arm(e)
	default:
		s.log.Error("task not enqueued", logx.String("id", e.ID), logx.Err(err))
	}
}

// runTask executes one fired task. The returned error only feeds the
// executor's history; the outcome is already persisted.
func (s *Service) runTask(ctx context.Context, e cache.Entry) error {
	log := s.log.With(logx.String("id", e.ID), logx.String("kind", e.Kind), logx.Int("seq", e.Seq))

	s.cache.Remove(e.ID)
	s.setInflight(e, true)
	defer s.setInflight(e, false)

	changed, err := s.store.UpdateStatus(ctx, e.ID, storage.StatusRunning)
	switch {
	case err != nil:
		// The body still runs on the unconfirmed row; finish moves it out of pending.
		log = log.With(logx.Bool("unconfirmed", true))
		log.Warn("status update to running failed", logx.Err(err))
	case !changed:
		log.Info("task no longer pending, skipped")
		return nil
	}

	bodyErr := s.runBody(ctx, e, log)
	status := storage.StatusCompleted
	if bodyErr != nil {
		status = storage.StatusFailed
		log.Warn("task failed", logx.Err(bodyErr))
	}
	s.finish(ctx, e, status, log)

	if perpetuates(e.Kind) {
		s.continueChain(ctx, e)
	}
	return bodyErr
}

func (s *Service) runBody(ctx context.Context, e cache.Entry, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task body panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%w: panic: %v", ErrTaskBody, r)
		}
	}()

	var berr error
	switch e.Kind {
	case KindAnalysis:
		berr = s.analysisBody(ctx, e, log)
	case KindConversation:
		berr = s.conversationBody(ctx, e, log)
	default:
		log.Info("no body for task kind, completing")
	}
	if berr != nil {
		return fmt.Errorf("%w: %w", ErrTaskBody, berr)
	}
	return nil
}

// finish persists the terminal status. Failures are logged, never returned.
func (s *Service) finish(ctx context.Context, e cache.Entry, status storage.Status, log logx.Logger) {
	if _, err := s.store.UpdateStatus(ctx, e.ID, status); err != nil {
		log.Warn("status update failed", logx.String("status", string(status)), logx.Err(err))
	}
	if e.Kind == KindConversation {
		if err := s.store.Delete(ctx, e.ID); err == nil {
			return
		}
	}
	s.stateMu.Lock()
	s.finished = append(s.finished, e.ID)
	s.stateMu.Unlock()
}

// continueChain creates and arms the successor of prev in the same slot.
// When the store refuses, a retry timer keyed by the slot tries again.
func (s *Service) continueChain(ctx context.Context, prev cache.Entry) {
	if s.stopping.Load() {
		return
	}
	cfg := s.config()
	delay := s.drawDelay(cfg.MinDelay, cfg.MaxDelay)
	t, err := s.store.Create(ctx, storage.NewTask{
		Kind:          prev.Kind,
		Seq:           prev.Seq,
		NextExecution: s.clock.Now().Add(delay),
		TargetType:    prev.TargetType,
	})
	if err != nil {
		s.log.Warn("successor not created, retrying",
			logx.String("kind", prev.Kind), logx.Int("seq", prev.Seq), logx.Duration("retry", cfg.RetryDelay), logx.Err(err))
		s.retryLater(chainKey(prev.Kind, prev.Seq), cfg.RetryDelay, func() { s.retryChain(prev) })
		return
	}
	if !s.armCreated(ctx, t) {
		return
	}
	s.publish(eventbus.ChainRenewed, cache.FromTask(t))
	s.log.Info("next task scheduled",
		logx.String("id", t.ID), logx.Int("seq", t.Seq), logx.String("in", FormatDelay(delay)))
}

func (s *Service) retryChain(prev cache.Entry) {
	if s.stopping.Load() {
		return
	}
	key := chainKey(prev.Kind, prev.Seq)
	err := s.exec.Enqueue(engine.Job{
		ID:   key,
		Name: "chain.retry",
		Run: func(ctx context.Context) error {
			slot := cache.Entry{ID: key, Kind: prev.Kind, Seq: prev.Seq}
			s.setInflight(slot, true)
			defer s.setInflight(slot, false)
			s.continueChain(ctx, prev)
			return nil
		},
	})
	if err == nil || errors.Is(err, engine.ErrStopped) {
		return
	}
	s.retryLater(key, s.config().RetryDelay, func() { s.retryChain(prev) })
}

func (s *Service) setInflight(e cache.Entry, on bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if on {
		s.inflight[e.ID] = e
	} else {
		delete(s.inflight, e.ID)
	}
}
