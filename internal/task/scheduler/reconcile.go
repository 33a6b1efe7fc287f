package scheduler

import (
	"context"
	"fmt"
	"slices"

	"autochat/internal/storage"
	logx "autochat/pkg/logx"
)

func (s *Service) reconcile(ctx context.Context, cfg Config) error {
	log := s.log
	log.Info("scheduler initializing",
		logx.String("tz", cfg.Location.String()),
		logx.String("delay", FormatDelay(cfg.MinDelay)+"-"+FormatDelay(cfg.MaxDelay)),
		logx.Int("chains", cfg.Chains),
	)

	if err := s.store.Ping(ctx); err != nil {
		log.Error("storage unreachable, scheduling disabled", logx.Err(err))
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	now := s.clock.Now()
	finished, err := s.store.CleanupFinished(ctx)
	if err != nil {
		return fmt.Errorf("cleanup finished: %w", storageErr(err))
	}
	expired, err := s.store.CleanupExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("cleanup expired: %w", storageErr(err))
	}

	restored, err := s.cache.Sync(ctx, s.store, now)
	if err != nil {
		return fmt.Errorf("cache sync: %w", storageErr(err))
	}
	log.Info("tasks reconciled",
		logx.Int("finished_removed", finished),
		logx.Int("expired_removed", expired),
		logx.Int("restored", restored),
	)

	for _, e := range s.cache.Snapshot() {
		if !knownKind(e.Kind) {
			log.Warn("unknown task kind restored with generic body", logx.String("id", e.ID), logx.String("kind", e.Kind))
		}
		s.arm(e)
	}

	for _, kind := range cfg.LegacyKinds {
		if knownKind(kind) {
			continue
		}
		for _, e := range s.cache.Snapshot() {
			if e.Kind == kind {
				s.timers.Cancel(e.ID)
				s.cache.Remove(e.ID)
			}
		}
		n, err := s.store.DeleteByKind(ctx, kind)
		if err != nil {
			return fmt.Errorf("delete legacy %s: %w", kind, storageErr(err))
		}
		if n > 0 {
			log.Info("legacy tasks deleted", logx.String("kind", kind), logx.Int("count", n))
		}
	}

	seeded, err := s.ensureChains(ctx, cfg, true)
	if err != nil {
		return fmt.Errorf("seed chains: %w", storageErr(err))
	}
	log.Info("scheduler initialized",
		logx.Int("armed", s.timers.Len()),
		logx.Int("seeded", seeded),
	)
	return nil
}

// ensureChains seeds an analysis task for every chain slot without one.
// With purge set, leftover rows of an empty slot are deleted first.
func (s *Service) ensureChains(ctx context.Context, cfg Config, purge bool) (int, error) {
	if s.stopping.Load() {
		return 0, nil
	}
	var stale []storage.Task
	if purge {
		rows, err := s.store.FindByKind(ctx, KindAnalysis)
		if err != nil {
			return 0, err
		}
		stale = rows
	}

	seeded := 0
	for seq := 1; seq <= cfg.Chains; seq++ {
		if s.slotBusy(KindAnalysis, seq) {
			continue
		}
		for _, t := range stale {
			if t.Seq != seq {
				continue
			}
			if err := s.store.Delete(ctx, t.ID); err != nil {
				return seeded, err
			}
			s.log.Debug("stale chain row deleted", logx.String("id", t.ID), logx.String("status", string(t.Status)))
		}
		if err := s.seed(ctx, cfg, seq, cfg.TargetType); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

// slotBusy reports whether a chain slot has a pending, running or retrying task.
func (s *Service) slotBusy(kind string, seq int) bool {
	if _, ok := s.cache.FindBySeq(kind, seq); ok {
		return true
	}
	if s.timers.Has(chainKey(kind, seq)) {
		return true
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for _, e := range s.inflight {
		if e.Kind == kind && e.Seq == seq {
			return true
		}
	}
	return false
}

func (s *Service) seed(ctx context.Context, cfg Config, seq int, targetType string) error {
	delay := s.drawDelay(cfg.MinDelay, cfg.MaxDelay)
	t, err := s.store.Create(ctx, storage.NewTask{
		Kind:          KindAnalysis,
		Seq:           seq,
		NextExecution: s.clock.Now().Add(delay),
		TargetType:    targetType,
	})
	if err != nil {
		return err
	}
	if !s.armCreated(ctx, t) {
		return nil
	}
	s.log.Info("analysis chain seeded", logx.String("id", t.ID), logx.Int("seq", seq), logx.String("in", FormatDelay(delay)))
	return nil
}

func knownKind(kind string) bool {
	return slices.Contains([]string{KindAnalysis, KindConversation}, kind)
}
