package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"autochat/internal/eventbus"
	"autochat/internal/storage"
	"autochat/internal/task/cache"
	"autochat/internal/task/timer"
	logx "autochat/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Feature names consulted at cycle start.
const (
	FeatureAutoMessages      = "auto_messages"
	FeatureFollowUpQuestions = "follow_up_questions"
)

// Deps are the collaborators of a Service. Store and Executor are required;
// missing talkers make bodies skip their visible effect.
type Deps struct {
	Store     storage.Store
	Executor  Executor
	Generator TextGenerator
	Targets   TargetSelector
	Delivery  Delivery
	Features  FeatureProvider
	Clock     timer.Clock
	Bus       eventbus.Bus
	Log       logx.Logger
	// Rand drives delay draws and the question/comment split.
	Rand *rand.Rand
}

type Service struct {
	store    storage.Store
	exec     Executor
	gen      TextGenerator
	targets  TargetSelector
	delivery Delivery
	features FeatureProvider
	bus      eventbus.Bus
	log      logx.Logger

	clock  timer.Clock
	timers *timer.Timers
	cache  *cache.Cache

	mu   sync.RWMutex
	cfg  Config
	cron *cron.Cron

	rngMu sync.Mutex
	rng   *rand.Rand

	stateMu     sync.Mutex
	initialized bool
	initErr     error
	inflight    map[string]cache.Entry
	finished    []string

	// armMu orders arming against Shutdown: nothing is armed after stopping
	// is set and Shutdown holds armMu while it disarms.
	armMu    sync.Mutex
	stopping atomic.Bool
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	clock := deps.Clock
	if clock == nil {
		clock = timer.RealClock{}
	}
	rng := deps.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>17|1))
	}
	return &Service{
		store:    deps.Store,
		exec:     deps.Executor,
		gen:      deps.Generator,
		targets:  deps.Targets,
		delivery: deps.Delivery,
		features: deps.Features,
		bus:      deps.Bus,
		log:      log,
		clock:    clock,
		timers:   timer.New(clock, log),
		cache:    cache.New(),
		cfg:      cfg.withDefaults(),
		rng:      rng,
		inflight: map[string]cache.Entry{},
	}
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Apply swaps the runtime configuration. Chain count increases take effect at
// the next sweep; delays apply to the next draw.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	restartSweep := s.cron != nil && (prev.Sweep != cfg.Sweep || prev.Location.String() != cfg.Location.String())
	s.mu.Unlock()

	if restartSweep {
		s.stopSweep(context.Background())
		s.startSweep()
	}
	s.log.Info("scheduler config applied",
		logx.String("delay", FormatDelay(cfg.MinDelay)+"-"+FormatDelay(cfg.MaxDelay)),
		logx.Int("chains", cfg.Chains),
		logx.String("target_type", cfg.TargetType),
	)
}

// Initialize reconciles with the store and arms every pending task. After a
// success further calls are no-ops; after a failure they retry.
func (s *Service) Initialize(ctx context.Context) error {
	s.stateMu.Lock()
	if s.initialized {
		s.stateMu.Unlock()
		return nil
	}
	s.stateMu.Unlock()

	cfg := s.config()
	if !cfg.Enabled {
		s.log.Info("automatic messages disabled, scheduler not initialized")
		return nil
	}

	err := s.reconcile(ctx, cfg)

	s.stateMu.Lock()
	s.initErr = err
	s.initialized = err == nil
	s.stateMu.Unlock()

	if err != nil {
		// Nothing may stay armed after a failed reconciliation.
		s.timers.CancelAll()
		s.cache.Clear()
		return err
	}
	s.startSweep()
	return nil
}

// Shutdown disarms every timer, clears the cache and marks pending rows stopped.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.stopping.Swap(true) {
		return nil
	}
	start := time.Now()
	s.stopSweep(ctx)

	s.armMu.Lock()
	timers := s.timers.CancelAll()
	cleared := s.cache.Clear()
	s.armMu.Unlock()
	stopped, err := s.store.StopPending(ctx)
	if err != nil {
		s.log.Error("marking pending tasks stopped failed", logx.Err(err))
	}
	s.publish(eventbus.TaskStopped, map[string]int{"timers": timers, "rows": stopped})
	s.log.Info("scheduler stopped",
		logx.Int("timers", timers),
		logx.Int("cached", cleared),
		logx.Int("rows_stopped", stopped),
		logx.Duration("took", time.Since(start)),
	)
	return err
}

func (s *Service) startSweep() {
	cfg := s.config()
	if cfg.Sweep == "" || s.stopping.Load() {
		return
	}
	c := cron.New(cron.WithLocation(cfg.Location))
	if _, err := c.AddFunc(cfg.Sweep, func() { s.sweep(context.Background()) }); err != nil {
		s.log.Error("sweep schedule invalid", logx.String("spec", cfg.Sweep), logx.Err(err))
		return
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	s.log.Debug("sweep scheduled", logx.String("spec", cfg.Sweep))
}

func (s *Service) stopSweep(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// sweep deletes rows recorded as finished and reseeds chain slots that lost
// their task.
func (s *Service) sweep(ctx context.Context) {
	if s.stopping.Load() {
		return
	}
	s.stateMu.Lock()
	ids := s.finished
	s.finished = nil
	s.stateMu.Unlock()

	deleted := 0
	for i, id := range ids {
		if err := s.store.Delete(ctx, id); err != nil {
			s.log.Warn("sweep delete failed", logx.String("id", id), logx.Err(err))
			s.stateMu.Lock()
			s.finished = append(s.finished, ids[i:]...)
			s.stateMu.Unlock()
			break
		}
		deleted++
	}
	seeded, err := s.ensureChains(ctx, s.config(), false)
	if err != nil {
		s.log.Warn("sweep reseed failed", logx.Err(err))
	}
	if deleted > 0 || seeded > 0 {
		s.log.Debug("sweep done", logx.Int("deleted", deleted), logx.Int("seeded", seeded))
	}
}

func (s *Service) drawDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}

func (s *Service) chance(p float64) bool {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < p
}

func (s *Service) publish(topic string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: s.clock.Now(), Data: data})
}

func storageErr(err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return err
}
