package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"autochat/internal/eventbus"
	rtsup "autochat/internal/runtime/supervisor"
	logx "autochat/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool. Enqueue never blocks.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	q       chan queuedJob
	sup     *rtsup.Supervisor
	running bool
	stopped bool

	hmu     sync.Mutex
	history []HistoryItem

	inFlight  atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "task_engine")),
		bus: bus,
		q:   make(chan queuedJob, cfg.QueueSize),
	}
}

// Start launches the workers. Jobs enqueued before Start wait in the queue.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.Go0("task_engine.worker", s.worker)
	}
	s.running = true
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop stops accepting jobs, cancels running ones and waits for the workers.
// Queued jobs that never started are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup := s.sup
	s.running = false
	s.mu.Unlock()

	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	if n := len(s.q); n > 0 {
		s.dropped.Add(uint64(n))
		s.log.Warn("task engine stopped with queued jobs", logx.Int("dropped", n))
	}
	return err
}

func (s *Service) Enqueue(j Job) error {
	if j.Run == nil {
		return ErrNoRun
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	select {
	case s.q <- queuedJob{job: j, enqueuedAt: time.Now()}:
		return nil
	default:
		s.dropped.Add(1)
		now := time.Now().UnixNano()
		last := s.lastQueueFullWarnAt.Load()
		if now-last >= int64(warnThrottleEvery) && s.lastQueueFullWarnAt.CompareAndSwap(last, now) {
			s.log.Warn("task engine queue full", logx.String("job", j.Name), logx.Int("cap", cap(s.q)))
		}
		return ErrQueueFull
	}
}

// Apply updates settings that do not need a restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg.HistorySize = cfg.HistorySize
	s.mu.Unlock()
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.log.Warn("task engine workers/queue change needs a restart",
			logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.running, Workers: s.cfg.Workers}
	s.mu.Unlock()
	snap.QueueLen = len(s.q)
	snap.QueueCap = cap(s.q)
	snap.InFlight = int(s.inFlight.Load())
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Dropped = s.dropped.Load()
	snap.History = s.History()
	return snap
}
