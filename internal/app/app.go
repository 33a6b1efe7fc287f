// Package app wires the bot together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autochat/internal/api"
	"autochat/internal/config"
	"autochat/internal/eventbus"
	"autochat/internal/llm"
	rtsup "autochat/internal/runtime/supervisor"
	"autochat/internal/storage"
	"autochat/internal/targets"
	"autochat/internal/task/engine"
	"autochat/internal/task/scheduler"
	"autochat/internal/transport"
	"autochat/internal/transport/telegram"
	logx "autochat/pkg/logx"
	"autochat/pkg/systemd"
)

// Adapter is a chat transport that can also carry log lines.
type Adapter interface {
	transport.Adapter
	logx.ChatSender
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	adapter  Adapter
	engine   *engine.Service
	tracker  *targets.Tracker
	llm      *llm.Client
	gen      *llm.Generator
	delivery *transport.Humanizer
	sched    *scheduler.Service
	http     *api.Server
	sd       *systemd.Notifier

	updates chan transport.Update
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, ad)
}

// LoadConfig reads and validates the file at path without starting anything.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// OpenStore opens the task store configured in cfg, for offline commands.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// build wires the components around an existing adapter.
func build(cfgm *config.ConfigManager, cfg *config.Config, ad Adapter) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.With(logx.String("comp", "app")).Info("storage opened", logx.String("driver", sc.Driver))

	a, err := assemble(cfgm, cfg, ad, store, bus, logSvc, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func assemble(cfgm *config.ConfigManager, cfg *config.Config, ad Adapter, store storage.Store, bus eventbus.Bus, logSvc *logx.Service, log logx.Logger) (*App, error) {
	eng := engine.New(mapEngineConfig(cfg), log, bus)

	tc, err := mapTargetsConfig(cfg)
	if err != nil {
		return nil, err
	}
	tracker := targets.New(tc, log)

	lc, err := mapLLMConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(lc, log)
	gen := llm.NewGenerator(client, lc.SystemPrompt, log)

	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	delivery := transport.NewHumanizer(dc, ad, log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Store:     store,
		Executor:  eng,
		Generator: gen,
		Targets:   tracker,
		Delivery:  delivery,
		Features:  config.NewFeatures(cfgm),
		Bus:       bus,
		Log:       log,
	})

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		engine:   eng,
		tracker:  tracker,
		llm:      client,
		gen:      gen,
		delivery: delivery,
		sched:    sched,
		http:     api.New(hc, sched, log),
		sd:       systemd.New(log),
		updates:  make(chan transport.Update, 256),
	}, nil
}

// Scheduler exposes the scheduler for operational commands.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		_, err := mapSchedulerConfig(cfg)
		return err
	})

	a.engine.Start(run)
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go0("updates.dispatch", func(c context.Context) { dispatch(c, a.updates, a.tracker) })

	// Initialize retries on failure; the bot keeps running meanwhile.
	a.sup.GoRestart("scheduler.init", func(c context.Context) error {
		err := a.sched.Initialize(c)
		if errors.Is(err, scheduler.ErrStorageUnavailable) {
			a.log.Warn("scheduling disabled until storage is reachable", logx.Err(err))
		}
		return err
	}, rtsup.WithRestartBackoff(10*time.Second, 5*time.Minute))

	if cfg := a.cfgm.Get(); cfg != nil {
		if hc, err := mapHTTPConfig(cfg); err == nil {
			a.http.Reconfigure(run, hc)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = drainLatest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.sd.RunWatchdog)

	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// drainLatest coalesces a burst of reloads into the newest one.
func drainLatest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// dispatch feeds incoming messages to the target tracker.
func dispatch(ctx context.Context, updates <-chan transport.Update, tracker *targets.Tracker) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-updates:
			if up.Message != nil {
				tracker.Observe(*up.Message)
			}
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))
	a.engine.Apply(mapEngineConfig(next))

	if tc, err := mapTargetsConfig(next); err != nil {
		a.log.Warn("invalid targets config; keeping previous", logx.Err(err))
	} else {
		a.tracker.Apply(tc)
	}
	if lc, err := mapLLMConfig(next); err != nil {
		a.log.Warn("invalid llm config; keeping previous", logx.Err(err))
	} else {
		a.llm.Apply(lc)
		a.gen.SetSystemPrompt(lc.SystemPrompt)
	}
	if dc, err := mapDeliveryConfig(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.delivery.Apply(dc)
	}
	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
		if sc.Enabled && !prev.Scheduler.Enabled {
			a.log.Info("scheduler enabled via config")
			if err := a.sched.Initialize(ctx); err != nil {
				a.log.Warn("scheduler initialization failed", logx.Err(err))
			}
		}
	}
	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

// Stop shuts components down in order. Each step is bounded so one component
// cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped, no time left", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The scheduler marks rows stopped, so it runs before the app context ends.
	step("scheduler", 3*time.Second, a.sched.Shutdown)
	a.sup.Cancel()
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("task_engine", 2*time.Second, a.engine.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
