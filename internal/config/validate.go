package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"autochat/internal/transport"
)

// SweepParser is the cron dialect of scheduler.sweep: five fields or a
// descriptor such as "@every 5m".
var SweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects values that would fail later at wiring time. The manager
// runs it before committing a reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if _, err := strconv.ParseInt(gl, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: not a chat id: %q", gl))
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	case "memory", "mem":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	add(validateScheduler(cfg.Scheduler))

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		add(errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}

	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		add(fmt.Errorf("llm.temperature: %v out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 || cfg.LLM.RatePerSec < 0 {
		add(errors.New("llm: max_tokens and rate_per_sec must be >= 0"))
	}
	dur("llm.timeout", cfg.LLM.Timeout)

	if cfg.Delivery.RatePerSec < 0 {
		add(errors.New("delivery.rate_per_sec must be >= 0"))
	}
	dur("delivery.typing_per_char", cfg.Delivery.TypingPerChar)
	dur("delivery.typing_jitter", cfg.Delivery.TypingJitter)
	dur("delivery.typing_max", cfg.Delivery.TypingMax)

	dur("targets.window", cfg.Targets.Window)
	dur("targets.preview_ttl", cfg.Targets.PreviewTTL)
	if cfg.Targets.History < 0 || cfg.Targets.MaxChats < 0 {
		add(errors.New("targets: history and max_chats must be >= 0"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	return errors.Join(errs...)
}

func validateScheduler(sc SchedulerConfig) error {
	var errs []error
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if _, _, err := ParseDurationRange("scheduler.delay", sc.MinDelay, sc.MaxDelay, 12*time.Second, 2*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.retry_delay", sc.RetryDelay); err != nil {
		errs = append(errs, err)
	}
	if ah := sc.ActiveHours; ah != nil {
		if ah.Start < 0 || ah.Start > 23 || ah.End < 0 || ah.End > 24 {
			errs = append(errs, fmt.Errorf("scheduler.active_hours: %d..%d out of range", ah.Start, ah.End))
		}
	}
	if _, err := transport.ParseChatType(sc.TargetType); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.target_type: %w", err))
	}
	if sc.MaxActiveTasks < 0 || sc.Chains < 0 {
		errs = append(errs, errors.New("scheduler: max_active_tasks and chains must be >= 0"))
	}
	if spec := strings.TrimSpace(sc.Sweep); spec != "" && spec != "off" {
		if _, err := SweepParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.sweep: %w", err))
		}
	}
	if fu := sc.FollowUpDelay; fu != nil {
		if _, _, err := ParseDurationRange("scheduler.follow_up_delay", fu.Min, fu.Max, time.Minute, 5*time.Minute); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
