package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"autochat/internal/api"
	"autochat/internal/config"
	"autochat/internal/llm"
	"autochat/internal/storage"
	"autochat/internal/targets"
	"autochat/internal/task/engine"
	"autochat/internal/task/scheduler"
	"autochat/internal/transport"
	"autochat/internal/transport/telegram"
	logx "autochat/pkg/logx"
)

const defaultSweep = "@every 5m"

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

// mapLoggingConfig also resolves telegram.group_log into the chat sink target.
func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if id, err := strconv.ParseInt(gl, 10, 64); err == nil {
			out.Chat.ChatID = id
		}
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			path = "./data/autochat.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	return engine.Config{Workers: te.Workers, QueueSize: te.QueueSize, HistorySize: te.HistorySize}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Enabled:        sc.Enabled,
		MaxActiveTasks: sc.MaxActiveTasks,
		Chains:         sc.Chains,
		LegacyKinds:    sc.LegacyKinds,
	}

	tz := strings.TrimSpace(sc.Timezone)
	if tz == "" {
		tz = "Europe/Paris"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return out, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	out.Location = loc

	if out.MinDelay, out.MaxDelay, err = config.ParseDurationRange("scheduler.delay", sc.MinDelay, sc.MaxDelay, 12*time.Second, 2*time.Minute); err != nil {
		return out, err
	}
	if out.RetryDelay, err = config.ParseDurationOrDefault("scheduler.retry_delay", sc.RetryDelay, 30*time.Second); err != nil {
		return out, err
	}
	if ah := sc.ActiveHours; ah != nil {
		out.ActiveStart, out.ActiveEnd = ah.Start, ah.End
	} else {
		out.ActiveStart, out.ActiveEnd = 8, 23
	}
	if out.TargetType, err = transport.ParseChatType(sc.TargetType); err != nil {
		return out, fmt.Errorf("scheduler.target_type: %w", err)
	}
	if out.LegacyKinds == nil {
		out.LegacyKinds = []string{"random-question-task"}
	}

	switch spec := strings.TrimSpace(sc.Sweep); spec {
	case "":
		out.Sweep = defaultSweep
	case "off":
		out.Sweep = ""
	default:
		out.Sweep = spec
	}

	fu := config.DurationRange{}
	if sc.FollowUpDelay != nil {
		fu = *sc.FollowUpDelay
	}
	if out.FollowUpDelay[0], out.FollowUpDelay[1], err = config.ParseDurationRange("scheduler.follow_up_delay", fu.Min, fu.Max, time.Minute, 5*time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

func mapLLMConfig(cfg *config.Config) (llm.Config, error) {
	lc := cfg.LLM
	timeout, err := config.ParseDurationOrDefault("llm.timeout", lc.Timeout, 20*time.Second)
	if err != nil {
		return llm.Config{}, err
	}
	return llm.Config{
		Enabled:      lc.Enabled,
		BaseURL:      strings.TrimSpace(lc.BaseURL),
		APIKeys:      lc.APIKeys,
		Model:        strings.TrimSpace(lc.Model),
		Temperature:  lc.Temperature,
		MaxTokens:    lc.MaxTokens,
		Timeout:      timeout,
		RatePerSec:   lc.RatePerSec,
		SystemPrompt: lc.SystemPrompt,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (transport.HumanizerConfig, error) {
	dc := cfg.Delivery
	out := transport.HumanizerConfig{RatePerSec: dc.RatePerSec}
	var err error
	if out.TypingPerChar, err = config.ParseDurationOrDefault("delivery.typing_per_char", dc.TypingPerChar, 30*time.Millisecond); err != nil {
		return out, err
	}
	if out.TypingJitter, err = config.ParseDurationOrDefault("delivery.typing_jitter", dc.TypingJitter, 2*time.Second); err != nil {
		return out, err
	}
	if out.TypingMax, err = config.ParseDurationOrDefault("delivery.typing_max", dc.TypingMax, 10*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapTargetsConfig(cfg *config.Config) (targets.Config, error) {
	tc := cfg.Targets
	out := targets.Config{History: tc.History, MaxChats: tc.MaxChats}
	var err error
	if out.Window, err = config.ParseDurationOrDefault("targets.window", tc.Window, 30*time.Minute); err != nil {
		return out, err
	}
	if out.PreviewTTL, err = config.ParseDurationOrDefault("targets.preview_ttl", tc.PreviewTTL, 5*time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (api.Config, error) {
	hc := cfg.HTTP
	out := api.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:8080"
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, time.Minute); err != nil {
		return out, err
	}
	return out, nil
}
