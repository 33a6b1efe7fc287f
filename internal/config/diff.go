package config

import (
	"reflect"
	"slices"
	"strings"

	logx "autochat/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns log
// fields describing the new values. Secrets (bot token, API keys, DSN) are
// reported only as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || o.PollTimeout != n.PollTimeout || o.GroupLog != n.GroupLog ||
		!reflect.DeepEqual(o.OwnerUserIDs, n.OwnerUserIDs) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(n.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		sc := newCfg.Scheduler
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.Bool("scheduler.enabled", sc.Enabled),
			logx.String("scheduler.delay", strings.TrimSpace(sc.MinDelay)+".."+strings.TrimSpace(sc.MaxDelay)),
			logx.String("scheduler.timezone", sc.Timezone),
			logx.String("scheduler.target_type", sc.TargetType),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		fields = append(fields, logx.Int("task_engine.workers", newCfg.TaskEngine.Workers))
	}

	ol, nl := oldCfg.LLM, newCfg.LLM
	ol.APIKeys, nl.APIKeys = nil, nil
	if !reflect.DeepEqual(ol, nl) || !slices.Equal(oldCfg.LLM.APIKeys, newCfg.LLM.APIKeys) {
		changed = append(changed, "llm")
		fields = append(fields,
			logx.Bool("llm.enabled", nl.Enabled),
			logx.String("llm.model", nl.Model),
			logx.Int("llm.key_count", len(newCfg.LLM.APIKeys)),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
	}
	if oldCfg.Targets != newCfg.Targets {
		changed = append(changed, "targets")
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		fields = append(fields, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Features, newCfg.Features) {
		changed = append(changed, "features")
		fields = append(fields, logx.Int("features.count", len(newCfg.Features)))
	}
	return changed, fields
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "telegram", "storage", "task_engine":
			out = append(out, s)
		}
	}
	return out
}
