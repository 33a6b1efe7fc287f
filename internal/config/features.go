package config

import (
	"strconv"
	"strings"
)

// Feature names consulted by the scheduler at cycle start.
const (
	FeatureAutoMessages      = "auto_messages"
	FeatureFollowUpQuestions = "follow_up_questions"
)

// Features is a read-only view over the "features" section of the committed
// config. Lookups follow hot reloads.
type Features struct {
	m *ConfigManager
	// defaults apply to names missing from the file.
	defaults map[string]string
}

func NewFeatures(m *ConfigManager) *Features {
	return &Features{
		m: m,
		defaults: map[string]string{
			FeatureAutoMessages:      "true",
			FeatureFollowUpQuestions: "true",
		},
	}
}

// Get returns the raw value for key, or "" when unset.
func (f *Features) Get(key string) string {
	key = strings.TrimSpace(key)
	if f.m != nil {
		if cfg := f.m.Get(); cfg != nil {
			if v, ok := cfg.Features[key]; ok {
				return strings.TrimSpace(v)
			}
			if key == FeatureAutoMessages && !cfg.Scheduler.Enabled {
				return "false"
			}
		}
	}
	return f.defaults[key]
}

// IsFeatureEnabled parses Get(name) as a boolean ("on"/"yes" accepted).
func (f *Features) IsFeatureEnabled(name string) bool {
	v := strings.ToLower(f.Get(name))
	switch v {
	case "on", "yes", "y":
		return true
	case "off", "no", "n", "":
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
