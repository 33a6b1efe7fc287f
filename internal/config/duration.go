package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Blank means zero.
// path is the config key used in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurationRange parses a min/max pair and rejects min > max.
func ParseDurationRange(path, rawMin, rawMax string, defMin, defMax time.Duration) (time.Duration, time.Duration, error) {
	lo, err := ParseDurationOrDefault(path+".min", rawMin, defMin)
	if err != nil {
		return 0, 0, err
	}
	hi, err := ParseDurationOrDefault(path+".max", rawMax, defMax)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("%s: min %s exceeds max %s", path, lo, hi)
	}
	return lo, hi, nil
}
