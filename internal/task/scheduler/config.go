package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Task kinds.
const (
	KindAnalysis     = "analysis"
	KindConversation = "conversation"
)

const (
	relevanceThreshold = 0.6
	questionChance     = 0.5
	recentMessages     = 20
)

// Config is the scheduler's value object. The app maps config.scheduler here.
type Config struct {
	Enabled        bool
	Location       *time.Location
	MinDelay       time.Duration
	MaxDelay       time.Duration
	RetryDelay     time.Duration
	ActiveStart    int // hour, inclusive
	ActiveEnd      int // hour, exclusive
	TargetType     string
	MaxActiveTasks int
	Chains         int
	LegacyKinds    []string
	// Sweep is a cron spec for the periodic cleanup; empty disables it.
	Sweep         string
	FollowUpDelay [2]time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 12 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.ActiveStart == 0 && c.ActiveEnd == 0 {
		c.ActiveStart, c.ActiveEnd = 8, 23
	}
	if c.MaxActiveTasks <= 0 {
		c.MaxActiveTasks = 100
	}
	if c.Chains <= 0 {
		c.Chains = 1
	}
	if c.FollowUpDelay[0] <= 0 {
		c.FollowUpDelay[0] = time.Minute
	}
	if c.FollowUpDelay[1] < c.FollowUpDelay[0] {
		c.FollowUpDelay[1] = max(5*time.Minute, c.FollowUpDelay[0])
	}
	c.TargetType = strings.TrimSpace(c.TargetType)
	return c
}

// InActiveWindow reports whether now falls inside [start, end) hours in loc.
// start > end wraps around midnight; start == end means always.
func InActiveWindow(now time.Time, loc *time.Location, start, end int) bool {
	if loc != nil {
		now = now.In(loc)
	}
	h := now.Hour()
	switch {
	case start == end:
		return true
	case start < end:
		return h >= start && h < end
	default:
		return h >= start || h < end
	}
}

// FormatDelay renders d as "45s", "12m" or "1h 5m".
func FormatDelay(d time.Duration) string {
	d = max(d, 0)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	minutes := int(d / time.Minute)
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

func perpetuates(kind string) bool { return kind == KindAnalysis }

func chainKey(kind string, seq int) string { return fmt.Sprintf("chain:%s:%d", kind, seq) }
