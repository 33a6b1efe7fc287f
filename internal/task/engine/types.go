package engine

import (
	"context"
	"time"
)

// Config controls the execution engine. The app maps config.task_engine here.
type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Job is one unit of work. ID is the task id it runs for, if any.
type Job struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool          `json:"running"`
	Workers   int           `json:"workers"`
	QueueLen  int           `json:"queue_len"`
	QueueCap  int           `json:"queue_cap"`
	InFlight  int           `json:"in_flight"`
	Completed uint64        `json:"completed"`
	Failed    uint64        `json:"failed"`
	Dropped   uint64        `json:"dropped"`
	History   []HistoryItem `json:"history,omitempty"`
}
