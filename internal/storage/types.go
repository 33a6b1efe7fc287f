package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrUnavailable = errors.New("storage unavailable")
)

// Status is the lifecycle state of a task row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// CanTransition reports whether from -> to moves forward.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

func allowedFrom(to Status) []Status {
	switch to {
	case StatusRunning:
		return []Status{StatusPending}
	case StatusCompleted, StatusFailed, StatusStopped:
		return []Status{StatusPending, StatusRunning}
	}
	return nil
}

// Task is one persisted row.
type Task struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Seq           int             `json:"seq"`
	Status        Status          `json:"status"`
	NextExecution time.Time       `json:"next_execution"`
	TargetType    string          `json:"target_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewTask is the input of Store.Create.
type NewTask struct {
	Kind          string
	Seq           int
	NextExecution time.Time
	TargetType    string
	Payload       json.RawMessage
}

// NewID returns "<kind>-task-<seq>-<8 hex>".
func NewID(kind string, seq int) string {
	u := uuid.New()
	return fmt.Sprintf("%s-task-%d-%x", kind, seq, u[:4])
}

// Store is durable CRUD over task rows. Methods never carry business logic.
type Store interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, nt NewTask) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	// UpdateStatus applies forward transitions only. It reports whether the
	// row changed; absent ids and refused transitions are not errors.
	UpdateStatus(ctx context.Context, id string, status Status) (bool, error)
	SetTargetType(ctx context.Context, id, targetType string) (bool, error)
	Delete(ctx context.Context, id string) error
	DeleteByKind(ctx context.Context, kind string) (int, error)
	FindByKind(ctx context.Context, kind string) ([]Task, error)
	// FindAllPending is ordered by next execution.
	FindAllPending(ctx context.Context) ([]Task, error)
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
	CleanupFinished(ctx context.Context) (int, error)
	StopPending(ctx context.Context) (int, error)
	Close() error
}

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// normalize keeps timestamps comparable across drivers.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func validateNew(nt NewTask) error {
	if nt.Kind == "" {
		return errors.New("task kind is required")
	}
	if nt.NextExecution.IsZero() {
		return errors.New("task next execution is required")
	}
	if len(nt.Payload) > 0 && !json.Valid(nt.Payload) {
		return errors.New("task payload is not valid JSON")
	}
	return nil
}
