package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is a process-local Store. SetUnavailable simulates an unreachable
// backend: every call then fails with ErrUnavailable.
type Memory struct {
	mu    sync.Mutex
	rows  map[string]Task
	down  atomic.Bool
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{rows: map[string]Task{}, clock: time.Now}
}

func (m *Memory) SetUnavailable(down bool) { m.down.Store(down) }

func (m *Memory) check(op string) error {
	if m.down.Load() {
		return unavailable(op, errMemoryDown)
	}
	return nil
}

var errMemoryDown = errors.New("memory store marked down")

func (m *Memory) Close() error { return nil }

func (m *Memory) Ping(context.Context) error { return m.check("ping") }

func (m *Memory) Create(_ context.Context, nt NewTask) (Task, error) {
	if err := m.check("create task"); err != nil {
		return Task{}, err
	}
	if err := validateNew(nt); err != nil {
		return Task{}, err
	}
	now := normalize(m.clock())
	t := Task{
		ID:            NewID(nt.Kind, nt.Seq),
		Kind:          nt.Kind,
		Seq:           nt.Seq,
		Status:        StatusPending,
		NextExecution: normalize(nt.NextExecution),
		TargetType:    nt.TargetType,
		Payload:       slices.Clone(nt.Payload),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.mu.Lock()
	m.rows[t.ID] = t
	m.mu.Unlock()
	return t, nil
}

func (m *Memory) Get(_ context.Context, id string) (Task, error) {
	if err := m.check("get task"); err != nil {
		return Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status Status) (bool, error) {
	if err := m.check("update status"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || !CanTransition(t.Status, status) {
		return false, nil
	}
	t.Status = status
	t.UpdatedAt = normalize(m.clock())
	m.rows[id] = t
	return true, nil
}

func (m *Memory) SetTargetType(_ context.Context, id, targetType string) (bool, error) {
	if err := m.check("set target type"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	t.TargetType = targetType
	t.UpdatedAt = normalize(m.clock())
	m.rows[id] = t
	return true, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	if err := m.check("delete task"); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.rows, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteByKind(_ context.Context, kind string) (int, error) {
	return m.deleteWhere("delete by kind", func(t Task) bool { return t.Kind == kind })
}

func (m *Memory) FindByKind(_ context.Context, kind string) ([]Task, error) {
	out, err := m.selectWhere("find by kind", func(t Task) bool { return t.Kind == kind })
	slices.SortFunc(out, func(a, b Task) int {
		if a.Seq != b.Seq {
			return a.Seq - b.Seq
		}
		return a.NextExecution.Compare(b.NextExecution)
	})
	return out, err
}

func (m *Memory) FindAllPending(context.Context) ([]Task, error) {
	out, err := m.selectWhere("find pending", func(t Task) bool { return t.Status == StatusPending })
	slices.SortFunc(out, func(a, b Task) int {
		if c := a.NextExecution.Compare(b.NextExecution); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, err
}

func (m *Memory) CleanupExpired(_ context.Context, now time.Time) (int, error) {
	return m.deleteWhere("cleanup expired", func(t Task) bool {
		return t.Status == StatusPending && t.NextExecution.Before(now)
	})
}

func (m *Memory) CleanupFinished(context.Context) (int, error) {
	return m.deleteWhere("cleanup finished", func(t Task) bool {
		return t.Status == StatusCompleted || t.Status == StatusFailed
	})
}

func (m *Memory) StopPending(context.Context) (int, error) {
	if err := m.check("stop pending"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := normalize(m.clock())
	for id, t := range m.rows {
		if t.Status == StatusPending {
			t.Status = StatusStopped
			t.UpdatedAt = now
			m.rows[id] = t
			n++
		}
	}
	return n, nil
}

func (m *Memory) deleteWhere(op string, match func(Task) bool) (int, error) {
	if err := m.check(op); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.rows {
		if match(t) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) selectWhere(op string, match func(Task) bool) ([]Task, error) {
	if err := m.check(op); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.rows {
		if match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}
