package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "autochat/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const taskColumns = `id, kind, seq, status, next_execution, target_type, payload, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY away.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *sqliteStore) Create(ctx context.Context, nt NewTask) (Task, error) {
	if err := validateNew(nt); err != nil {
		return Task{}, err
	}
	now := normalize(time.Now())
	t := Task{
		ID:            NewID(nt.Kind, nt.Seq),
		Kind:          nt.Kind,
		Seq:           nt.Seq,
		Status:        StatusPending,
		NextExecution: normalize(nt.NextExecution),
		TargetType:    nt.TargetType,
		Payload:       nt.Payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Kind, t.Seq, string(t.Status), t.NextExecution.UnixMilli(), t.TargetType,
		nullStr(string(t.Payload)), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Task{}, unavailable("create task", err)
	}
	return t, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, unavailable("get task", err)
	}
	return t, nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status Status) (bool, error) {
	from := allowedFrom(status)
	if len(from) == 0 {
		s.log.Debug("status transition refused", logx.String("id", id), logx.String("to", string(status)))
		return false, nil
	}
	args := []any{string(status), time.Now().UnixMilli(), id}
	marks := make([]string, len(from))
	for i, f := range from {
		marks[i] = "?"
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(marks, ",")+`)`,
		args...,
	)
	if err != nil {
		return false, unavailable("update status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		s.log.Debug("status update skipped", logx.String("id", id), logx.String("to", string(status)))
	}
	return n > 0, nil
}

func (s *sqliteStore) SetTargetType(ctx context.Context, id, targetType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET target_type = ?, updated_at = ? WHERE id = ?`,
		targetType, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return false, unavailable("set target type", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return unavailable("delete task", err)
	}
	return nil
}

func (s *sqliteStore) DeleteByKind(ctx context.Context, kind string) (int, error) {
	return s.exec(ctx, "delete by kind", `DELETE FROM tasks WHERE kind = ?`, kind)
}

func (s *sqliteStore) FindByKind(ctx context.Context, kind string) ([]Task, error) {
	return s.query(ctx, "find by kind",
		`SELECT `+taskColumns+` FROM tasks WHERE kind = ? ORDER BY seq, next_execution`, kind)
}

func (s *sqliteStore) FindAllPending(ctx context.Context) ([]Task, error) {
	return s.query(ctx, "find pending",
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY next_execution, id`, string(StatusPending))
}

func (s *sqliteStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, "cleanup expired",
		`DELETE FROM tasks WHERE status = ? AND next_execution < ?`, string(StatusPending), now.UnixMilli())
}

func (s *sqliteStore) CleanupFinished(ctx context.Context) (int, error) {
	return s.exec(ctx, "cleanup finished",
		`DELETE FROM tasks WHERE status IN (?, ?)`, string(StatusCompleted), string(StatusFailed))
}

func (s *sqliteStore) StopPending(ctx context.Context) (int, error) {
	return s.exec(ctx, "stop pending",
		`UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusStopped), time.Now().UnixMilli(), string(StatusPending))
}

func (s *sqliteStore) exec(ctx context.Context, op, q string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, unavailable(op, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) query(ctx context.Context, op, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanSQLite(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(r rowScanner) (Task, error) {
	var (
		t                  Task
		status             string
		next, created, upd int64
		payload            sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Kind, &t.Seq, &status, &next, &t.TargetType, &payload, &created, &upd); err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	if !t.Status.Valid() {
		return Task{}, fmt.Errorf("task %s: unknown status %q", t.ID, status)
	}
	t.NextExecution = time.UnixMilli(next).UTC()
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(upd).UTC()
	if payload.Valid && payload.String != "" {
		t.Payload = []byte(payload.String)
	}
	return t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
