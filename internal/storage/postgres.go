package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "autochat/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	st := &pgStore{pool: pool, log: log}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		// Server down at boot: keep the pool, Ping retries the schema.
		log.Warn("postgres schema not applied", logx.Err(err))
	}
	return st, nil
}

func (s *pgStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return unavailable("ping", err)
	}
	// Schema may have been skipped at open time.
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return unavailable("schema", err)
	}
	return nil
}

func (s *pgStore) Create(ctx context.Context, nt NewTask) (Task, error) {
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)`,
		t.ID, t.Kind, t.Seq, string(t.Status), t.NextExecution, t.TargetType,
		nullStr(string(t.Payload)), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return Task{}, unavailable("create task", err)
	}
	return t, nil
}

func (s *pgStore) Get(ctx context.Context, id string) (Task, error) {
	t, err := scanPG(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, unavailable("get task", err)
	}
	return t, nil
}

func (s *pgStore) UpdateStatus(ctx context.Context, id string, status Status) (bool, error) {
	from := allowedFrom(status)
	if len(from) == 0 {
		s.log.Debug("status transition refused", logx.String("id", id), logx.String("to", string(status)))
		return false, nil
	}
	prev := make([]string, len(from))
	for i, f := range from {
		prev[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status = ANY($4)`,
		string(status), time.Now().UTC(), id, prev)
	if err != nil {
		return false, unavailable("update status", err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Debug("status update skipped", logx.String("id", id), logx.String("to", string(status)))
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) SetTargetType(ctx context.Context, id, targetType string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET target_type = $1, updated_at = $2 WHERE id = $3`,
		targetType, time.Now().UTC(), id)
	if err != nil {
		return false, unavailable("set target type", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return unavailable("delete task", err)
	}
	return nil
}

func (s *pgStore) DeleteByKind(ctx context.Context, kind string) (int, error) {
	return s.exec(ctx, "delete by kind", `DELETE FROM tasks WHERE kind = $1`, kind)
}

func (s *pgStore) FindByKind(ctx context.Context, kind string) ([]Task, error) {
	return s.query(ctx, "find by kind",
		`SELECT `+taskColumns+` FROM tasks WHERE kind = $1 ORDER BY seq, next_execution`, kind)
}

func (s *pgStore) FindAllPending(ctx context.Context) ([]Task, error) {
	return s.query(ctx, "find pending",
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY next_execution, id`, string(StatusPending))
}

func (s *pgStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, "cleanup expired",
		`DELETE FROM tasks WHERE status = $1 AND next_execution < $2`, string(StatusPending), normalize(now))
}

func (s *pgStore) CleanupFinished(ctx context.Context) (int, error) {
	return s.exec(ctx, "cleanup finished",
		`DELETE FROM tasks WHERE status IN ($1, $2)`, string(StatusCompleted), string(StatusFailed))
}

func (s *pgStore) StopPending(ctx context.Context) (int, error) {
	return s.exec(ctx, "stop pending",
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE status = $3`,
		string(StatusStopped), time.Now().UTC(), string(StatusPending))
}

func (s *pgStore) exec(ctx context.Context, op, q string, args ...any) (int, error) {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, unavailable(op, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) query(ctx context.Context, op, q string, args ...any) ([]Task, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanPG(rows)
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

func scanPG(r pgx.Row) (Task, error) {
	var (
		t       Task
		status  string
		payload []byte
	)
	if err := r.Scan(&t.ID, &t.Kind, &t.Seq, &status, &t.NextExecution, &t.TargetType, &payload, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	if !t.Status.Valid() {
		return Task{}, fmt.Errorf("task %s: unknown status %q", t.ID, status)
	}
	t.NextExecution = normalize(t.NextExecution)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if len(payload) > 0 {
		t.Payload = payload
	}
	return t, nil
}
