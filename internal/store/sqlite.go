package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"cronflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist. Timestamps are unix
// milliseconds so range predicates compare numerically.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  idempotency_key TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL,
  schedule TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','deleted')) DEFAULT 'pending',
  next_fire_at INTEGER,
  execution_count INTEGER NOT NULL DEFAULT 0,
  failures INTEGER NOT NULL DEFAULT 0,
  last_executed_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_fire_at) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_owner_key ON tasks(owner, idempotency_key)
  WHERE deleted_at IS NULL AND status <> 'deleted';
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id, id);
`
	_, err := db.Exec(schema)
	return err
}

// Open opens a file-backed database in WAL mode with a single writer.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	return open(dsn)
}

// OpenMemory opens a private in-memory database, mainly for tests.
func OpenMemory() (*sql.DB, error) {
	return open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

const (
	taskColumns = `id,owner,idempotency_key,payload,schedule,status,next_fire_at,execution_count,failures,last_executed_at,created_at,updated_at,deleted_at`
	// active rows: not soft-deleted by either marker
	activeClause = `deleted_at IS NULL AND status <> 'deleted'`
)

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures the SQLite repository.
type Option func(*sqliteRepo)

// WithClock sets the time source used for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(r *sqliteRepo) { r.now = now }
}

func NewSQLiteRepo(db *sql.DB, opts ...Option) Store {
	r := &sqliteRepo{db: db, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *sqliteRepo) Create(ctx context.Context, t *domain.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	now := r.now()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.Owner, t.IdempotencyKey, t.Payload, t.Schedule, string(t.Status), millisPtr(t.NextFireAt),
		t.ExecutionCount, t.Failures, millisPtr(t.LastExecutedAt), millis(now), millis(now), millisPtr(t.DeletedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: owner=%s", ErrConflict, t.Owner)
	}
	return err
}

func (r *sqliteRepo) Update(ctx context.Context, t *domain.Task, expect domain.Status) error {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET payload=?, schedule=?, status=?, next_fire_at=?, execution_count=?, failures=?,
    last_executed_at=?, deleted_at=?, updated_at=?
WHERE id=? AND status=? AND deleted_at IS NULL`,
		t.Payload, t.Schedule, string(t.Status), millisPtr(t.NextFireAt), t.ExecutionCount, t.Failures,
		millisPtr(t.LastExecutedAt), millisPtr(t.DeletedAt), millis(now),
		t.ID, string(expect))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%s expected=%s", ErrStale, t.ID, expect)
	}
	t.UpdatedAt = now
	return nil
}

func (r *sqliteRepo) FindByID(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND `+activeClause, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status='pending' AND deleted_at IS NULL AND next_fire_at IS NOT NULL AND next_fire_at <= ?
ORDER BY next_fire_at ASC
LIMIT ?`, millis(now), limit)
}

func (r *sqliteRepo) FindStale(ctx context.Context, threshold time.Time) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status='pending' AND deleted_at IS NULL AND created_at < ?
ORDER BY created_at ASC`, millis(threshold))
}

func (r *sqliteRepo) FindByStatus(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks WHERE status=? AND `+activeClause+` ORDER BY created_at ASC`, string(status))
}

func (r *sqliteRepo) FindActiveByOwner(ctx context.Context, owner, key string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE owner=? AND idempotency_key=? AND `+activeClause+`
LIMIT 1`, owner, key)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status=? AND deleted_at IS NULL`, string(status)).Scan(&n)
	return n, err
}

func (r *sqliteRepo) CountActiveByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE owner=? AND `+activeClause, owner).Scan(&n)
	return n, err
}

func (r *sqliteRepo) List(ctx context.Context, f domain.Filter, p domain.Page) (domain.PageResult, error) {
	if p.Number < 0 {
		p.Number = 0
	}
	if p.Size <= 0 {
		p.Size = 20
	}

	where := []string{activeClause}
	var args []any
	if f.Owner != "" {
		where = append(where, "owner=?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+cond, args...).Scan(&total); err != nil {
		return domain.PageResult{}, err
	}
	tasks, err := r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks WHERE `+cond+`
ORDER BY created_at DESC, id ASC
LIMIT ? OFFSET ?`, append(args, p.Size, p.Number*p.Size)...)
	if err != nil {
		return domain.PageResult{}, err
	}
	return domain.PageResult{
		Tasks:   tasks,
		Total:   total,
		Page:    p.Number,
		Size:    p.Size,
		HasNext: (p.Number+1)*p.Size < total,
	}, nil
}

func (r *sqliteRepo) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, started_at, finished_at, success, error) VALUES (?,?,?,?,?)`,
		a.TaskID, millis(a.StartedAt), millisPtr(a.FinishedAt), a.Success, a.Error)
	return err
}

func (r *sqliteRepo) ListAttempts(ctx context.Context, taskID string, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, started_at, finished_at, success, error
FROM task_attempts WHERE task_id=? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var (
			a        domain.Attempt
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &started, &finished, &a.Success, &a.Error); err != nil {
			return nil, err
		}
		a.StartedAt = fromMillis(started)
		a.FinishedAt = fromNullMillis(finished)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                       domain.Task
		status                  string
		next, lastExec, deleted sql.NullInt64
		created, updated        int64
	)
	if err := s.Scan(&t.ID, &t.Owner, &t.IdempotencyKey, &t.Payload, &t.Schedule, &status, &next,
		&t.ExecutionCount, &t.Failures, &lastExec, &created, &updated, &deleted); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.NextFireAt = fromNullMillis(next)
	t.LastExecutedAt = fromNullMillis(lastExec)
	t.DeletedAt = fromNullMillis(deleted)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"))
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
