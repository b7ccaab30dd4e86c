// Package queue is the durable task queue: at-least-once delivery with a
// visibility timeout, idempotency-key deduplication, and delayed retry.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportflow/internal/domain"
)

var ErrEmpty = errors.New("no tasks ready")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finished_at DATETIME,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, t domain.Task, delay time.Duration) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

type Lease struct{ Until time.Time }

// Enqueue inserts a task, deduplicating on the idempotency key: a
// redelivered enqueue for the same key returns the existing task id. A
// positive delay holds the task out of lease until it elapses.
func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task, delay time.Duration) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}
	if delay < 0 {
		delay = 0
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,payload,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?, 'queued',0,?, datetime(CURRENT_TIMESTAMP, ?), ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, t.Type, t.Payload, t.Priority, t.MaxAttempts,
		fmt.Sprintf("+%d seconds", int(delay.Seconds())), t.VisibilityTimeout, t.IdempotencyKey)
	if err != nil && t.IdempotencyKey != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		// Lost an enqueue race on the key: hand back the winner's id.
		row := r.db.QueryRowContext(ctx, "SELECT id FROM tasks WHERE idempotency_key = ?", *t.IdempotencyKey)
		var existingID string
		if scanErr := row.Scan(&existingID); scanErr == nil {
			return existingID, nil
		}
	}
	return id, err
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at
FROM tasks
WHERE state='queued' AND next_run_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT 1
`, now)
	var t domain.Task
	var idem sql.NullString
	err = row.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		return domain.Task{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}

	leaseUntil := now.Add(time.Duration(t.VisibilityTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='running', attempts=attempts+1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, t.ID)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.Task{}, Lease{}, err
	}
	t.Attempts++
	return t, Lease{Until: leaseUntil}, nil
}

// Retry re-queues a running task after delay, or fails it once the
// attempt budget is spent.
//
// The attempt insert and the task update run as separate statements in
// one transaction: the sqlite driver binds every statement of a
// multi-statement Exec from the start of the args slice, so combining
// them mis-binds the UPDATE's parameters.
func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,0,?,CURRENT_TIMESTAMP)`, id, errStr)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE tasks
SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = datetime(CURRENT_TIMESTAMP, ?),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, fmt.Sprintf("+%d seconds", int(delay.Seconds())), id)
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,1,'',CURRENT_TIMESTAMP)`, id)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE tasks SET state='succeeded', updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// Fail is a hard stop: the task moves to failed regardless of budget.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,0,?,CURRENT_TIMESTAMP)`, id, errStr)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE tasks SET state='failed', updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// RecoverStale re-queues running tasks whose visibility timeout expired,
// typically after a crash mid-lease.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', next_run_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE state='running' AND strftime('%s','now') - strftime('%s',updated_at) > visibility_timeout;`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at
FROM tasks WHERE id=?`, id)
	var t domain.Task
	var idem sql.NullString
	if err := row.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	return t, nil
}
