package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"reportflow/internal/domain"
)

const executionCols = `id,schedule_id,status,firing_at,started_at,completed_at,duration_ms,
retry_count,artifacts,delivery_results,error_message,created_at,updated_at`

// ExecutionStore persists firings. The partial unique index on
// (schedule_id) over in-flight rows is what enforces the one-running-
// execution-per-schedule rule at insert time.
type ExecutionStore struct{ db *sql.DB }

func NewExecutionStore(db *sql.DB) *ExecutionStore { return &ExecutionStore{db: db} }

// Insert creates a new in-flight execution row. A second in-flight row
// for the same schedule violates the unique index and surfaces as
// ErrConcurrencyConflict.
func (s *ExecutionStore) Insert(ctx context.Context, e domain.Execution) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (id,schedule_id,status,firing_at,started_at,retry_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, e.ID, e.ScheduleID, e.Status, e.FiringAt, e.StartedAt, e.RetryCount)
	if err != nil && isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrConcurrencyConflict, "schedule %s", e.ScheduleID)
	}
	return err
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id=?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, errors.Mark(errors.Newf("execution %s", id), domain.ErrNotFound)
	}
	return e, err
}

// Transition moves an execution between statuses, enforcing monotonicity:
// the update applies only when the current status is one of from. It
// returns false when the row was in none of the allowed source states.
func (s *ExecutionStore) Transition(ctx context.Context, id string, from []domain.ExecutionStatus, to domain.ExecutionStatus, startedAt *time.Time) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{to}
	if startedAt != nil {
		args = append(args, startedAt)
	}
	args = append(args, id)
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, f)
	}
	set := `status=?`
	if startedAt != nil {
		set += `, started_at=?`
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET `+set+`, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Close finalizes a cycle: terminal status, timing, artifacts, per-
// distribution results and the sanitized error message. The update only
// lands from running; it returns false when a cancellation won first,
// so a terminal close never overwrites cancelled.
func (s *ExecutionStore) Close(ctx context.Context, e domain.Execution) (bool, error) {
	artifacts, err := json.Marshal(e.Artifacts)
	if err != nil {
		return false, errors.Wrap(err, "marshal artifacts")
	}
	results, err := json.Marshal(e.DeliveryResults)
	if err != nil {
		return false, errors.Wrap(err, "marshal delivery results")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET status=?, completed_at=?, duration_ms=?, artifacts=?,
  delivery_results=?, error_message=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='running'`, e.Status, e.CompletedAt, e.DurationMs, string(artifacts),
		string(results), e.ErrorMessage, e.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Reopen moves a failed cycle back to pending for a retry, bumping the
// retry counter. The in-flight index still holds the schedule's slot, so
// no competing firing can slip in between cycles.
func (s *ExecutionStore) Reopen(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET status='pending', retry_count=retry_count+1,
  completed_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='running'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *ExecutionStore) ListForSchedule(ctx context.Context, scheduleID string, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+executionCols+` FROM executions WHERE schedule_id=?
ORDER BY created_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var started, completed sql.NullTime
	var artifacts, results string
	err := row.Scan(&e.ID, &e.ScheduleID, &e.Status, &e.FiringAt, &started, &completed,
		&e.DurationMs, &e.RetryCount, &artifacts, &results, &e.ErrorMessage,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return domain.Execution{}, err
	}
	if started.Valid {
		e.StartedAt = &started.Time
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	if err := json.Unmarshal([]byte(artifacts), &e.Artifacts); err != nil {
		return domain.Execution{}, errors.Wrap(err, "unmarshal artifacts")
	}
	if err := json.Unmarshal([]byte(results), &e.DeliveryResults); err != nil {
		return domain.Execution{}, errors.Wrap(err, "unmarshal delivery results")
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
