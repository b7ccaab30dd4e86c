package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"reportflow/internal/domain"
)

const scheduleCols = `id,report_id,owner,cron_expr,timezone,start_date,end_date,status,
max_retries,retry_delay_seconds,timeout_seconds,output_formats,parameters,
run_count,failure_count,last_run,next_run,created_at,updated_at`

// ScheduleStore persists schedules. NextRun and the counters are only
// mutated through ClaimNextRun and FinishFiring so a racing trigger loop
// never observes a partial update.
type ScheduleStore struct{ db *sql.DB }

func NewScheduleStore(db *sql.DB) *ScheduleStore { return &ScheduleStore{db: db} }

func (s *ScheduleStore) Create(ctx context.Context, sc domain.Schedule) (string, error) {
	id := sc.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if sc.MaxRetries == 0 {
		sc.MaxRetries = 3
	}
	if sc.RetryDelaySecs == 0 {
		sc.RetryDelaySecs = 60
	}
	if sc.TimeoutSecs == 0 {
		sc.TimeoutSecs = 300
	}
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	if sc.Status == "" {
		sc.Status = domain.ScheduleActive
	}
	formats, err := json.Marshal(sc.OutputFormats)
	if err != nil {
		return "", errors.Wrap(err, "marshal output formats")
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedules (id,report_id,owner,cron_expr,timezone,start_date,end_date,status,
  max_retries,retry_delay_seconds,timeout_seconds,output_formats,parameters,
  run_count,failure_count,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,0,0,NULL,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, sc.ReportID, sc.Owner, sc.CronExpr, sc.Timezone, sc.StartDate, sc.EndDate, sc.Status,
		sc.MaxRetries, sc.RetryDelaySecs, sc.TimeoutSecs, string(formats), []byte(sc.Parameters), sc.NextRun)
	return id, err
}

func (s *ScheduleStore) Get(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, errors.Mark(errors.Newf("schedule %s", id), domain.ErrNotFound)
	}
	return sc, err
}

func (s *ScheduleStore) List(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListDue returns active schedules whose next_run has arrived. Paused,
// disabled and completed schedules never fire.
func (s *ScheduleStore) ListDue(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleCols+` FROM schedules
WHERE status='active' AND next_run IS NOT NULL AND next_run <= ?
ORDER BY next_run`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ClaimNextRun atomically advances next_run from the observed due value.
// It returns false when another trigger instance already claimed the
// firing, which is how double-enqueue is prevented under redundancy.
func (s *ScheduleStore) ClaimNextRun(ctx context.Context, id string, observed time.Time, next *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET next_run=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='active' AND next_run=?`, next, id, observed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishFiring applies the post-firing schedule update in one statement:
// run_count always increments, failure_count only on terminal failure,
// and next_run/status move together when the schedule is exhausted.
func (s *ScheduleStore) FinishFiring(ctx context.Context, id string, lastRun time.Time, next *time.Time, failed, completed bool) error {
	status := string(domain.ScheduleActive)
	if completed {
		status = string(domain.ScheduleCompleted)
		next = nil
	}
	failInc := 0
	if failed {
		failInc = 1
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules
SET run_count = run_count + 1,
    failure_count = failure_count + ?,
    last_run = ?,
    next_run = ?,
    status = CASE WHEN status='active' THEN ? ELSE status END,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, failInc, lastRun, next, status, id)
	return err
}

// SetStatus handles pause/resume/disable. Resuming restores the supplied
// next_run so the schedule re-enters the trigger loop's view.
func (s *ScheduleStore) SetStatus(ctx context.Context, id string, status domain.ScheduleStatus, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET status=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		status, nextRun, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Mark(errors.Newf("schedule %s", id), domain.ErrNotFound)
	}
	return nil
}

func (s *ScheduleStore) Update(ctx context.Context, sc domain.Schedule) error {
	formats, err := json.Marshal(sc.OutputFormats)
	if err != nil {
		return errors.Wrap(err, "marshal output formats")
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE schedules SET cron_expr=?, timezone=?, start_date=?, end_date=?,
  max_retries=?, retry_delay_seconds=?, timeout_seconds=?, output_formats=?,
  parameters=?, next_run=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, sc.CronExpr, sc.Timezone, sc.StartDate, sc.EndDate,
		sc.MaxRetries, sc.RetryDelaySecs, sc.TimeoutSecs, string(formats),
		[]byte(sc.Parameters), sc.NextRun, sc.ID)
	return err
}

// Delete cascades to distributions and executions via foreign keys.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var sc domain.Schedule
	var start, end, lastRun, nextRun sql.NullTime
	var formats string
	var params []byte
	err := row.Scan(&sc.ID, &sc.ReportID, &sc.Owner, &sc.CronExpr, &sc.Timezone,
		&start, &end, &sc.Status, &sc.MaxRetries, &sc.RetryDelaySecs, &sc.TimeoutSecs,
		&formats, &params, &sc.RunCount, &sc.FailureCount, &lastRun, &nextRun,
		&sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	if start.Valid {
		sc.StartDate = &start.Time
	}
	if end.Valid {
		sc.EndDate = &end.Time
	}
	if lastRun.Valid {
		sc.LastRun = &lastRun.Time
	}
	if nextRun.Valid {
		sc.NextRun = &nextRun.Time
	}
	if err := json.Unmarshal([]byte(formats), &sc.OutputFormats); err != nil {
		return domain.Schedule{}, errors.Wrap(err, "unmarshal output formats")
	}
	sc.Parameters = params
	return sc, nil
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
