package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"reportflow/internal/domain"
)

const distributionCols = `id,schedule_id,type,format,config,is_bursting,burst_field,
burst_config,is_active,last_success,last_failure,failure_message,created_at,updated_at`

// DistributionStore persists delivery targets. Lifecycle mirrors the owning
// schedule (cascade delete); is_active is independently toggle-able.
type DistributionStore struct{ db *sql.DB }

func NewDistributionStore(db *sql.DB) *DistributionStore { return &DistributionStore{db: db} }

func (s *DistributionStore) Create(ctx context.Context, d domain.Distribution) (string, error) {
	id := d.ID
	if id == "" {
		id = "dst_" + uuid.NewString()
	}
	config := d.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	burstConfig := d.BurstConfig
	if len(burstConfig) == 0 {
		burstConfig = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO distributions (id,schedule_id,type,format,config,is_bursting,burst_field,
  burst_config,is_active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, d.ScheduleID, d.Type, d.Format, string(config), d.IsBursting, d.BurstField,
		string(burstConfig), d.IsActive)
	return id, err
}

func (s *DistributionStore) Get(ctx context.Context, id string) (domain.Distribution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+distributionCols+` FROM distributions WHERE id=?`, id)
	d, err := scanDistribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Distribution{}, errors.Mark(errors.Newf("distribution %s", id), domain.ErrNotFound)
	}
	return d, err
}

func (s *DistributionStore) ListForSchedule(ctx context.Context, scheduleID string) ([]domain.Distribution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+distributionCols+` FROM distributions WHERE schedule_id=? ORDER BY created_at`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListActive returns the distributions the dispatcher fans out to.
func (s *DistributionStore) ListActive(ctx context.Context, scheduleID string) ([]domain.Distribution, error) {
	all, err := s.ListForSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, d := range all {
		if d.IsActive {
			active = append(active, d)
		}
	}
	return active, nil
}

func (s *DistributionStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE distributions SET is_active=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Mark(errors.Newf("distribution %s", id), domain.ErrNotFound)
	}
	return nil
}

// RecordOutcome stamps the distribution with its latest delivery result.
func (s *DistributionStore) RecordOutcome(ctx context.Context, id string, success bool, detail string, at time.Time) error {
	if success {
		_, err := s.db.ExecContext(ctx, `
UPDATE distributions SET last_success=?, failure_message='', updated_at=CURRENT_TIMESTAMP WHERE id=?`, at, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE distributions SET last_failure=?, failure_message=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, at, detail, id)
	return err
}

func (s *DistributionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM distributions WHERE id=?`, id)
	return err
}

func scanDistribution(row rowScanner) (domain.Distribution, error) {
	var d domain.Distribution
	var lastSuccess, lastFailure sql.NullTime
	var config, burstConfig string
	err := row.Scan(&d.ID, &d.ScheduleID, &d.Type, &d.Format, &config, &d.IsBursting,
		&d.BurstField, &burstConfig, &d.IsActive, &lastSuccess, &lastFailure,
		&d.FailureMessage, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return domain.Distribution{}, err
	}
	if lastSuccess.Valid {
		d.LastSuccess = &lastSuccess.Time
	}
	if lastFailure.Valid {
		d.LastFailure = &lastFailure.Time
	}
	d.Config = []byte(config)
	d.BurstConfig = []byte(burstConfig)
	return d, nil
}
