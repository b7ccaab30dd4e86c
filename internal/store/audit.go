package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"reportflow/internal/domain"
)

// AuditStore appends immutable log entries, one per state transition or
// delivery attempt. There is no update or delete path.
type AuditStore struct{ db *sql.DB }

func NewAuditStore(db *sql.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Append(ctx context.Context, e domain.AuditEntry) error {
	details := e.Details
	if len(details) == 0 {
		details = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log (schedule_id, execution_id, event, message, details)
VALUES (?,?,?,?,?)`, e.ScheduleID, e.ExecutionID, e.Event, e.Message, string(details))
	return err
}

// ListForSchedule returns entries newest-first, limit-bounded, for the
// schedule logs surface.
func (s *AuditStore) ListForSchedule(ctx context.Context, scheduleID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, schedule_id, execution_id, event, message, details, created_at
FROM audit_log WHERE schedule_id=? ORDER BY id DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var details string
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.ExecutionID, &e.Event, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Details = json.RawMessage(details)
		out = append(out, e)
	}
	return out, rows.Err()
}
