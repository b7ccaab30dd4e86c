package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"reportflow/internal/domain"
)

// ReportStore persists report definitions: a name, the query the executor
// runs, and the column list burst-field validation checks against.
type ReportStore struct{ db *sql.DB }

func NewReportStore(db *sql.DB) *ReportStore { return &ReportStore{db: db} }

func (s *ReportStore) Create(ctx context.Context, r domain.Report) (string, error) {
	id := r.ID
	if id == "" {
		id = "rpt_" + uuid.NewString()
	}
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return "", errors.Wrap(err, "marshal fields")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO reports (id, name, query, fields) VALUES (?,?,?,?)`,
		id, r.Name, r.Query, string(fields))
	return id, err
}

func (s *ReportStore) Get(ctx context.Context, id string) (domain.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, query, fields, created_at FROM reports WHERE id=?`, id)
	var r domain.Report
	var fields string
	err := row.Scan(&r.ID, &r.Name, &r.Query, &fields, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Report{}, errors.Mark(errors.Newf("report %s", id), domain.ErrNotFound)
	}
	if err != nil {
		return domain.Report{}, err
	}
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return domain.Report{}, errors.Wrap(err, "unmarshal fields")
	}
	return r, nil
}
