// Package report is the report executor boundary: given a report
// definition and parameters, produce tabular rows plus query metadata.
// SQL generation and field security filtering live behind this interface.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"reportflow/internal/domain"
)

// ResultSet is the tabular output of one report execution. Rows are
// aligned with Columns positionally.
type ResultSet struct {
	Columns []string
	Rows    [][]string
	Meta    QueryMeta
}

type QueryMeta struct {
	RowCount int
	Elapsed  time.Duration
}

// ColumnIndex returns the position of name in Columns, or -1.
func (rs *ResultSet) ColumnIndex(name string) int {
	for i, c := range rs.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Executor produces a report's rows. Implementations must honor ctx
// cancellation; a deadline hit is a transient failure, not a hang.
type Executor interface {
	Execute(ctx context.Context, r domain.Report, params json.RawMessage) (*ResultSet, error)
}

// SQLExecutor runs the report's stored query against a database and
// stringifies every cell. Parameters are accepted at the boundary but
// binding is the report author's concern, not this executor's.
type SQLExecutor struct{ db *sql.DB }

func NewSQLExecutor(db *sql.DB) *SQLExecutor { return &SQLExecutor{db: db} }

func (e *SQLExecutor) Execute(ctx context.Context, r domain.Report, _ json.RawMessage) (*ResultSet, error) {
	start := time.Now()
	rows, err := e.db.QueryContext(ctx, r.Query)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "report %s query", r.ID), domain.ErrTransient)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "read columns"), domain.ErrTransient)
	}

	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "scan row"), domain.ErrTransient)
		}
		rec := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				rec[i] = v.String
			}
		}
		rs.Rows = append(rs.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "iterate rows"), domain.ErrTransient)
	}
	rs.Meta = QueryMeta{RowCount: len(rs.Rows), Elapsed: time.Since(start)}
	return rs, nil
}
