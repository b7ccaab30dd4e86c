package report

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"reportflow/internal/domain"
)

func openReportDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "data.db")+"?mode=rwc")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
CREATE TABLE orders (region TEXT, amount INTEGER, note TEXT);
INSERT INTO orders VALUES ('East', 1200, NULL), ('West', 340, 'rush');`)
	require.NoError(t, err)
	return db
}

func TestSQLExecutorStringifiesRows(t *testing.T) {
	db := openReportDB(t)
	exec := NewSQLExecutor(db)

	rs, err := exec.Execute(context.Background(), domain.Report{
		ID: "rpt_1", Query: "SELECT region, amount, note FROM orders ORDER BY region",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"region", "amount", "note"}, rs.Columns)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, []string{"East", "1200", ""}, rs.Rows[0], "NULL stringifies to empty")
	assert.Equal(t, []string{"West", "340", "rush"}, rs.Rows[1])
	assert.Equal(t, 2, rs.Meta.RowCount)
	assert.Greater(t, rs.Meta.Elapsed, time.Duration(0))
}

func TestSQLExecutorQueryErrorIsTransient(t *testing.T) {
	db := openReportDB(t)
	exec := NewSQLExecutor(db)

	_, err := exec.Execute(context.Background(), domain.Report{
		ID: "rpt_1", Query: "SELECT * FROM no_such_table",
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))
}

func TestColumnIndex(t *testing.T) {
	rs := &ResultSet{Columns: []string{"region", "amount"}}
	assert.Equal(t, 1, rs.ColumnIndex("amount"))
	assert.Equal(t, -1, rs.ColumnIndex("territory"))
}
