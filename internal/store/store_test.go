package store

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

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "test.db")+"?mode=rwc")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return db
}

func seedSchedule(t *testing.T, db *sql.DB, sc domain.Schedule) domain.Schedule {
	t.Helper()
	ctx := context.Background()
	rptID, err := NewReportStore(db).Create(ctx, domain.Report{
		Name: "sales", Query: "SELECT 1", Fields: []string{"region", "amount"},
	})
	require.NoError(t, err)
	sc.ReportID = rptID
	if sc.CronExpr == "" {
		sc.CronExpr = "0 9 * * *"
	}
	if len(sc.OutputFormats) == 0 {
		sc.OutputFormats = []domain.Format{domain.FormatCSV}
	}
	scheds := NewScheduleStore(db)
	id, err := scheds.Create(ctx, sc)
	require.NoError(t, err)
	out, err := scheds.Get(ctx, id)
	require.NoError(t, err)
	return out
}

func TestScheduleCreateDefaults(t *testing.T) {
	db := openTestDB(t)
	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})

	assert.Equal(t, domain.ScheduleActive, sc.Status)
	assert.Equal(t, 3, sc.MaxRetries)
	assert.Equal(t, 60, sc.RetryDelaySecs)
	assert.Equal(t, 300, sc.TimeoutSecs)
	assert.Equal(t, "UTC", sc.Timezone)
	assert.Equal(t, 0, sc.RunCount)
	assert.Nil(t, sc.LastRun)
}

func TestScheduleGetMissing(t *testing.T) {
	db := openTestDB(t)
	_, err := NewScheduleStore(db).Get(context.Background(), "sch_missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestListDueFiltersStatusAndTime(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	scheds := NewScheduleStore(db)
	now := time.Now().UTC().Truncate(time.Second)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	due := seedSchedule(t, db, domain.Schedule{Owner: "ops", NextRun: &past})
	seedSchedule(t, db, domain.Schedule{Owner: "ops", NextRun: &future})
	paused := seedSchedule(t, db, domain.Schedule{Owner: "ops", NextRun: &past})
	require.NoError(t, scheds.SetStatus(ctx, paused.ID, domain.SchedulePaused, nil))

	got, err := scheds.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestClaimNextRunRace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	scheds := NewScheduleStore(db)
	now := time.Now().UTC().Truncate(time.Second)
	observed := now.Add(-time.Minute)
	next := now.Add(time.Hour)

	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops", NextRun: &observed})

	claimed, err := scheds.ClaimNextRun(ctx, sc.ID, observed, &next)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claimant observing the stale next_run loses.
	claimed, err = scheds.ClaimNextRun(ctx, sc.ID, observed, &next)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := scheds.Get(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, next.Unix(), got.NextRun.Unix())
}

func TestFinishFiringCounters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	scheds := NewScheduleStore(db)
	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(time.Hour)

	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})

	require.NoError(t, scheds.FinishFiring(ctx, sc.ID, now, &next, false, false))
	got, err := scheds.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 0, got.FailureCount)
	require.NotNil(t, got.LastRun)

	require.NoError(t, scheds.FinishFiring(ctx, sc.ID, now, &next, true, false))
	got, err = scheds.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
	assert.Equal(t, 1, got.FailureCount)
	assert.Equal(t, domain.ScheduleActive, got.Status)
}

func TestFinishFiringCompletes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	scheds := NewScheduleStore(db)
	now := time.Now().UTC().Truncate(time.Second)

	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})
	require.NoError(t, scheds.FinishFiring(ctx, sc.ID, now, nil, false, true))

	got, err := scheds.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleCompleted, got.Status)
	assert.Nil(t, got.NextRun)
	assert.Equal(t, 1, got.RunCount)
}

func TestExecutionInflightUniquePerSchedule(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	execs := NewExecutionStore(db)
	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})
	now := time.Now().UTC()

	first := domain.Execution{ID: "exe_1", ScheduleID: sc.ID, Status: domain.ExecutionPending, FiringAt: now}
	require.NoError(t, execs.Insert(ctx, first))

	err := execs.Insert(ctx, domain.Execution{ID: "exe_2", ScheduleID: sc.ID, Status: domain.ExecutionPending, FiringAt: now})
	assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict))

	// Closing the first frees the slot.
	ok, err := execs.Transition(ctx, "exe_1", []domain.ExecutionStatus{domain.ExecutionPending}, domain.ExecutionRunning, &now)
	require.NoError(t, err)
	require.True(t, ok)
	done := now.Add(time.Second)
	first.Status = domain.ExecutionSucceeded
	first.CompletedAt = &done
	ok, err = execs.Close(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, execs.Insert(ctx, domain.Execution{ID: "exe_2", ScheduleID: sc.ID, Status: domain.ExecutionPending, FiringAt: now}))
}

func TestExecutionCloseLosesToCancellation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	execs := NewExecutionStore(db)
	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})
	now := time.Now().UTC()

	e := domain.Execution{ID: "exe_1", ScheduleID: sc.ID, Status: domain.ExecutionPending, FiringAt: now}
	require.NoError(t, execs.Insert(ctx, e))
	ok, err := execs.Transition(ctx, "exe_1", []domain.ExecutionStatus{domain.ExecutionPending}, domain.ExecutionRunning, &now)
	require.NoError(t, err)
	require.True(t, ok)

	// A cancellation lands before the close.
	ok, err = execs.Transition(ctx, "exe_1", []domain.ExecutionStatus{domain.ExecutionRunning}, domain.ExecutionCancelled, nil)
	require.NoError(t, err)
	require.True(t, ok)

	done := now.Add(time.Second)
	e.Status = domain.ExecutionSucceeded
	e.CompletedAt = &done
	ok, err = execs.Close(ctx, e)
	require.NoError(t, err)
	assert.False(t, ok, "a close never overwrites cancelled")

	got, err := execs.Get(ctx, "exe_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, got.Status)
}

func TestExecutionTransitionMonotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	execs := NewExecutionStore(db)
	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})
	now := time.Now().UTC()

	require.NoError(t, execs.Insert(ctx, domain.Execution{ID: "exe_1", ScheduleID: sc.ID, Status: domain.ExecutionPending, FiringAt: now}))

	ok, err := execs.Transition(ctx, "exe_1", []domain.ExecutionStatus{domain.ExecutionPending}, domain.ExecutionRunning, &now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = execs.Transition(ctx, "exe_1", []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning}, domain.ExecutionCancelled, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal states admit no further transitions.
	ok, err = execs.Transition(ctx, "exe_1", []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning}, domain.ExecutionSucceeded, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutionReopen(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	execs := NewExecutionStore(db)
	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})
	now := time.Now().UTC()

	require.NoError(t, execs.Insert(ctx, domain.Execution{ID: "exe_1", ScheduleID: sc.ID, Status: domain.ExecutionPending, FiringAt: now}))
	ok, err := execs.Reopen(ctx, "exe_1")
	require.NoError(t, err)
	assert.False(t, ok, "only running cycles can reopen")

	_, err = execs.Transition(ctx, "exe_1", []domain.ExecutionStatus{domain.ExecutionPending}, domain.ExecutionRunning, &now)
	require.NoError(t, err)

	ok, err = execs.Reopen(ctx, "exe_1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := execs.Get(ctx, "exe_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestDistributionOutcome(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dists := NewDistributionStore(db)
	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})

	id, err := dists.Create(ctx, domain.Distribution{
		ScheduleID: sc.ID,
		Type:       domain.DistFileSystem,
		Format:     domain.FormatCSV,
		Config:     []byte(`{"directory":"/tmp/out"}`),
		IsActive:   true,
	})
	require.NoError(t, err)

	at := time.Now().UTC()
	require.NoError(t, dists.RecordOutcome(ctx, id, false, "connection refused", at))
	got, err := dists.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, got.LastFailure)
	assert.Equal(t, "connection refused", got.FailureMessage)

	require.NoError(t, dists.RecordOutcome(ctx, id, true, "", at))
	got, err = dists.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, got.LastSuccess)
	assert.Empty(t, got.FailureMessage)
}

func TestListActiveSkipsInactive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dists := NewDistributionStore(db)
	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})

	active, err := dists.Create(ctx, domain.Distribution{
		ScheduleID: sc.ID, Type: domain.DistFileSystem, Format: domain.FormatCSV,
		Config: []byte(`{"directory":"/tmp/a"}`), IsActive: true,
	})
	require.NoError(t, err)
	off, err := dists.Create(ctx, domain.Distribution{
		ScheduleID: sc.ID, Type: domain.DistFileSystem, Format: domain.FormatCSV,
		Config: []byte(`{"directory":"/tmp/b"}`), IsActive: true,
	})
	require.NoError(t, err)
	require.NoError(t, dists.SetActive(ctx, off, false))

	got, err := dists.ListActive(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active, got[0].ID)
}

func TestAuditNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	audit := NewAuditStore(db)

	for _, ev := range []string{"a", "b", "c"} {
		require.NoError(t, audit.Append(ctx, domain.AuditEntry{ScheduleID: "sch_1", Event: ev}))
	}

	got, err := audit.ListForSchedule(ctx, "sch_1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Event)
	assert.Equal(t, "b", got[1].Event)
}

func TestCredentialsUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	creds := NewCredentialStore(db)

	require.NoError(t, creds.PutBlob(ctx, "dest-1", "blob-v1"))
	require.NoError(t, creds.PutBlob(ctx, "dest-1", "blob-v2"))

	got, err := creds.GetBlob(ctx, "dest-1")
	require.NoError(t, err)
	assert.Equal(t, "blob-v2", got)

	_, err = creds.GetBlob(ctx, "dest-2")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDeleteScheduleCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	scheds := NewScheduleStore(db)
	dists := NewDistributionStore(db)
	execs := NewExecutionStore(db)
	sc := seedSchedule(t, db, domain.Schedule{Owner: "ops"})

	distID, err := dists.Create(ctx, domain.Distribution{
		ScheduleID: sc.ID, Type: domain.DistFileSystem, Format: domain.FormatCSV,
		Config: []byte(`{"directory":"/tmp/out"}`), IsActive: true,
	})
	require.NoError(t, err)
	require.NoError(t, execs.Insert(ctx, domain.Execution{
		ID: "exe_1", ScheduleID: sc.ID, Status: domain.ExecutionPending, FiringAt: time.Now().UTC(),
	}))

	require.NoError(t, scheds.Delete(ctx, sc.ID))

	_, err = dists.Get(ctx, distID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = execs.Get(ctx, "exe_1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
