package tracker

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
	"reportflow/internal/queue"
	"reportflow/internal/store"
)

type trackerEnv struct {
	db    *sql.DB
	execs *store.ExecutionStore
	audit *store.AuditStore
	track *Tracker
	sched domain.Schedule
}

func newTrackerEnv(t *testing.T) *trackerEnv {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "tracker.db")+"?mode=rwc")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	require.NoError(t, store.EnsureSchema(db))

	ctx := context.Background()
	rptID, err := store.NewReportStore(db).Create(ctx, domain.Report{Name: "sales", Query: "SELECT 1"})
	require.NoError(t, err)
	scheds := store.NewScheduleStore(db)
	schedID, err := scheds.Create(ctx, domain.Schedule{
		ReportID:       rptID,
		Owner:          "ops",
		CronExpr:       "0 9 * * *",
		OutputFormats:  []domain.Format{domain.FormatCSV},
		MaxRetries:     2,
		RetryDelaySecs: 1,
	})
	require.NoError(t, err)
	sched, err := scheds.Get(ctx, schedID)
	require.NoError(t, err)

	execs := store.NewExecutionStore(db)
	audit := store.NewAuditStore(db)
	return &trackerEnv{
		db:    db,
		execs: execs,
		audit: audit,
		track: New(execs, audit, queue.NewSQLiteRepo(db)),
		sched: sched,
	}
}

func (e *trackerEnv) job(execID string) domain.RunJob {
	return domain.RunJob{
		ScheduleID:  e.sched.ID,
		ExecutionID: execID,
		FiringAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestOpenAndSucceed(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	exec, err := env.track.Open(ctx, env.job("exe_1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, exec.Status)
	require.NotNil(t, exec.StartedAt)

	require.NoError(t, env.track.Succeed(ctx, &exec))

	got, err := env.execs.Get(ctx, "exe_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSucceeded, got.Status)
	require.NotNil(t, got.CompletedAt)

	entries, err := env.audit.ListForSchedule(ctx, env.sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.EventExecutionSucceeded, entries[0].Event)
	assert.Equal(t, domain.EventExecutionRunning, entries[1].Event)
	assert.Equal(t, domain.EventExecutionOpened, entries[2].Event)
}

func TestRedeliveryAfterFinishIsNoop(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	exec, err := env.track.Open(ctx, env.job("exe_1"))
	require.NoError(t, err)
	require.NoError(t, env.track.Succeed(ctx, &exec))

	_, err = env.track.Open(ctx, env.job("exe_1"))
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestSecondFiringDeferredWhileFirstRuns(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	_, err := env.track.Open(ctx, env.job("exe_1"))
	require.NoError(t, err)

	_, err = env.track.Open(ctx, env.job("exe_2"))
	assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict))
}

func TestFailSchedulesRetryThenTerminal(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()
	cause := domain.Transientf("smtp connect refused")

	exec, err := env.track.Open(ctx, env.job("exe_1"))
	require.NoError(t, err)

	// Cycle 1 and 2 fail within budget (max_retries=2).
	for want := 1; want <= 2; want++ {
		retried, err := env.track.Fail(ctx, &exec, env.sched, cause)
		require.NoError(t, err)
		assert.True(t, retried)
		assert.Equal(t, want, exec.RetryCount)

		got, err := env.execs.Get(ctx, "exe_1")
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionPending, got.Status)
		assert.Equal(t, want, got.RetryCount)

		// Redelivery of the retry task re-opens the same execution.
		exec, err = env.track.Open(ctx, env.job("exe_1"))
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionRunning, exec.Status)
	}

	// One retry task enqueued per cycle, deduplicated by cycle key.
	var n int
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n))
	assert.Equal(t, 2, n)

	// Budget spent: the third failure is terminal.
	retried, err := env.track.Fail(ctx, &exec, env.sched, cause)
	require.NoError(t, err)
	assert.False(t, retried)

	got, err := env.execs.Get(ctx, "exe_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "smtp connect refused")
}

func TestConfigurationErrorNeverRetries(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	exec, err := env.track.Open(ctx, env.job("exe_1"))
	require.NoError(t, err)

	retried, err := env.track.Fail(ctx, &exec, env.sched, domain.Configf("burst field missing"))
	require.NoError(t, err)
	assert.False(t, retried)

	got, err := env.execs.Get(ctx, "exe_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestSecurityErrorNeverRetries(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	exec, err := env.track.Open(ctx, env.job("exe_1"))
	require.NoError(t, err)

	cause := errors.Mark(errors.New("credential decryption failed"), domain.ErrSecurity)
	retried, err := env.track.Fail(ctx, &exec, env.sched, cause)
	require.NoError(t, err)
	assert.False(t, retried)
}

func TestCancelRaceKeepsCancelledState(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	exec, err := env.track.Open(ctx, env.job("exe_1"))
	require.NoError(t, err)

	// Cancellation lands after the orchestrator's last boundary check.
	require.NoError(t, env.track.RequestCancel(ctx, exec.ID))

	err = env.track.Succeed(ctx, &exec)
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	got, err := env.execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, got.Status)

	// The failure path loses the same race the same way.
	exec2, err := env.track.Open(ctx, env.job("exe_2"))
	require.NoError(t, err)
	require.NoError(t, env.track.RequestCancel(ctx, exec2.ID))

	retried, err := env.track.Fail(ctx, &exec2, env.sched, domain.Transientf("smtp connect refused"))
	assert.False(t, retried)
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	got, err = env.execs.Get(ctx, exec2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, got.Status)
}

func TestRequestCancel(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	exec, err := env.track.Open(ctx, env.job("exe_1"))
	require.NoError(t, err)
	assert.False(t, env.track.Cancelled(ctx, exec.ID))

	require.NoError(t, env.track.RequestCancel(ctx, exec.ID))
	assert.True(t, env.track.Cancelled(ctx, exec.ID))

	got, err := env.execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, got.Status)

	// A finished execution is not cancellable.
	err = env.track.RequestCancel(ctx, exec.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
