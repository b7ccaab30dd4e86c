package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"reportflow/internal/domain"
	"reportflow/internal/queue"
	"reportflow/internal/store"
)

type triggerEnv struct {
	db      *sql.DB
	scheds  *store.ScheduleStore
	audit   *store.AuditStore
	service *Service
}

func newTriggerEnv(t *testing.T) *triggerEnv {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "trigger.db")+"?mode=rwc")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	require.NoError(t, store.EnsureSchema(db))

	scheds := store.NewScheduleStore(db)
	audit := store.NewAuditStore(db)
	return &triggerEnv{
		db:      db,
		scheds:  scheds,
		audit:   audit,
		service: NewService(scheds, audit, queue.NewSQLiteRepo(db), time.Minute),
	}
}

func (e *triggerEnv) createSchedule(t *testing.T, sc domain.Schedule) domain.Schedule {
	t.Helper()
	ctx := context.Background()
	rptID, err := store.NewReportStore(e.db).Create(ctx, domain.Report{Name: "sales", Query: "SELECT 1"})
	require.NoError(t, err)
	sc.ReportID = rptID
	if len(sc.OutputFormats) == 0 {
		sc.OutputFormats = []domain.Format{domain.FormatCSV}
	}
	id, err := e.scheds.Create(ctx, sc)
	require.NoError(t, err)
	out, err := e.scheds.Get(ctx, id)
	require.NoError(t, err)
	return out
}

func (e *triggerEnv) taskCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n))
	return n
}

func TestTickFiresDueScheduleOnce(t *testing.T) {
	env := newTriggerEnv(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	due := now.Add(-time.Minute)

	sc := env.createSchedule(t, domain.Schedule{Owner: "ops", CronExpr: "0 * * * *", NextRun: &due})

	env.service.Tick(ctx, now)
	env.service.Tick(ctx, now)

	assert.Equal(t, 1, env.taskCount(t), "repeated ticks over a claimed firing enqueue nothing new")

	got, err := env.scheds.Get(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.After(now), "next_run advanced past now")
}

func TestTickCollapsesBacklogIntoOneFiring(t *testing.T) {
	env := newTriggerEnv(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	// Ten hourly occurrences were missed while the service was down.
	due := now.Add(-10 * time.Hour)

	sc := env.createSchedule(t, domain.Schedule{Owner: "ops", CronExpr: "0 * * * *", NextRun: &due})
	env.service.Tick(ctx, now)

	assert.Equal(t, 1, env.taskCount(t), "backlog collapses into a single catch-up firing")

	got, err := env.scheds.Get(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.After(now))

	// The enqueued job carries the observed due time, not now.
	var payload []byte
	require.NoError(t, env.db.QueryRow(`SELECT payload FROM tasks`).Scan(&payload))
	var job domain.RunJob
	require.NoError(t, json.Unmarshal(payload, &job))
	assert.Equal(t, sc.ID, job.ScheduleID)
	assert.Equal(t, due.Unix(), job.FiringAt.Unix())
	assert.NotEmpty(t, job.ExecutionID)
}

func TestTickRecoversFiringEnqueuedBeforeCrash(t *testing.T) {
	env := newTriggerEnv(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	due := now.Add(-time.Minute)

	sc := env.createSchedule(t, domain.Schedule{Owner: "ops", CronExpr: "0 * * * *", NextRun: &due})

	// A previous process enqueued the firing and crashed before claiming:
	// next_run still points at the due slot, and the task sits under the
	// per-firing key.
	payload, err := json.Marshal(domain.RunJob{ScheduleID: sc.ID, ExecutionID: "exe_crash", FiringAt: due})
	require.NoError(t, err)
	idem := fmt.Sprintf("sch:%s:%d", sc.ID, due.Unix())
	_, err = queue.NewSQLiteRepo(env.db).Enqueue(ctx, domain.Task{
		Type:           domain.TaskTypeRunReport,
		Payload:        payload,
		IdempotencyKey: &idem,
	}, 0)
	require.NoError(t, err)

	// The next tick re-enqueues onto the same key and completes the claim.
	env.service.Tick(ctx, now)

	assert.Equal(t, 1, env.taskCount(t), "the re-enqueue collapses onto the crashed firing's task")

	got, err := env.scheds.Get(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.After(now), "the claim finally advances next_run")
}

func TestTickRetiresScheduleFullyPastEndDate(t *testing.T) {
	env := newTriggerEnv(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	due := now.Add(-2 * time.Hour)
	end := now.Add(-time.Hour)

	sc := env.createSchedule(t, domain.Schedule{Owner: "ops", CronExpr: "0 * * * *", NextRun: &due, EndDate: &end})
	env.service.Tick(ctx, now)

	assert.Equal(t, 0, env.taskCount(t), "an expired schedule fires nothing")

	got, err := env.scheds.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleCompleted, got.Status)
	assert.Nil(t, got.NextRun)

	entries, err := env.audit.ListForSchedule(ctx, sc.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.EventScheduleCompleted, entries[0].Event)
}

func TestRunNowEnqueuesImmediately(t *testing.T) {
	env := newTriggerEnv(t)
	ctx := context.Background()
	future := time.Now().UTC().Add(24 * time.Hour)

	sc := env.createSchedule(t, domain.Schedule{Owner: "ops", CronExpr: "0 9 * * *", NextRun: &future})

	execID, taskID, err := env.service.RunNow(ctx, sc)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)
	assert.Equal(t, 1, env.taskCount(t))

	// The returned execution id is the one the queued job will run under.
	var payload []byte
	require.NoError(t, env.db.QueryRow(`SELECT payload FROM tasks`).Scan(&payload))
	var job domain.RunJob
	require.NoError(t, json.Unmarshal(payload, &job))
	assert.Equal(t, execID, job.ExecutionID)

	// The cadence is untouched by a manual run.
	got, err := env.scheds.Get(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, future.Unix(), got.NextRun.Unix())
}
