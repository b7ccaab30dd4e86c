// Package runner drives one schedule firing end-to-end: open the
// attempt, execute the report, render each requested format, fan out to
// the distributions, and close the attempt through the tracker.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"reportflow/internal/dispatch"
	"reportflow/internal/domain"
	"reportflow/internal/render"
	"reportflow/internal/report"
	"reportflow/internal/scheduler"
	"reportflow/internal/store"
	"reportflow/internal/tracker"
	"reportflow/internal/worker"
)

type Runner struct {
	scheds      *store.ScheduleStore
	reports     *store.ReportStore
	dists       *store.DistributionStore
	audit       *store.AuditStore
	track       *tracker.Tracker
	executor    report.Executor
	renderers   *render.Registry
	dispatcher  *dispatch.Dispatcher
	artifactDir string
}

func New(
	scheds *store.ScheduleStore,
	reports *store.ReportStore,
	dists *store.DistributionStore,
	audit *store.AuditStore,
	track *tracker.Tracker,
	executor report.Executor,
	renderers *render.Registry,
	dispatcher *dispatch.Dispatcher,
	artifactDir string,
) *Runner {
	return &Runner{
		scheds:      scheds,
		reports:     reports,
		dists:       dists,
		audit:       audit,
		track:       track,
		executor:    executor,
		renderers:   renderers,
		dispatcher:  dispatcher,
		artifactDir: artifactDir,
	}
}

// Handle processes one report.run task. Redelivery is keyed by the
// payload's execution id, so a duplicate delivery of a finished firing
// is a no-op.
func (r *Runner) Handle(ctx context.Context, payload json.RawMessage) error {
	var job domain.RunJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return errors.Wrap(err, "invalid run payload")
	}

	sched, err := r.scheds.Get(ctx, job.ScheduleID)
	if errors.Is(err, domain.ErrNotFound) {
		// Schedule deleted after enqueue: drop the firing.
		log.Info().Str("schedule_id", job.ScheduleID).Msg("schedule gone, dropping firing")
		return nil
	}
	if err != nil {
		return err
	}

	exec, err := r.track.Open(ctx, job)
	switch {
	case errors.Is(err, tracker.ErrAlreadyFinished):
		return nil
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return worker.Defer{Delay: 30 * time.Second, Cause: err}
	case err != nil:
		return err
	}

	runErr := r.execute(ctx, sched, &exec)

	if r.track.Cancelled(ctx, exec.ID) {
		log.Info().Str("execution_id", exec.ID).Msg("execution cancelled mid-run")
		return nil
	}

	if runErr == nil {
		err := r.track.Succeed(ctx, &exec)
		if errors.Is(err, tracker.ErrAlreadyFinished) {
			// A cancellation slipped in after the last boundary check;
			// the cancelled state stands and the counters stay untouched.
			return nil
		}
		if err != nil {
			return err
		}
		return r.finishFiring(ctx, sched, exec, false)
	}

	retried, err := r.track.Fail(ctx, &exec, sched, runErr)
	if errors.Is(err, tracker.ErrAlreadyFinished) {
		return nil
	}
	if err != nil {
		return err
	}
	if retried {
		return nil
	}
	return r.finishFiring(ctx, sched, exec, true)
}

// execute runs one attempt. Cancellation is checked at every step
// boundary; a cancelled execution stops before the next side effect.
func (r *Runner) execute(ctx context.Context, sched domain.Schedule, exec *domain.Execution) error {
	if r.track.Cancelled(ctx, exec.ID) {
		return nil
	}

	rpt, err := r.reports.Get(ctx, sched.ReportID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Configf("report %s not found", sched.ReportID)
	}
	if err != nil {
		return err
	}

	rs, err := r.runReport(ctx, sched, rpt)
	if err != nil {
		return err
	}

	if r.track.Cancelled(ctx, exec.ID) {
		return nil
	}

	artifacts, renderErrs := r.renderAll(sched, rpt, exec, rs)
	if len(artifacts) == 0 {
		return domain.Transientf("all %d formats failed to render: %s",
			len(sched.OutputFormats), strings.Join(renderErrs, "; "))
	}
	for _, e := range renderErrs {
		log.Warn().Str("execution_id", exec.ID).Msg("format render failed: " + e)
	}

	if r.track.Cancelled(ctx, exec.ID) {
		return nil
	}

	targets, err := r.dists.ListActive(ctx, sched.ID)
	if err != nil {
		return err
	}
	results, dispatchErr := r.dispatcher.DeliverAll(ctx, dispatch.Request{
		Execution: *exec,
		Schedule:  sched,
		Report:    rpt,
		Results:   rs,
		Artifacts: artifacts,
	}, targets)
	exec.DeliveryResults = results
	// The dispatcher classifies the aggregate (security and configuration
	// failures stay non-retryable); pass the cause through untouched.
	return dispatchErr
}

// runReport invokes the executor bounded by the schedule's timeout; a
// deadline hit is a failure, never a hang.
func (r *Runner) runReport(ctx context.Context, sched domain.Schedule, rpt domain.Report) (*report.ResultSet, error) {
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(sched.TimeoutSecs)*time.Second)
	defer cancel()

	rs, err := r.executor.Execute(execCtx, rpt, sched.Parameters)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, domain.Transientf("report execution timed out after %ds", sched.TimeoutSecs)
		}
		return nil, err
	}
	return rs, nil
}

// renderAll renders every requested format, tolerating partial failure.
// Rendered artifacts are also written next to the execution record for
// history; a history-write failure does not fail the format.
func (r *Runner) renderAll(sched domain.Schedule, rpt domain.Report, exec *domain.Execution, rs *report.ResultSet) (map[domain.Format]dispatch.Artifact, []string) {
	artifacts := make(map[domain.Format]dispatch.Artifact, len(sched.OutputFormats))
	var failures []string
	stamp := exec.FiringAt.UTC().Format("20060102T150405Z")

	for _, f := range sched.OutputFormats {
		data, err := r.renderers.Render(f, rs, render.Options{Title: rpt.Name})
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		filename := fmt.Sprintf("%s_%s.%s", slug(rpt.Name), stamp, f)
		ref := domain.ArtifactRef{Format: f, Filename: filename, Bytes: int64(len(data))}
		if r.artifactDir != "" {
			path, err := r.persistArtifact(exec.ID, filename, data)
			if err != nil {
				log.Warn().Err(err).Str("execution_id", exec.ID).Msg("artifact history write failed")
			} else {
				ref.Path = path
			}
		}
		exec.Artifacts = append(exec.Artifacts, ref)
		artifacts[f] = dispatch.Artifact{
			Format:         f,
			Filename:       filename,
			Data:           data,
			IdempotencyKey: fmt.Sprintf("exe:%s:%s", exec.ID, f),
		}
	}
	return artifacts, failures
}

func (r *Runner) persistArtifact(execID, filename string, data []byte) (string, error) {
	dir := filepath.Join(r.artifactDir, execID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func slug(name string) string {
	mapped := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			return c
		case c >= 'A' && c <= 'Z':
			return c + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
	mapped = strings.Trim(mapped, "_")
	if mapped == "" {
		return "report"
	}
	return mapped
}

// finishFiring closes the cadence bookkeeping for a firing that reached
// a terminal state: bump counters, advance next_run, and complete the
// schedule when no further occurrence exists.
func (r *Runner) finishFiring(ctx context.Context, sched domain.Schedule, exec domain.Execution, failed bool) error {
	now := time.Now().UTC()
	next, err := scheduler.NextRun(sched.CronExpr, sched.Timezone, now, sched.StartDate, sched.EndDate)
	if err != nil {
		// Expression was validated at creation; treat a late parse
		// failure as end-of-schedule rather than wedging the firing.
		log.Error().Err(err).Str("schedule_id", sched.ID).Msg("next run evaluation failed")
		next = nil
	}
	completed := next == nil
	if err := r.scheds.FinishFiring(ctx, sched.ID, now, next, failed, completed); err != nil {
		return err
	}
	if completed {
		r.auditCompleted(ctx, sched.ID, exec.ID)
	}
	return nil
}

func (r *Runner) auditCompleted(ctx context.Context, scheduleID, execID string) {
	err := r.audit.Append(ctx, domain.AuditEntry{
		ScheduleID:  scheduleID,
		ExecutionID: execID,
		Event:       domain.EventScheduleCompleted,
		Message:     "no further occurrences",
	})
	if err != nil {
		log.Warn().Err(err).Str("schedule_id", scheduleID).Msg("audit append failed")
	}
}
