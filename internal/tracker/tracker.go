// Package tracker owns the execution state machine: opening attempts
// under the single-running-per-schedule rule, deciding retry versus
// terminal failure, and emitting one audit entry per transition.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/queue"
	"reportflow/internal/store"
)

// ErrAlreadyFinished signals a redelivered job whose execution already
// reached a terminal state; the caller treats it as a no-op.
var ErrAlreadyFinished = errors.New("execution already finished")

type Tracker struct {
	execs *store.ExecutionStore
	audit *store.AuditStore
	tasks queue.Repository
}

func New(execs *store.ExecutionStore, audit *store.AuditStore, tasks queue.Repository) *Tracker {
	return &Tracker{execs: execs, audit: audit, tasks: tasks}
}

// Open claims the schedule's execution slot and moves the cycle to
// running. First delivery inserts the record; a retry cycle re-uses it.
// A second in-flight firing for the same schedule observes
// ErrConcurrencyConflict and is deferred, not failed.
func (t *Tracker) Open(ctx context.Context, job domain.RunJob) (domain.Execution, error) {
	now := time.Now().UTC()

	e, err := t.execs.Get(ctx, job.ExecutionID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		e = domain.Execution{
			ID:         job.ExecutionID,
			ScheduleID: job.ScheduleID,
			Status:     domain.ExecutionPending,
			FiringAt:   job.FiringAt,
		}
		if err := t.execs.Insert(ctx, e); err != nil {
			return domain.Execution{}, err
		}
		t.append(ctx, e, domain.EventExecutionOpened, "execution opened", map[string]any{
			"firing_at": job.FiringAt.Format(time.RFC3339),
		})
	case err != nil:
		return domain.Execution{}, err
	case e.Status.Terminal():
		return e, ErrAlreadyFinished
	case e.Status == domain.ExecutionRunning:
		// Redelivery while a cycle is still running (visibility timeout
		// expired mid-run). Defer rather than double-run.
		return e, errors.Wrapf(domain.ErrConcurrencyConflict, "execution %s", e.ID)
	}

	ok, err := t.execs.Transition(ctx, e.ID,
		[]domain.ExecutionStatus{domain.ExecutionPending}, domain.ExecutionRunning, &now)
	if err != nil {
		return domain.Execution{}, err
	}
	if !ok {
		return domain.Execution{}, errors.Wrapf(domain.ErrConcurrencyConflict, "execution %s", e.ID)
	}
	e.Status = domain.ExecutionRunning
	e.StartedAt = &now
	t.append(ctx, e, domain.EventExecutionRunning, "execution running", map[string]any{
		"retry_count": e.RetryCount,
	})
	return e, nil
}

// Succeed closes the cycle as succeeded. A cancellation landing after
// the orchestrator's last boundary check wins the row: the close is a
// no-op and the caller observes ErrAlreadyFinished.
func (t *Tracker) Succeed(ctx context.Context, e *domain.Execution) error {
	finish(e, domain.ExecutionSucceeded, "")
	ok, err := t.execs.Close(ctx, *e)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrAlreadyFinished, "execution %s", e.ID)
	}
	t.append(ctx, *e, domain.EventExecutionSucceeded, "execution succeeded", map[string]any{
		"duration_ms": e.DurationMs,
		"retry_count": e.RetryCount,
	})
	return nil
}

// Fail decides retry versus terminal failure. With budget left and a
// retryable cause, the cycle re-opens as pending and a delayed task is
// enqueued through the queue's native delay; otherwise the execution is
// terminally failed. Returns true when a retry was scheduled.
func (t *Tracker) Fail(ctx context.Context, e *domain.Execution, sched domain.Schedule, cause error) (bool, error) {
	if domain.Retryable(cause) && e.RetryCount < sched.MaxRetries {
		ok, err := t.execs.Reopen(ctx, e.ID)
		if err != nil {
			return false, err
		}
		if !ok {
			// Only a cancellation moves the row out of running underneath
			// us; the cancelled state stands.
			return false, errors.Wrapf(ErrAlreadyFinished, "execution %s", e.ID)
		}
		e.RetryCount++
		e.Status = domain.ExecutionPending

		delay := time.Duration(sched.RetryDelaySecs) * time.Second
		payload, err := json.Marshal(domain.RunJob{
			ScheduleID:  sched.ID,
			ExecutionID: e.ID,
			FiringAt:    e.FiringAt,
		})
		if err != nil {
			return false, errors.Wrap(err, "marshal retry payload")
		}
		idem := fmt.Sprintf("exe:%s:cycle:%d", e.ID, e.RetryCount)
		if _, err := t.tasks.Enqueue(ctx, domain.Task{
			Type:           domain.TaskTypeRunReport,
			Payload:        payload,
			IdempotencyKey: &idem,
		}, delay); err != nil {
			return false, errors.Wrap(err, "enqueue retry")
		}

		t.append(ctx, *e, domain.EventRetryScheduled, cause.Error(), map[string]any{
			"retry_count": e.RetryCount,
			"max_retries": sched.MaxRetries,
			"delay_s":     sched.RetryDelaySecs,
		})
		return true, nil
	}

	finish(e, domain.ExecutionFailed, cause.Error())
	ok, err := t.execs.Close(ctx, *e)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errors.Wrapf(ErrAlreadyFinished, "execution %s", e.ID)
	}
	t.append(ctx, *e, domain.EventExecutionFailed, e.ErrorMessage, map[string]any{
		"retry_count": e.RetryCount,
		"max_retries": sched.MaxRetries,
		"terminal":    true,
	})
	return false, nil
}

// RequestCancel cooperatively cancels an in-flight execution: the status
// flips now, and the orchestrator stops at its next step boundary.
// Already-dispatched deliveries are not rolled back.
func (t *Tracker) RequestCancel(ctx context.Context, executionID string) error {
	ok, err := t.execs.Transition(ctx, executionID,
		[]domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning},
		domain.ExecutionCancelled, nil)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Mark(errors.Newf("execution %s not cancellable", executionID), domain.ErrNotFound)
	}
	e, err := t.execs.Get(ctx, executionID)
	if err == nil {
		t.append(ctx, e, domain.EventExecutionCancelled, "cancellation requested", nil)
	}
	return nil
}

// Cancelled reports whether the execution was cancelled out from under
// the orchestrator; checked at step boundaries.
func (t *Tracker) Cancelled(ctx context.Context, executionID string) bool {
	e, err := t.execs.Get(ctx, executionID)
	return err == nil && e.Status == domain.ExecutionCancelled
}

func (t *Tracker) append(ctx context.Context, e domain.Execution, event, msg string, details map[string]any) {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	if err := t.audit.Append(ctx, domain.AuditEntry{
		ScheduleID:  e.ScheduleID,
		ExecutionID: e.ID,
		Event:       event,
		Message:     msg,
		Details:     raw,
	}); err != nil {
		log.Warn().Err(err).Str("execution_id", e.ID).Str("event", event).Msg("append audit entry")
	}
}

func finish(e *domain.Execution, status domain.ExecutionStatus, errMsg string) {
	now := time.Now().UTC()
	e.Status = status
	e.CompletedAt = &now
	e.ErrorMessage = errMsg
	if e.StartedAt != nil {
		e.DurationMs = now.Sub(*e.StartedAt).Milliseconds()
	}
}
