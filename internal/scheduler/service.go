// Package scheduler is the trigger loop: it scans due schedules on a
// fixed tick, claims each firing exactly once, and enqueues one
// orchestration job per claim.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/queue"
	"reportflow/internal/store"
)

type Service struct {
	scheds   *store.ScheduleStore
	audit    *store.AuditStore
	tasks    queue.Repository
	stop     chan struct{}
	interval time.Duration
}

func NewService(scheds *store.ScheduleStore, audit *store.AuditStore, tasks queue.Repository, checkInterval time.Duration) *Service {
	return &Service{
		scheds:   scheds,
		audit:    audit,
		tasks:    tasks,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("trigger loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick runs one scan. Exported so a tick can be driven directly in
// tests and by the manual-trigger path.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	schedules, err := s.scheds.ListDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process due schedule")
		}
	}
}

// processSchedule enqueues one orchestration job for a due firing and
// then claims it. The claim is a conditional update on the observed
// next_run and the enqueue is keyed per (schedule, firing), so two
// trigger instances racing on the same due schedule produce one task.
func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	if schedule.NextRun == nil {
		return nil
	}
	firingAt := *schedule.NextRun

	// Window exhausted: retire the schedule instead of firing.
	if schedule.EndDate != nil && now.After(*schedule.EndDate) {
		claimed, err := s.scheds.ClaimNextRun(ctx, schedule.ID, firingAt, nil)
		if err != nil || !claimed {
			return err
		}
		return s.complete(ctx, schedule)
	}

	// Next occurrence is computed from now, not from the observed
	// next_run: a backlog of missed intervals collapses into this one
	// catch-up firing.
	next, err := NextRun(schedule.CronExpr, schedule.Timezone, now, schedule.StartDate, schedule.EndDate)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Str("cron_expr", schedule.CronExpr).Msg("invalid schedule, skipping")
		return err
	}

	// Enqueue before claiming. A crash between the two leaves next_run
	// untouched, so the next tick re-enqueues onto the same idempotency
	// key and claims then; the reverse order would drop the firing.
	taskID, err := s.enqueueFiring(ctx, schedule, firingAt)
	if err != nil {
		return err
	}

	claimed, err := s.scheds.ClaimNextRun(ctx, schedule.ID, firingAt, next)
	if err != nil {
		return err
	}
	if !claimed {
		// Another trigger instance advanced next_run first; its enqueue
		// and ours collapsed onto the same key.
		return nil
	}

	if next == nil {
		if err := s.complete(ctx, schedule); err != nil {
			return err
		}
	}

	logEvent := log.Info().
		Str("schedule_id", schedule.ID).
		Str("task_id", taskID).
		Time("firing_at", firingAt)
	if next != nil {
		logEvent = logEvent.Time("next_run", *next)
	}
	logEvent.Msg("schedule firing enqueued")
	return nil
}

func (s *Service) enqueueFiring(ctx context.Context, schedule domain.Schedule, firingAt time.Time) (string, error) {
	payload, err := json.Marshal(domain.RunJob{
		ScheduleID:  schedule.ID,
		ExecutionID: "exe_" + uuid.NewString(),
		FiringAt:    firingAt,
	})
	if err != nil {
		return "", err
	}
	// At-least-once enqueue: the key makes a redelivered claim collapse
	// onto the already-enqueued task.
	idem := fmt.Sprintf("sch:%s:%d", schedule.ID, firingAt.Unix())
	return s.tasks.Enqueue(ctx, domain.Task{
		Type:              domain.TaskTypeRunReport,
		Payload:           payload,
		MaxAttempts:       10,
		VisibilityTimeout: schedule.TimeoutSecs + 120,
		IdempotencyKey:    &idem,
	}, 0)
}

// RunNow enqueues an out-of-band firing, bypassing next_run but still
// subject to the single-running-execution rule at open time. It returns
// the execution id the firing will run under, plus the queue task id.
func (s *Service) RunNow(ctx context.Context, schedule domain.Schedule) (string, string, error) {
	execID := "exe_" + uuid.NewString()
	payload, err := json.Marshal(domain.RunJob{
		ScheduleID:  schedule.ID,
		ExecutionID: execID,
		FiringAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", "", err
	}
	idem := "manual:" + uuid.NewString()
	taskID, err := s.tasks.Enqueue(ctx, domain.Task{
		Type:              domain.TaskTypeRunReport,
		Payload:           payload,
		MaxAttempts:       10,
		VisibilityTimeout: schedule.TimeoutSecs + 120,
		IdempotencyKey:    &idem,
	}, 0)
	if err != nil {
		return "", "", err
	}
	return execID, taskID, nil
}

func (s *Service) complete(ctx context.Context, schedule domain.Schedule) error {
	if err := s.scheds.SetStatus(ctx, schedule.ID, domain.ScheduleCompleted, nil); err != nil {
		return err
	}
	if err := s.audit.Append(ctx, domain.AuditEntry{
		ScheduleID: schedule.ID,
		Event:      domain.EventScheduleCompleted,
		Message:    "validity window exhausted",
	}); err != nil {
		log.Warn().Err(err).Str("schedule_id", schedule.ID).Msg("append completion audit entry")
	}
	log.Info().Str("schedule_id", schedule.ID).Msg("schedule completed")
	return nil
}
