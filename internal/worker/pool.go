// Package worker drains the task queue into registered handlers with
// bounded concurrency.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Defer is returned by a handler when its unit of work cannot run yet
// (for example the schedule still has an execution in flight). The task
// is re-queued after Delay without consuming handler-level budget beyond
// the queue's own attempt cap.
type Defer struct {
	Delay time.Duration
	Cause error
}

func (d Defer) Error() string {
	if d.Cause != nil {
		return "deferred: " + d.Cause.Error()
	}
	return "deferred"
}

type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
}

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery time.Duration) *Pool {
	return &Pool{repo: repo, handlers: handlers, sem: make(chan struct{}, size), stop: make(chan struct{}), pollEvery: pollEvery}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			for {
				task, lease, err := p.repo.LeaseNext(ctx, now)
				if err != nil {
					break
				}
				_ = lease // lease expiry is enforced by RecoverStale
				p.sem <- struct{}{}
				go func(tk domain.Task) {
					defer func() { <-p.sem }()
					p.process(ctx, tk)
				}(task)
			}
		}
	}
}

func (p *Pool) Stop() { close(p.stop) }

func (p *Pool) process(ctx context.Context, tk domain.Task) {
	h, ok := p.handlers[tk.Type]
	if !ok {
		_ = p.repo.Fail(ctx, tk.ID, "no handler for type "+tk.Type)
		return
	}
	c, cancel := context.WithTimeout(ctx, time.Duration(tk.VisibilityTimeout)*time.Second)
	defer cancel()

	err := h.Handle(c, tk.Payload)
	if err == nil {
		_ = p.repo.Succeed(ctx, tk.ID)
		return
	}

	var def Defer
	if asDefer(err, &def) {
		log.Debug().Str("task_id", tk.ID).Dur("delay", def.Delay).Msg("task deferred")
		_ = p.repo.Retry(ctx, tk.ID, def.Error(), def.Delay)
		return
	}

	log.Warn().Err(err).Str("task_id", tk.ID).Int("attempt", tk.Attempts).Msg("task handler failed")
	_ = p.repo.Retry(ctx, tk.ID, err.Error(), backoffExp(tk.Attempts))
}

func asDefer(err error, out *Defer) bool {
	for err != nil {
		if d, ok := err.(Defer); ok {
			*out = d
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
