package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/render"
	"reportflow/internal/report"
	"reportflow/internal/store"
)

// SecretSource resolves a credential reference to its secret map.
type SecretSource interface {
	Retrieve(ctx context.Context, ownerID string) (map[string]string, error)
}

// Dispatcher fans one firing's artifacts out to the schedule's active
// distributions. Channels run concurrently under a bounded semaphore and
// per-send timeouts; one target's failure never aborts its siblings.
type Dispatcher struct {
	channels    map[domain.DistributionType]Channel
	secrets     SecretSource
	renderers   *render.Registry
	dists       *store.DistributionStore
	audit       *store.AuditStore
	parallel    int
	sendTimeout time.Duration
}

func NewDispatcher(secrets SecretSource, renderers *render.Registry, dists *store.DistributionStore, audit *store.AuditStore, channels ...Channel) *Dispatcher {
	m := make(map[domain.DistributionType]Channel, len(channels))
	for _, c := range channels {
		m[c.Kind()] = c
	}
	return &Dispatcher{
		channels:    m,
		secrets:     secrets,
		renderers:   renderers,
		dists:       dists,
		audit:       audit,
		parallel:    4,
		sendTimeout: 60 * time.Second,
	}
}

// Request carries everything one firing needs delivered.
type Request struct {
	Execution domain.Execution
	Schedule  domain.Schedule
	Report    domain.Report
	Results   *report.ResultSet
	Artifacts map[domain.Format]Artifact
}

// DeliverAll attempts every target and returns one result per target,
// keyed by distribution id. When any target fails, the returned error
// aggregates the per-target causes with classifyFailures so the caller's
// retry decision sees the dominant kind, not a flattened string.
func (d *Dispatcher) DeliverAll(ctx context.Context, req Request, targets []domain.Distribution) (map[string]domain.DeliveryResult, error) {
	results := make(map[string]domain.DeliveryResult, len(targets))
	var failures []error
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.parallel)

	for _, dist := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(dist domain.Distribution) {
			defer wg.Done()
			defer func() { <-sem }()

			err := d.deliverOne(ctx, req, dist)
			res := domain.DeliveryResult{
				DistributionID: dist.ID,
				Success:        err == nil,
				Timestamp:      time.Now().UTC(),
			}
			if err != nil {
				res.Detail = err.Error()
			}
			d.record(ctx, req, dist, res, err)

			mu.Lock()
			results[dist.ID] = res
			if err != nil {
				failures = append(failures, err)
			}
			mu.Unlock()
		}(dist)
	}
	wg.Wait()

	if len(failures) == 0 {
		return results, nil
	}
	agg := errors.Newf("%d of %d distributions failed", len(failures), len(targets))
	return results, classifyFailures(agg, failures)
}

// classifyFailures marks an aggregate of per-target failures with the
// dominant cause kind. A security failure anywhere makes the aggregate
// terminal; a set of purely non-retryable failures must not consume
// retry budget either; anything else stays transient.
func classifyFailures(agg error, causes []error) error {
	security := false
	retryable := false
	for _, c := range causes {
		if errors.Is(c, domain.ErrSecurity) {
			security = true
		}
		if domain.Retryable(c) {
			retryable = true
		}
	}
	switch {
	case security:
		return errors.Mark(agg, domain.ErrSecurity)
	case !retryable:
		return errors.Mark(agg, domain.ErrConfiguration)
	default:
		return errors.Mark(agg, domain.ErrTransient)
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, req Request, dist domain.Distribution) error {
	ch, ok := d.channels[dist.Type]
	if !ok {
		return domain.Configf("no channel registered for type %q", dist.Type)
	}
	art, ok := req.Artifacts[dist.Format]
	if !ok {
		return domain.Transientf("format %s unavailable", dist.Format)
	}

	secrets, err := d.resolveSecrets(ctx, req, dist)
	if err != nil {
		return err
	}

	if dist.IsBursting {
		return d.deliverBurst(ctx, req, dist, ch, secrets)
	}

	art.IdempotencyKey = idemKey(req.Execution.ID, dist.ID, "")
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return ch.Send(sendCtx, art, dist.Config, secrets)
}

// deliverBurst partitions the result set by the burst field, renders one
// artifact per group and resolves a per-group destination. A missing
// binding fails only that group; the other groups still go out.
func (d *Dispatcher) deliverBurst(ctx context.Context, req Request, dist domain.Distribution, ch Channel, secrets map[string]string) error {
	if dist.BurstField == "" {
		return domain.Configf("bursting distribution %s has no burst field", dist.ID)
	}
	if !req.Report.HasField(dist.BurstField) {
		return domain.Configf("burst field %q is not a field of report %s", dist.BurstField, req.Report.ID)
	}
	bc, err := ParseBurstConfig(dist)
	if err != nil {
		return err
	}
	groups, err := Partition(req.Results, dist.BurstField)
	if err != nil {
		return err
	}

	base := req.Artifacts[dist.Format].Filename
	var groupErrs []error
	var groupMsgs []string
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "burst delivery interrupted")
		}
		if err := d.sendGroup(ctx, req, dist, ch, secrets, bc, g, base); err != nil {
			groupErrs = append(groupErrs, err)
			groupMsgs = append(groupMsgs, fmt.Sprintf("%s: %v", g.Key, err))
			log.Warn().
				Str("distribution_id", dist.ID).
				Str("group", g.Key).
				Err(err).
				Msg("burst group delivery failed")
		}
	}
	if len(groupErrs) > 0 {
		agg := errors.Newf("%d/%d burst groups failed: %s", len(groupErrs), len(groups), strings.Join(groupMsgs, "; "))
		return classifyFailures(agg, groupErrs)
	}
	return nil
}

func (d *Dispatcher) sendGroup(ctx context.Context, req Request, dist domain.Distribution, ch Channel, secrets map[string]string, bc BurstConfig, g Group, baseFilename string) error {
	data, err := d.renderers.Render(dist.Format, g.Rows, render.Options{Title: req.Report.Name + " - " + g.Key})
	if err != nil {
		return err
	}

	cfg := dist.Config
	if dist.Type == domain.DistEmail {
		recipients, ok := bc.Recipients(g.Key)
		if !ok {
			return domain.Configf("no recipient binding for group %q", g.Key)
		}
		cfg, err = overrideRecipients(dist.Config, recipients)
		if err != nil {
			return err
		}
	}

	art := Artifact{
		Format:         dist.Format,
		Filename:       bc.GroupFilename(baseFilename, g.Key),
		Data:           data,
		IdempotencyKey: idemKey(req.Execution.ID, dist.ID, g.Key),
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return ch.Send(sendCtx, art, cfg, secrets)
}

func (d *Dispatcher) resolveSecrets(ctx context.Context, req Request, dist domain.Distribution) (map[string]string, error) {
	ref := CredentialRefOf(dist.Type, dist.Config)
	if ref == "" {
		return nil, nil
	}
	secrets, err := d.secrets.Retrieve(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrSecurity) {
			d.securityAlert(ctx, req, dist, err)
		}
		return nil, err
	}
	return secrets, nil
}

func (d *Dispatcher) record(ctx context.Context, req Request, dist domain.Distribution, res domain.DeliveryResult, sendErr error) {
	if err := d.dists.RecordOutcome(ctx, dist.ID, res.Success, res.Detail, res.Timestamp); err != nil {
		log.Warn().Err(err).Str("distribution_id", dist.ID).Msg("record delivery outcome")
	}
	details, _ := json.Marshal(map[string]any{
		"distribution_id": dist.ID,
		"type":            dist.Type,
		"format":          dist.Format,
		"success":         res.Success,
	})
	msg := "delivered"
	if sendErr != nil {
		msg = res.Detail
	}
	if err := d.audit.Append(ctx, domain.AuditEntry{
		ScheduleID:  req.Schedule.ID,
		ExecutionID: req.Execution.ID,
		Event:       domain.EventDeliveryAttempt,
		Message:     msg,
		Details:     details,
	}); err != nil {
		log.Warn().Err(err).Str("distribution_id", dist.ID).Msg("append delivery audit entry")
	}
}

func (d *Dispatcher) securityAlert(ctx context.Context, req Request, dist domain.Distribution, cause error) {
	details, _ := json.Marshal(map[string]any{"distribution_id": dist.ID})
	if err := d.audit.Append(ctx, domain.AuditEntry{
		ScheduleID:  req.Schedule.ID,
		ExecutionID: req.Execution.ID,
		Event:       domain.EventSecurityAlert,
		Message:     "credential decryption failed; possible tampering or key rotation",
		Details:     details,
	}); err != nil {
		log.Error().Err(err).Str("distribution_id", dist.ID).Msg("append security alert")
	}
	log.Error().Err(cause).Str("distribution_id", dist.ID).Msg("credential decryption failed")
}

func overrideRecipients(raw json.RawMessage, recipients []string) (json.RawMessage, error) {
	var cfg EmailConfig
	if err := strictUnmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.Recipients = recipients
	out, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "re-marshal email config")
	}
	return out, nil
}

func idemKey(executionID, distributionID, group string) string {
	if group == "" {
		return executionID + ":" + distributionID
	}
	return executionID + ":" + distributionID + ":" + group
}
