package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reportflow/internal/dispatch"
	"reportflow/internal/domain"
	"reportflow/internal/scheduler"
	"reportflow/internal/store"
	"reportflow/internal/tracker"
	"reportflow/internal/vault"
)

type Server struct {
	r       *chi.Mux
	reports *store.ReportStore
	scheds  *store.ScheduleStore
	dists   *store.DistributionStore
	execs   *store.ExecutionStore
	audit   *store.AuditStore
	secrets *vault.Vault
	trigger *scheduler.Service
	track   *tracker.Tracker
}

type Deps struct {
	Reports *store.ReportStore
	Scheds  *store.ScheduleStore
	Dists   *store.DistributionStore
	Execs   *store.ExecutionStore
	Audit   *store.AuditStore
	Secrets *vault.Vault
	Trigger *scheduler.Service
	Track   *tracker.Tracker
}

func NewServer(d Deps) http.Handler {
	return NewServerWithDebug(d, false)
}

func NewServerWithDebug(d Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:       r,
		reports: d.Reports,
		scheds:  d.Scheds,
		dists:   d.Dists,
		execs:   d.Execs,
		audit:   d.Audit,
		secrets: d.Secrets,
		trigger: d.Trigger,
		track:   d.Track,
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/reports", s.createReport)
	r.Get("/api/reports/{id}", s.getReport)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)
	r.Post("/api/schedules/{id}/pause", s.pauseSchedule)
	r.Post("/api/schedules/{id}/resume", s.resumeSchedule)
	r.Post("/api/schedules/{id}/run", s.runSchedule)
	r.Get("/api/schedules/{id}/executions", s.listExecutions)
	r.Get("/api/schedules/{id}/logs", s.listLogs)

	r.Post("/api/schedules/{id}/distributions", s.createDistribution)
	r.Get("/api/schedules/{id}/distributions", s.listDistributions)
	r.Post("/api/distributions/{id}/activate", s.setDistributionActive(true))
	r.Post("/api/distributions/{id}/deactivate", s.setDistributionActive(false))
	r.Delete("/api/distributions/{id}", s.deleteDistribution)

	r.Get("/api/executions/{id}", s.getExecution)
	r.Post("/api/executions/{id}/cancel", s.cancelExecution)

	r.Put("/api/credentials/{owner}", s.putCredentials)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("reportflow_up 1\n"))
}

// --- reports ---

type createReportReq struct {
	Name   string   `json:"name"`
	Query  string   `json:"query"`
	Fields []string `json:"fields"`
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	var req createReportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.Query == "" {
		http.Error(w, "name and query are required", 400)
		return
	}
	id, err := s.reports.Create(r.Context(), domain.Report{
		Name: req.Name, Query: req.Query, Fields: req.Fields,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rpt, err := s.reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id": rpt.ID, "name": rpt.Name, "query": rpt.Query, "fields": rpt.Fields,
	})
}

// --- schedules ---

type scheduleReq struct {
	ReportID       string          `json:"report_id"`
	Owner          string          `json:"owner"`
	CronExpr       string          `json:"cron_expr"`
	Timezone       string          `json:"timezone"`
	StartDate      *time.Time      `json:"start_date"`
	EndDate        *time.Time      `json:"end_date"`
	MaxRetries     *int            `json:"max_retries"`
	RetryDelaySecs *int            `json:"retry_delay_secs"`
	TimeoutSecs    *int            `json:"timeout_secs"`
	OutputFormats  []domain.Format `json:"output_formats"`
	Parameters     json.RawMessage `json:"parameters"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ReportID == "" {
		http.Error(w, "report_id is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if len(req.OutputFormats) == 0 {
		http.Error(w, "at least one output format is required", 400)
		return
	}
	if err := validateScheduleReq(req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if _, err := s.reports.Get(r.Context(), req.ReportID); err != nil {
		writeError(w, err)
		return
	}

	sc := domain.Schedule{
		ReportID:      req.ReportID,
		Owner:         req.Owner,
		CronExpr:      req.CronExpr,
		Timezone:      req.Timezone,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		Status:        domain.ScheduleActive,
		OutputFormats: req.OutputFormats,
		Parameters:    req.Parameters,
	}
	if req.MaxRetries != nil {
		sc.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelaySecs != nil {
		sc.RetryDelaySecs = *req.RetryDelaySecs
	}
	if req.TimeoutSecs != nil {
		sc.TimeoutSecs = *req.TimeoutSecs
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	next, err := scheduler.NextRun(req.CronExpr, tz, time.Now().UTC(), req.StartDate, req.EndDate)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if next == nil {
		http.Error(w, "schedule has no future occurrence inside its window", 400)
		return
	}
	sc.NextRun = next

	id, err := s.scheds.Create(r.Context(), sc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func validateScheduleReq(req scheduleReq) error {
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		return err
	}
	if req.Timezone != "" {
		if err := scheduler.ValidateTimezone(req.Timezone); err != nil {
			return err
		}
	}
	for _, f := range req.OutputFormats {
		if !domain.KnownFormat(f) {
			return domain.Configf("unknown output format %q", f)
		}
	}
	if req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		return domain.Configf("end_date precedes start_date")
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return domain.Configf("max_retries must not be negative")
	}
	return nil
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.scheds.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(scheds))
	for _, sc := range scheds {
		out = append(out, scheduleView(sc))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scheds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, scheduleView(sc))
}

func scheduleView(sc domain.Schedule) map[string]any {
	return map[string]any{
		"id":               sc.ID,
		"report_id":        sc.ReportID,
		"owner":            sc.Owner,
		"cron_expr":        sc.CronExpr,
		"timezone":         sc.Timezone,
		"start_date":       sc.StartDate,
		"end_date":         sc.EndDate,
		"status":           sc.Status,
		"max_retries":      sc.MaxRetries,
		"retry_delay_secs": sc.RetryDelaySecs,
		"timeout_secs":     sc.TimeoutSecs,
		"output_formats":   sc.OutputFormats,
		"parameters":       sc.Parameters,
		"run_count":        sc.RunCount,
		"failure_count":    sc.FailureCount,
		"last_run":         sc.LastRun,
		"next_run":         sc.NextRun,
		"created_at":       sc.CreatedAt,
		"updated_at":       sc.UpdatedAt,
	}
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scheds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		sc.CronExpr = req.CronExpr
	}
	if req.Timezone != "" {
		if err := scheduler.ValidateTimezone(req.Timezone); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		sc.Timezone = req.Timezone
	}
	if req.StartDate != nil {
		sc.StartDate = req.StartDate
	}
	if req.EndDate != nil {
		sc.EndDate = req.EndDate
	}
	if len(req.OutputFormats) > 0 {
		for _, f := range req.OutputFormats {
			if !domain.KnownFormat(f) {
				http.Error(w, "unknown output format "+string(f), 400)
				return
			}
		}
		sc.OutputFormats = req.OutputFormats
	}
	if req.Parameters != nil {
		sc.Parameters = req.Parameters
	}
	if req.MaxRetries != nil {
		sc.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelaySecs != nil {
		sc.RetryDelaySecs = *req.RetryDelaySecs
	}
	if req.TimeoutSecs != nil {
		sc.TimeoutSecs = *req.TimeoutSecs
	}

	// Cadence inputs may have changed; recompute the next occurrence.
	if sc.Status == domain.ScheduleActive {
		next, err := scheduler.NextRun(sc.CronExpr, sc.Timezone, time.Now().UTC(), sc.StartDate, sc.EndDate)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		sc.NextRun = next
	}

	if err := s.scheds.Update(r.Context(), sc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, scheduleView(sc))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.scheds.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pauseSchedule freezes the cadence. The stored next_run is cleared so
// the trigger loop cannot pick the schedule up.
func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.scheds.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.scheds.SetStatus(r.Context(), id, domain.SchedulePaused, nil); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resumeSchedule recomputes next_run from now. Firings missed while
// paused are not replayed.
func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, err := s.scheds.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sc.Status == domain.ScheduleCompleted {
		http.Error(w, "schedule already completed", 409)
		return
	}
	next, err := scheduler.NextRun(sc.CronExpr, sc.Timezone, time.Now().UTC(), sc.StartDate, sc.EndDate)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	status := domain.ScheduleActive
	if next == nil {
		status = domain.ScheduleCompleted
	}
	if err := s.scheds.SetStatus(r.Context(), id, status, next); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"status": status, "next_run": next})
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scheds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	execID, taskID, err := s.trigger.RunNow(r.Context(), sc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID, "task_id": taskID})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.execs.ListForSchedule(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionView(e))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.execs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, executionView(e))
}

func executionView(e domain.Execution) map[string]any {
	return map[string]any{
		"id":               e.ID,
		"schedule_id":      e.ScheduleID,
		"status":           e.Status,
		"firing_at":        e.FiringAt,
		"started_at":       e.StartedAt,
		"completed_at":     e.CompletedAt,
		"duration_ms":      e.DurationMs,
		"retry_count":      e.RetryCount,
		"artifacts":        e.Artifacts,
		"delivery_results": e.DeliveryResults,
		"error_message":    e.ErrorMessage,
		"created_at":       e.CreatedAt,
	}
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.track.RequestCancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- distributions ---

type distributionReq struct {
	Type        domain.DistributionType `json:"type"`
	Format      domain.Format           `json:"format"`
	Config      json.RawMessage         `json:"config"`
	IsBursting  bool                    `json:"is_bursting"`
	BurstField  string                  `json:"burst_field"`
	BurstConfig json.RawMessage         `json:"burst_config"`
}

func (s *Server) createDistribution(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "id")
	sc, err := s.scheds.Get(r.Context(), scheduleID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req distributionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	d := domain.Distribution{
		ScheduleID:  scheduleID,
		Type:        req.Type,
		Format:      req.Format,
		Config:      req.Config,
		IsBursting:  req.IsBursting,
		BurstField:  req.BurstField,
		BurstConfig: req.BurstConfig,
		IsActive:    true,
	}
	if err := s.validateDistribution(r, sc, d); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.dists.Create(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) validateDistribution(r *http.Request, sc domain.Schedule, d domain.Distribution) error {
	if !domain.KnownFormat(d.Format) {
		return domain.Configf("unknown format %q", d.Format)
	}
	found := false
	for _, f := range sc.OutputFormats {
		if f == d.Format {
			found = true
			break
		}
	}
	if !found {
		return domain.Configf("format %s is not produced by this schedule", d.Format)
	}
	if err := dispatch.ValidateConfig(d.Type, d.Config); err != nil {
		return err
	}
	if d.IsBursting {
		if d.BurstField == "" {
			return domain.Configf("burst_field is required when bursting")
		}
		rpt, err := s.reports.Get(r.Context(), sc.ReportID)
		if err != nil {
			return err
		}
		if len(rpt.Fields) > 0 && !rpt.HasField(d.BurstField) {
			return domain.Configf("report has no field %q", d.BurstField)
		}
		if _, err := dispatch.ParseBurstConfig(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) listDistributions(w http.ResponseWriter, r *http.Request) {
	dists, err := s.dists.ListForSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(dists))
	for _, d := range dists {
		out = append(out, distributionView(d))
	}
	writeJSON(w, 200, out)
}

// distributionView redacts credential material before the config leaves
// the service. Raw configs are never returned.
func distributionView(d domain.Distribution) map[string]any {
	return map[string]any{
		"id":              d.ID,
		"schedule_id":     d.ScheduleID,
		"type":            d.Type,
		"format":          d.Format,
		"config":          vault.Redact(d.Config),
		"is_bursting":     d.IsBursting,
		"burst_field":     d.BurstField,
		"burst_config":    vault.Redact(d.BurstConfig),
		"is_active":       d.IsActive,
		"last_success":    d.LastSuccess,
		"last_failure":    d.LastFailure,
		"failure_message": d.FailureMessage,
		"created_at":      d.CreatedAt,
	}
}

func (s *Server) setDistributionActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.dists.Get(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		if err := s.dists.SetActive(r.Context(), id, active); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) deleteDistribution(w http.ResponseWriter, r *http.Request) {
	if err := s.dists.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- audit log ---

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.audit.ListForSchedule(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":           e.ID,
			"schedule_id":  e.ScheduleID,
			"execution_id": e.ExecutionID,
			"event":        e.Event,
			"message":      e.Message,
			"details":      e.Details,
			"created_at":   e.CreatedAt,
		})
	}
	writeJSON(w, 200, out)
}

// --- credentials ---

type credentialsReq struct {
	Secrets map[string]string `json:"secrets"`
}

// putCredentials stores secrets through the vault. There is no read
// endpoint; stored material only ever leaves as the redaction
// placeholder.
func (s *Server) putCredentials(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	var req credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.Secrets) == 0 {
		http.Error(w, "secrets are required", 400)
		return
	}
	if err := s.secrets.Store(r.Context(), owner, req.Secrets); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"owner": owner, "status": "stored"})
}

// --- helpers ---

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, domain.ErrConfiguration):
		http.Error(w, err.Error(), 400)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		http.Error(w, err.Error(), 409)
	case errors.Is(err, domain.ErrSecurity):
		// Never echo security failures back in detail.
		http.Error(w, "security error", 500)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
