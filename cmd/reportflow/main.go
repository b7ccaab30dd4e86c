package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"reportflow/internal/api"
	"reportflow/internal/dispatch"
	"reportflow/internal/domain"
	"reportflow/internal/queue"
	"reportflow/internal/render"
	"reportflow/internal/report"
	"reportflow/internal/runner"
	"reportflow/internal/scheduler"
	"reportflow/internal/store"
	"reportflow/internal/tracker"
	"reportflow/internal/vault"
	"reportflow/internal/worker"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "HTTP bind address")
		dbPath      = flag.String("db", "reportflow.db", "SQLite DB path")
		workers     = flag.Int("workers", 8, "number of worker goroutines")
		poll        = flag.Duration("poll", 250*time.Millisecond, "poll interval for queue")
		tick        = flag.Duration("tick", 30*time.Second, "schedule trigger check interval")
		artifactDir = flag.String("artifacts", "artifacts", "directory for rendered artifact history")
		debug       = flag.Bool("debug", false, "expose pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	masterKey := os.Getenv("REPORTFLOW_MASTER_KEY")
	if masterKey == "" {
		log.Fatal().Msg("REPORTFLOW_MASTER_KEY is required")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure store schema")
	}

	repo := queue.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	scheds := store.NewScheduleStore(db)
	reports := store.NewReportStore(db)
	dists := store.NewDistributionStore(db)
	execs := store.NewExecutionStore(db)
	audit := store.NewAuditStore(db)
	creds := store.NewCredentialStore(db)

	secrets, err := vault.New([]byte(masterKey), creds)
	if err != nil {
		log.Fatal().Err(err).Msg("init vault")
	}

	renderers := render.DefaultRegistry()
	dispatcher := dispatch.NewDispatcher(secrets, renderers, dists, audit,
		dispatch.EmailChannel{},
		dispatch.FileSystemChannel{},
		dispatch.SFTPChannel{},
		dispatch.ObjectStorageChannel{},
		dispatch.WebhookChannel{},
	)

	track := tracker.New(execs, audit, repo)
	run := runner.New(scheds, reports, dists, audit, track,
		report.NewSQLExecutor(db), renderers, dispatcher, *artifactDir)

	handlers := map[string]worker.Handler{
		domain.TaskTypeRunReport: run,
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(repo, handlers, *workers, *poll)
	go pool.Run(ctx)

	trigger := scheduler.NewService(scheds, audit, repo, *tick)
	go trigger.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(api.Deps{
		Reports: reports,
		Scheds:  scheds,
		Dists:   dists,
		Execs:   execs,
		Audit:   audit,
		Secrets: secrets,
		Trigger: trigger,
		Track:   track,
	}, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	trigger.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
