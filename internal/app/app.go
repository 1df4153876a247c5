package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"sla_framework/config"
	"sla_framework/internal/httpapi"
	"sla_framework/internal/jobs"
	"sla_framework/internal/ledger"
	"sla_framework/internal/loader"
	"sla_framework/internal/metrics"
	"sla_framework/internal/report"
	"sla_framework/internal/scheduler"
	"sla_framework/internal/sla"
	"sla_framework/internal/source"
	"sla_framework/internal/store"
	"sla_framework/internal/watch"
)

// App wires the sync and report components together.
type App struct {
	cfg     config.Config
	store   *store.Store
	src     source.Client
	runner  *jobs.Runner
	sched   *scheduler.Scheduler
	watcher *watch.Watcher
	mux     *http.ServeMux
}

func New(cfg config.Config) (*App, error) {
	// Missing source connection details cannot be fixed by retrying; refuse
	// to start the loader family at all.
	if err := cfg.RequireSource(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	src, err := source.NewPostgresClient(cfg.SourceDatabaseURI, time.Duration(cfg.SourceQueryTimeoutSec)*time.Second)
	if err != nil {
		return nil, err
	}
	return build(cfg, st, src)
}

// build assembles the app around an open store and source client. Split out
// so tests can inject a fake source.
func build(cfg config.Config, st *store.Store, src source.Client) (*App, error) {
	tracker := ledger.NewTracker(st, nil)
	runner := jobs.NewRunner(cfg, st, nil)
	oracle := ledger.NewOracle(tracker, runner)
	ld := loader.New(st, src, tracker, nil)
	threshold := time.Duration(cfg.AnswerThresholdSec) * time.Second
	aggregate := func(start, end time.Time, calls []store.Call, events []store.Event) (sla.ReportData, error) {
		return sla.BuildWithThreshold(start, end, calls, events, threshold)
	}
	builder := report.NewBuilder(st, oracle, aggregate, nil)

	runner.Register(jobs.KindLoad, func(ctx context.Context, j store.Job) (jobs.Outcome, error) {
		day, err := ledger.ParseDay(j.Day)
		if err != nil {
			return jobs.OutcomeFailed, fmt.Errorf("bad day %q on load job: %w", j.Day, err)
		}
		res, err := ld.LoadForDay(ctx, ledger.Entity(j.Entity), day)
		if err != nil {
			return jobs.OutcomeRetry, err
		}
		if res == loader.AlreadyLoaded {
			return jobs.OutcomeAlreadyLoaded, nil
		}
		return jobs.OutcomeSuccess, nil
	})
	runner.Register(jobs.KindReport, func(ctx context.Context, j store.Job) (jobs.Outcome, error) {
		if j.RangeStart == nil || j.RangeEnd == nil {
			return jobs.OutcomeFailed, errors.New("report job missing range")
		}
		_, err := builder.Build(ctx, *j.RangeStart, *j.RangeEnd)
		if errors.Is(err, report.ErrDelay) {
			return jobs.OutcomeDelay, err
		}
		if err != nil {
			return jobs.OutcomeRetry, err
		}
		metrics.IncReportsBuilt()
		return jobs.OutcomeSuccess, nil
	})

	sched := scheduler.New(st, runner, time.Duration(cfg.SyncIntervalSec)*time.Second, cfg.SyncLookbackDays, nil)
	watcher := watch.New(cfg.ConfigPath, func() {
		fresh, err := cfg.Reload()
		if err != nil {
			log.Printf("app: config reload failed: %v", err)
			return
		}
		sched.SetInterval(time.Duration(fresh.SyncIntervalSec) * time.Second)
	})

	mux := http.NewServeMux()
	httpapi.NewRouter(cfg, st, runner).Register(mux)

	return &App{cfg: cfg, store: st, src: src, runner: runner, sched: sched, watcher: watcher, mux: mux}, nil
}

// Run starts workers, the scheduler, the config watcher, and the HTTP
// server, then blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.runner.Start(ctx); err != nil {
		return err
	}
	a.sched.Start(ctx)
	if err := a.watcher.Start(ctx); err != nil {
		log.Printf("app: config watcher unavailable: %v", err)
	}

	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("http listening on %s", a.cfg.HTTPPort)
	err := srv.ListenAndServe()

	a.sched.Stop()
	a.runner.Stop()
	_ = a.src.Close()
	_ = a.store.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Runner() *jobs.Runner { return a.runner }
func (a *App) Store() *store.Store  { return a.store }
func (a *App) Mux() *http.ServeMux  { return a.mux }
