package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"StoryProcessor/internal/config"
	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/httpapi"
	"StoryProcessor/internal/infrastructure/extractor"
	"StoryProcessor/internal/infrastructure/ml"
	"StoryProcessor/internal/infrastructure/projects"
	"StoryProcessor/internal/infrastructure/scheduler"
	"StoryProcessor/internal/infrastructure/sink"
	"StoryProcessor/internal/logging"
	"StoryProcessor/internal/ports"
	"StoryProcessor/internal/usecase"
	pkglogger "StoryProcessor/pkg/logger"
)

// Mode selects what a process does.
type Mode string

const (
	ModeServe   Mode = "serve"
	ModeFetch   Mode = "fetch"
	ModeWorker  Mode = "worker"
	ModeSweep   Mode = "sweep"
	ModeHealth  Mode = "health"
	ModeRecover Mode = "recover"
)

// ParseMode validates a command-line mode.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(raw); m {
	case ModeServe, ModeFetch, ModeWorker, ModeSweep, ModeHealth, ModeRecover:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", raw)
}

const shutdownTimeout = 30 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	db       *sql.DB
	repo     repository
	queue    ports.BatchQueue
	projects ports.ProjectProvider
	notifier ports.Notifier

	fetcher    *usecase.Fetcher
	dispatcher *usecase.Dispatcher
	sweeper    *usecase.Sweeper
	monitor    *usecase.Monitor
	recoverer  *usecase.Recoverer

	closers []func() error
}

// New opens every backing service named in cfg and builds the use cases.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &Application{cfg: cfg, logger: baseLogger}

	repo, db, err := openRepository(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.repo, a.db = repo, db
	if db != nil {
		a.closers = append(a.closers, db.Close)
	}

	c, closeCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if closeCache != nil {
		a.closers = append(a.closers, closeCache)
	}

	q, err := openQueue(cfg.Queue, baseLogger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.queue = q
	a.closers = append(a.closers, q.Close)

	postArchive, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	projectClient, err := projects.NewClient(projects.Config{
		URL:       cfg.Projects.URL,
		APIKey:    cfg.Sink.APIKey,
		CacheFile: cfg.Projects.CacheFile,
		Timeout:   cfg.Projects.Timeout,
	}, baseLogger.With("component", "projects"))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.projects = projectClient

	multi := buildNotifier(cfg.Notifications, baseLogger)
	if multi.Len() > 0 {
		a.notifier = multi
	} else {
		baseLogger.Warn("no notification channel configured")
	}

	sourceClient := &http.Client{Timeout: cfg.Fetch.RequestTimeout}
	registry := buildRegistry(cfg, sourceClient, c, baseLogger)

	ext := extractor.New(&http.Client{Timeout: cfg.Extractor.Timeout}, c, extractor.Config{
		UserAgent: cfg.Extractor.UserAgent,
		CacheTTL:  cfg.Extractor.CacheTTL,
	}, baseLogger.With("component", "extractor"))

	a.fetcher = usecase.NewFetcher(usecase.FetcherDeps{
		Registry:   registry,
		Ledger:     repo,
		Watermarks: repo,
		Queue:      q,
		Extractor:  ext,
		Logger:     baseLogger.With("component", "fetcher"),
	}, fetchOptions(cfg))

	sinkClient := sink.NewClient(sink.Config{
		BaseURL: cfg.Sink.BaseURL,
		APIKey:  cfg.Sink.APIKey,
		Version: cfg.Sink.Version,
		Timeout: cfg.Sink.Timeout,
	}, postArchive, baseLogger.With("component", "sink"))

	worker := usecase.NewWorker(usecase.WorkerDeps{
		Ledger:     repo,
		Classifier: ml.NewClient(cfg.Classifier.Endpoint, cfg.Classifier.APIKey, cfg.Classifier.Timeout),
		Sink:       sinkClient,
		Logger:     baseLogger.With("component", "worker"),
	}, cfg.Sink.ChunkSize)

	a.dispatcher = usecase.NewDispatcher(q, worker, repo, retryPolicy(cfg.Queue), baseLogger.With("component", "dispatcher"))
	a.sweeper = usecase.NewSweeper(repo, time.Duration(cfg.Retention.AgeDays)*24*time.Hour, baseLogger.With("component", "retention"))
	a.monitor = usecase.NewMonitor(repo, a.notifier, cfg.Health.WindowDays, cfg.Health.FloorPerDay, baseLogger.With("component", "health"))
	a.recoverer = usecase.NewRecoverer(repo, q, ext, usecase.RecoveryOptions{
		Days:       cfg.Recovery.Days,
		Limit:      cfg.Recovery.Limit,
		StaleAfter: cfg.Recovery.StaleAfter,
	}, baseLogger.With("component", "recovery"))

	return a, nil
}

// Run executes mode until it finishes or ctx is cancelled. only narrows the
// fetch job to the given sources; empty means every enabled source.
func (a *Application) Run(ctx context.Context, mode Mode, only []domain.Source) error {
	if a.cfg.Queue.Driver != "kafka" && (mode == ModeFetch || mode == ModeWorker || mode == ModeRecover) {
		return fmt.Errorf("mode %s needs a shared queue; set queue.driver to kafka or use serve", mode)
	}

	switch mode {
	case ModeServe:
		return a.serve(ctx, only)
	case ModeFetch:
		return a.fetchAll(ctx, only)
	case ModeWorker:
		return a.dispatcher.Run(ctx)
	case ModeSweep:
		_, err := a.sweeper.Run(ctx, time.Now())
		return err
	case ModeHealth:
		_, err := a.monitor.Check(ctx, time.Now())
		return err
	case ModeRecover:
		return a.recover(ctx)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// Close releases every opened backing service.
func (a *Application) Close() error {
	err := closeAll(a.closers)
	a.closers = nil
	return err
}

// fetchAll runs the orchestrator once per source and reports each run.
func (a *Application) fetchAll(ctx context.Context, only []domain.Source) error {
	list, err := a.projects.Projects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	selected := only
	if len(selected) == 0 {
		selected = a.cfg.EnabledSources()
	}

	var errs []error
	for _, source := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary, err := a.fetcher.Run(ctx, list, source)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch %s: %w", source, err))
			continue
		}
		a.logger.Info("fetch run finished",
			"source", source,
			"projects", len(summary.Projects),
			"admitted", summary.Admitted(),
			"failed", summary.Failed(),
			"duration", summary.Duration())
		if err := usecase.SendSummary(ctx, a.notifier, summary); err != nil {
			a.logger.Warn("run summary not delivered", "source", source, "error", err)
		}
	}
	return errors.Join(errs...)
}

func (a *Application) recover(ctx context.Context) error {
	list, err := a.projects.Projects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	report, err := a.recoverer.Run(ctx, list)
	if err != nil {
		return err
	}
	a.logger.Info("recovery finished", "unposted", report.Unposted, "unscored", report.Unscored, "skipped", report.Skipped)
	return nil
}

// serve runs the dispatcher, the periodic jobs and the status API in one
// process until ctx is cancelled.
func (a *Application) serve(ctx context.Context, only []domain.Source) error {
	sched := a.cfg.Scheduler
	jobs := []*usecase.Scheduler{
		usecase.NewScheduler("fetch", scheduler.NewIntervalScheduler(sched.FetchInterval), func(ctx context.Context, _ time.Time) error {
			return a.fetchAll(ctx, only)
		}, a.logger),
		usecase.NewScheduler("retention", scheduler.NewIntervalScheduler(sched.SweepInterval), func(ctx context.Context, trigger time.Time) error {
			_, err := a.sweeper.Run(ctx, trigger)
			return err
		}, a.logger),
		usecase.NewScheduler("health", scheduler.NewIntervalScheduler(sched.HealthInterval), func(ctx context.Context, trigger time.Time) error {
			_, err := a.monitor.Check(ctx, trigger)
			return err
		}, a.logger),
		usecase.NewScheduler("recovery", scheduler.NewIntervalScheduler(sched.RecoveryInterval), func(ctx context.Context, _ time.Time) error {
			return a.recover(ctx)
		}, a.logger),
	}

	var pinger httpapi.Pinger
	if a.db != nil {
		pinger = a.db
	}
	server := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(a.repo, pinger, a.logger.With("component", "httpapi")),
		ErrorLog:          pkglogger.New(a.logger, "http", slog.LevelError),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		a.logger.Info("status api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	})

	for _, job := range jobs {
		if err := job.Start(gctx); err != nil {
			a.logger.Error("start scheduler", "error", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, job := range jobs {
			if err := job.Stop(shutdownCtx); err != nil {
				a.logger.Warn("scheduler stop", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
