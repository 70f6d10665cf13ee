package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
	"StoryProcessor/internal/scanner"
)

// tooBroadShare is the share of the per-project cap above which a query is
// reported as probably too broad.
const tooBroadShare = 0.8

// FetcherDeps wires all driven adapters into the fetch orchestrator.
type FetcherDeps struct {
	Registry   *scanner.Registry
	Ledger     ports.StoryLedger
	Watermarks ports.WatermarkStore
	Queue      ports.BatchQueue
	Extractor  ports.Extractor
	Logger     *slog.Logger
	Clock      func() time.Time
}

// FetchOptions tunes pagination, retries and parallelism.
type FetchOptions struct {
	PoolSize             int
	MaxStoriesPerProject int
	BatchSize            int
	ExtractConcurrency   int
	RequestTimeout       time.Duration
	PageRetries          int
	RetryBackoff         time.Duration
	MaxRetryBackoff      time.Duration
	Windows              map[domain.Source]WindowSettings
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	if o.MaxStoriesPerProject <= 0 {
		o.MaxStoriesPerProject = 5000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.ExtractConcurrency <= 0 {
		o.ExtractConcurrency = 8
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = time.Minute
	}
	if o.PageRetries < 0 {
		o.PageRetries = 0
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = time.Minute
	}
	return o
}

// ProjectResult describes what one run did for one project.
type ProjectResult struct {
	ProjectID  int
	Title      string
	Window     domain.Window
	Expected   int
	Pages      int
	Fetched    int
	Admitted   int
	Duplicates int
	Dropped    int
	Batches    int
	TooBroad   bool
	Advanced   bool
	Err        error
}

// RunSummary aggregates a fetch run over all projects of one source.
type RunSummary struct {
	Source     domain.Source
	StartedAt  time.Time
	FinishedAt time.Time
	Projects   []ProjectResult
}

// Admitted returns the number of stories queued across projects.
func (s RunSummary) Admitted() int {
	total := 0
	for _, p := range s.Projects {
		total += p.Admitted
	}
	return total
}

// Failed returns the number of projects that ended with an error.
func (s RunSummary) Failed() int {
	n := 0
	for _, p := range s.Projects {
		if p.Err != nil {
			n++
		}
	}
	return n
}

// Duration is the wall time of the run.
func (s RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Fetcher drives one source adapter over every project.
type Fetcher struct {
	registry   *scanner.Registry
	ledger     ports.StoryLedger
	watermarks ports.WatermarkStore
	queue      ports.BatchQueue
	extractor  ports.Extractor
	ingester   *Ingester
	logger     *slog.Logger
	now        func() time.Time
	opts       FetchOptions
}

// NewFetcher constructs the orchestration component.
func NewFetcher(deps FetcherDeps, opts FetchOptions) *Fetcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		registry:   deps.Registry,
		ledger:     deps.Ledger,
		watermarks: deps.Watermarks,
		queue:      deps.Queue,
		extractor:  deps.Extractor,
		ingester:   NewIngester(deps.Ledger, logger.With("stage", "ingest"), now),
		logger:     logger,
		now:        now,
		opts:       opts.withDefaults(),
	}
}

// Run fetches every project from source on a bounded pool. A failing project
// never aborts the others; its error is recorded in the summary.
func (f *Fetcher) Run(ctx context.Context, projects []domain.Project, source domain.Source) (RunSummary, error) {
	summary := RunSummary{Source: source, StartedAt: f.now()}

	if f.registry == nil {
		return summary, errors.New("fetcher has no source registry")
	}
	adapter, err := f.registry.Resolve(source)
	if err != nil {
		return summary, err
	}
	settings, ok := f.opts.Windows[source]
	if !ok {
		return summary, fmt.Errorf("no window settings for source %s", source)
	}

	results := make([]ProjectResult, len(projects))
	var g errgroup.Group
	g.SetLimit(f.opts.PoolSize)
	for i, project := range projects {
		i, project := i, project
		if err := ctx.Err(); err != nil {
			results[i] = ProjectResult{ProjectID: project.ID, Title: project.Title, Err: err}
			continue
		}
		g.Go(func() error {
			results[i] = f.runProject(ctx, adapter, project, settings)
			return nil
		})
	}
	_ = g.Wait()

	summary.Projects = results
	summary.FinishedAt = f.now()

	f.logger.Info("fetch run finished",
		"source", source,
		"projects", len(projects),
		"admitted", summary.Admitted(),
		"failed", summary.Failed(),
		"duration", summary.Duration().Round(time.Second))

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("fetch run cancelled: %w", err)
	}
	return summary, nil
}

func (f *Fetcher) runProject(ctx context.Context, adapter scanner.Adapter, project domain.Project, settings WindowSettings) ProjectResult {
	source := adapter.Source()
	result := ProjectResult{ProjectID: project.ID, Title: project.Title}
	logger := f.logger.With("project_id", project.ID, "source", source)

	wm, found, err := f.loadWatermark(ctx, project.ID)
	if err != nil {
		result.Err = err
		logger.Error("load watermark failed", "error", err)
		return result
	}

	window := CalculateWindow(project, source, wm, found, settings.Lag, settings.Lookback, f.now())
	result.Window = window
	if window.Empty() {
		logger.Info("empty fetch window, skipping", "start", window.Start, "end", window.End)
		return result
	}

	countCtx, cancel := context.WithTimeout(ctx, f.opts.RequestTimeout)
	expected, err := adapter.Count(countCtx, project, window)
	cancel()
	if err != nil {
		result.Err = fmt.Errorf("count stories: %w", err)
		logger.Error("count failed, skipping project", "error", err)
		return result
	}
	result.Expected = expected
	if expected == 0 {
		logger.Debug("no stories in window", "start", window.Start, "end", window.End)
		return result
	}

	var latest time.Time
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		page, err := f.fetchPage(ctx, adapter, project, window, token)
		if err != nil {
			result.Err = fmt.Errorf("fetch page %d: %w", result.Pages+1, err)
			logger.Error("page fetch failed, watermark not advanced", "error", err)
			return result
		}
		result.Pages++

		items := page.Items
		if room := f.opts.MaxStoriesPerProject - result.Fetched; len(items) > room {
			items = items[:room]
		}
		result.Fetched += len(items)

		pageLatest, err := f.admitPage(ctx, project, source, items, &result, logger)
		if err != nil {
			result.Err = err
			return result
		}
		if pageLatest.After(latest) {
			latest = pageLatest
		}

		if page.NextToken == "" || result.Fetched >= f.opts.MaxStoriesPerProject {
			break
		}
		token = page.NextToken
	}

	if float64(result.Admitted) > tooBroadShare*float64(f.opts.MaxStoriesPerProject) {
		result.TooBroad = true
		logger.Warn("query might be too broad", "admitted", result.Admitted, "cap", f.opts.MaxStoriesPerProject)
	}

	if !latest.IsZero() && f.watermarks != nil {
		if err := f.watermarks.Advance(ctx, project.ID, source, latest); err != nil {
			result.Err = fmt.Errorf("advance watermark: %w", err)
			logger.Error("advance watermark failed", "error", err)
			return result
		}
		result.Advanced = true
	}

	logger.Info("project fetched",
		"expected", result.Expected,
		"pages", result.Pages,
		"admitted", result.Admitted,
		"duplicates", result.Duplicates,
		"dropped", result.Dropped)
	return result
}

func (f *Fetcher) loadWatermark(ctx context.Context, projectID int) (domain.Watermark, bool, error) {
	if f.watermarks == nil {
		return domain.Watermark{}, false, nil
	}
	wm, err := f.watermarks.Watermark(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		if err := f.watermarks.Register(ctx, projectID); err != nil {
			return domain.Watermark{}, false, fmt.Errorf("register project: %w", err)
		}
		return domain.Watermark{}, false, nil
	}
	if err != nil {
		return domain.Watermark{}, false, fmt.Errorf("load watermark: %w", err)
	}
	return wm, true, nil
}

// admitPage dedups one page, fills missing text and queues the result. It
// returns the newest item time among stories that were queued.
func (f *Fetcher) admitPage(ctx context.Context, project domain.Project, source domain.Source, items []domain.RawCandidate, result *ProjectResult, logger *slog.Logger) (time.Time, error) {
	admit, err := f.ingester.Admit(ctx, project, source, items)
	result.Duplicates += admit.Duplicates
	result.Dropped += admit.Dropped
	if err != nil {
		f.release(ctx, admit.Admitted, logger)
		return time.Time{}, fmt.Errorf("ingest page: %w", err)
	}

	stories, failed := f.fillText(ctx, admit.Admitted, logger)
	if len(failed) > 0 {
		result.Dropped += len(failed)
		f.release(ctx, failed, logger)
	}

	for start := 0; start < len(stories); start += f.opts.BatchSize {
		end := min(start+f.opts.BatchSize, len(stories))
		batch := domain.Batch{
			ID:         uuid.NewString(),
			Project:    project,
			Source:     source,
			Stories:    stories[start:end],
			EnqueuedAt: f.now().UTC(),
		}
		if err := f.queue.Enqueue(ctx, batch); err != nil {
			f.release(ctx, stories[start:], logger)
			return time.Time{}, fmt.Errorf("enqueue batch: %w", err)
		}
		result.Batches++
		result.Admitted += end - start
	}

	return domain.LatestSeen(stories), nil
}

func (f *Fetcher) fetchPage(ctx context.Context, adapter scanner.Adapter, project domain.Project, window domain.Window, token string) (domain.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= f.opts.PageRetries; attempt++ {
		if attempt > 0 {
			wait := backoffDelay(f.opts.RetryBackoff, f.opts.MaxRetryBackoff, attempt-1)
			if !sleepCtx(ctx.Done(), wait) {
				return domain.Page{}, ctx.Err()
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, f.opts.RequestTimeout)
		page, err := adapter.FetchPage(reqCtx, project, window, token)
		cancel()
		if err == nil {
			return page, nil
		}
		lastErr = err
		if scanner.IsPermanent(err) || ctx.Err() != nil {
			break
		}
		f.logger.Warn("page fetch failed, retrying",
			"project_id", project.ID,
			"source", adapter.Source(),
			"attempt", attempt+1,
			"error", err)
	}
	return domain.Page{}, lastErr
}

// fillText runs the extractor for stories that arrived without text. Stories
// the extractor cannot read are returned separately.
func (f *Fetcher) fillText(ctx context.Context, stories []domain.AdmittedStory, logger *slog.Logger) ([]domain.AdmittedStory, []domain.AdmittedStory) {
	if f.extractor == nil || len(stories) == 0 {
		return stories, nil
	}

	ok := make([]bool, len(stories))
	var g errgroup.Group
	g.SetLimit(f.opts.ExtractConcurrency)
	for i := range stories {
		i := i
		if strings.TrimSpace(stories[i].Candidate.Text) != "" {
			ok[i] = true
			continue
		}
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, f.opts.RequestTimeout)
			defer cancel()
			c := &stories[i].Candidate
			ext, err := f.extractor.Extract(reqCtx, c.URL)
			if err != nil || strings.TrimSpace(ext.Text) == "" {
				logger.Debug("extraction failed, dropping story", "url", c.URL, "error", err)
				return nil
			}
			c.Text = ext.Text
			if c.Title == "" {
				c.Title = ext.Title
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	kept := make([]domain.AdmittedStory, 0, len(stories))
	var failed []domain.AdmittedStory
	for i, s := range stories {
		if ok[i] {
			kept = append(kept, s)
		} else {
			failed = append(failed, s)
		}
	}
	return kept, failed
}

// release deletes rows that were admitted but will not be queued, so the next
// run can admit them again.
func (f *Fetcher) release(ctx context.Context, stories []domain.AdmittedStory, logger *slog.Logger) {
	if len(stories) == 0 {
		return
	}
	ids := make([]int64, 0, len(stories))
	for _, s := range stories {
		ids = append(ids, s.LedgerID)
	}
	if err := f.ledger.Release(context.WithoutCancel(ctx), ids); err != nil {
		logger.Error("release admitted stories failed", "count", len(ids), "error", err)
	}
}
