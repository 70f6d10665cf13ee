package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

// defaultStaleAfter must outlast the full retry schedule of a batch.
const defaultStaleAfter = 2 * time.Hour

// Recoverer re-queues ledger rows whose batch never finished: above-threshold
// stories that never reached the sink, and unscored rows whose batch was lost
// before any worker saw it, for example in a restart of the in-process queue.
type Recoverer struct {
	ledger     ports.StoryLedger
	queue      ports.BatchQueue
	extractor  ports.Extractor
	logger     *slog.Logger
	now        func() time.Time
	days       int
	limit      int
	batchSize  int
	staleAfter time.Duration
}

// RecoveryOptions bounds how far back and how many stories are recovered.
// StaleAfter is how long an unscored row may wait before it counts as lost.
type RecoveryOptions struct {
	Days       int
	Limit      int
	BatchSize  int
	StaleAfter time.Duration
}

// RecoveryReport counts what one recovery run queued.
type RecoveryReport struct {
	Unposted int
	Unscored int
	Skipped  int
}

// Queued is the number of stories put back on the queue.
func (r RecoveryReport) Queued() int {
	return r.Unposted + r.Unscored
}

func NewRecoverer(ledger ports.StoryLedger, queue ports.BatchQueue, extractor ports.Extractor, opts RecoveryOptions, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Days <= 0 {
		opts.Days = 30
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	return &Recoverer{
		ledger:     ledger,
		queue:      queue,
		extractor:  extractor,
		logger:     logger,
		now:        time.Now,
		days:       opts.Days,
		limit:      opts.Limit,
		batchSize:  opts.BatchSize,
		staleAfter: opts.StaleAfter,
	}
}

// Run queues, per project, every unposted above-threshold story and every
// unscored story older than the stale threshold. The worker reuses stored
// scores, so scored stories only repeat delivery.
func (r *Recoverer) Run(ctx context.Context, projects []domain.Project) (RecoveryReport, error) {
	now := r.now().UTC()
	since := now.AddDate(0, 0, -r.days)
	var report RecoveryReport

	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		unposted, err := r.ledger.UnpostedAbove(ctx, project.ID, since, r.limit)
		if err != nil {
			return report, fmt.Errorf("list unposted stories for project %d: %w", project.ID, err)
		}
		pending, err := r.ledger.StalePending(ctx, project.ID, since, now.Add(-r.staleAfter), r.limit)
		if err != nil {
			return report, fmt.Errorf("list unscored stories for project %d: %w", project.ID, err)
		}
		if len(unposted)+len(pending) == 0 {
			continue
		}

		stories := make([]domain.AdmittedStory, 0, len(unposted)+len(pending))
		for _, row := range unposted {
			stories = append(stories, r.rebuild(ctx, row))
		}
		unscored := 0
		for _, row := range pending {
			story := r.rebuild(ctx, row)
			if strings.TrimSpace(story.Candidate.Text) == "" {
				// Nothing to classify; the retention sweep removes it eventually.
				report.Skipped++
				continue
			}
			stories = append(stories, story)
			unscored++
		}

		if err := r.enqueue(ctx, project, stories); err != nil {
			return report, err
		}
		report.Unposted += len(unposted)
		report.Unscored += unscored
		r.logger.Info("queued unfinished stories", "project_id", project.ID, "unposted", len(unposted), "unscored", unscored)
	}
	return report, nil
}

func (r *Recoverer) enqueue(ctx context.Context, project domain.Project, stories []domain.AdmittedStory) error {
	for start := 0; start < len(stories); start += r.batchSize {
		end := min(start+r.batchSize, len(stories))
		batch := domain.Batch{
			ID:         uuid.NewString(),
			Project:    project,
			Source:     stories[start].Candidate.Source,
			Stories:    stories[start:end],
			EnqueuedAt: r.now().UTC(),
		}
		if err := r.queue.Enqueue(ctx, batch); err != nil {
			return fmt.Errorf("enqueue recovery batch for project %d: %w", project.ID, err)
		}
	}
	return nil
}

func (r *Recoverer) rebuild(ctx context.Context, row domain.Story) domain.AdmittedStory {
	candidate := domain.RawCandidate{
		URL:         row.URL,
		PublishedAt: row.PublishedAt,
		Source:      row.Source,
	}
	if r.extractor != nil {
		ext, err := r.extractor.Extract(ctx, row.URL)
		if err != nil {
			r.logger.Debug("re-extraction failed", "url", row.URL, "error", err)
		} else {
			candidate.Title = ext.Title
			candidate.Text = ext.Text
		}
	}
	return domain.AdmittedStory{
		LedgerID:      row.ID,
		ProjectID:     row.ProjectID,
		NormalizedURL: row.NormalizedURL,
		QueuedAt:      row.QueuedAt,
		Candidate:     candidate,
	}
}
