package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

// AdmitResult is the outcome of admitting one page of candidates.
type AdmitResult struct {
	Admitted   []domain.AdmittedStory
	Duplicates int
	Dropped    int
	// Latest is the newest real publish/index time among admitted items;
	// publish dates filled in with the current time do not count.
	Latest time.Time
}

// Ingester is the single writer of new ledger rows.
type Ingester struct {
	ledger ports.StoryLedger
	logger *slog.Logger
	now    func() time.Time
}

// NewIngester wires the ledger used for dedup.
func NewIngester(ledger ports.StoryLedger, logger *slog.Logger, now func() time.Time) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Ingester{ledger: ledger, logger: logger, now: now}
}

// Admit inserts candidates that are new for the project and returns them with
// their ledger ids. On a ledger error the rows admitted so far are returned
// together with the error so the caller can release them.
func (i *Ingester) Admit(ctx context.Context, project domain.Project, source domain.Source, candidates []domain.RawCandidate) (AdmitResult, error) {
	var result AdmitResult
	queuedAt := i.now().UTC()

	for _, c := range candidates {
		if strings.TrimSpace(c.URL) == "" {
			result.Dropped++
			i.logger.Warn("dropping story without url", "project_id", project.ID, "source", source, "title", c.Title)
			continue
		}
		normalized := domain.NormalizeURL(c.URL)

		latest := c.Latest()
		if c.PublishedAt.IsZero() {
			i.logger.Warn("story has no publish date, using now", "project_id", project.ID, "url", c.URL)
			c.PublishedAt = queuedAt
		}
		if c.Source == "" {
			c.Source = source
		}

		res, err := i.ledger.InsertIfAbsent(ctx, domain.NewStory{
			ProjectID:     project.ID,
			ModelID:       project.LanguageModelID,
			Source:        source,
			URL:           c.URL,
			NormalizedURL: normalized,
			PublishedAt:   c.PublishedAt,
			QueuedAt:      queuedAt,
		})
		if err != nil {
			return result, fmt.Errorf("admit %s: %w", c.URL, err)
		}

		if res.Outcome == domain.AlreadyExists {
			result.Duplicates++
			continue
		}

		result.Admitted = append(result.Admitted, domain.AdmittedStory{
			LedgerID:      res.ID,
			ProjectID:     project.ID,
			NormalizedURL: normalized,
			QueuedAt:      queuedAt,
			Candidate:     c,
			SeenAt:        latest,
		})
		if latest.After(result.Latest) {
			result.Latest = latest
		}
	}

	return result, nil
}
