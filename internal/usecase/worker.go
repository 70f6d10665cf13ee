package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

// WorkerDeps wires the collaborators of the classification and delivery worker.
type WorkerDeps struct {
	Ledger     ports.StoryLedger
	Classifier ports.Classifier
	Sink       ports.Sink
	Logger     *slog.Logger
	Clock      func() time.Time
}

// WorkerReport describes what one invocation did with a batch.
type WorkerReport struct {
	Scored    []domain.ScoredStory
	Newly     int
	Above     int
	Delivered []domain.DeliveredStory
	Skipped   int
}

// Worker scores a batch, flags stories above the project threshold and posts
// them to the sink chunk by chunk. Every step can be re-run on the same batch.
type Worker struct {
	ledger     ports.StoryLedger
	classifier ports.Classifier
	sink       ports.Sink
	logger     *slog.Logger
	now        func() time.Time
	chunkSize  int
}

// NewWorker constructs the delivery worker. chunkSize bounds one sink request.
func NewWorker(deps WorkerDeps, chunkSize int) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Worker{
		ledger:     deps.Ledger,
		classifier: deps.Classifier,
		sink:       deps.Sink,
		logger:     logger,
		now:        now,
		chunkSize:  chunkSize,
	}
}

// Process handles one batch. Errors wrapped with Retryable ask for the whole
// batch to be retried; anything else is final.
func (w *Worker) Process(ctx context.Context, batch domain.Batch) error {
	_, err := w.Run(ctx, batch)
	return err
}

// Run is Process with a report of the work done.
func (w *Worker) Run(ctx context.Context, batch domain.Batch) (WorkerReport, error) {
	var report WorkerReport
	if batch.Project.ID == 0 || len(batch.Stories) == 0 {
		return report, fmt.Errorf("%w: batch %s has no project or stories", ErrPermanent, batch.ID)
	}
	logger := w.logger.With("batch_id", batch.ID, "project_id", batch.Project.ID, "attempt", batch.Attempt)

	rows, err := w.ledger.Stories(ctx, batch.LedgerIDs())
	if err != nil {
		return report, Retryable(fmt.Errorf("load ledger rows: %w", err))
	}
	byID := make(map[int64]domain.Story, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	present := make([]domain.AdmittedStory, 0, len(batch.Stories))
	for _, s := range batch.Stories {
		if _, ok := byID[s.LedgerID]; ok {
			present = append(present, s)
		} else {
			report.Skipped++
		}
	}
	if len(present) == 0 {
		logger.Info("no ledger rows left for batch, nothing to do")
		return report, nil
	}

	scored, newly, err := w.score(ctx, batch.Project, present, byID)
	if err != nil {
		return report, err
	}
	report.Scored = scored
	report.Newly = newly

	var aboveIDs []int64
	var above []domain.ScoredStory
	for i := range scored {
		if scored[i].ModelScore >= batch.Project.MinConfidence {
			scored[i].AboveThreshold = true
			aboveIDs = append(aboveIDs, scored[i].LedgerID)
			above = append(above, scored[i])
		}
	}
	report.Above = len(above)
	if len(above) == 0 {
		logger.Info("batch scored, nothing above threshold", "stories", len(scored), "threshold", batch.Project.MinConfidence)
		return report, nil
	}
	if err := w.ledger.MarkAboveThreshold(ctx, aboveIDs); err != nil {
		return report, Retryable(fmt.Errorf("mark above threshold: %w", err))
	}

	pending, err := w.unposted(ctx, above)
	if err != nil {
		return report, err
	}

	for start := 0; start < len(pending); start += w.chunkSize {
		if err := ctx.Err(); err != nil {
			return report, Retryable(fmt.Errorf("delivery interrupted: %w", err))
		}
		end := min(start+w.chunkSize, len(pending))
		chunk := pending[start:end]
		chunkNo := start/w.chunkSize + 1

		if err := w.sink.Post(ctx, batch.Project, chunk); err != nil {
			return report, Retryable(fmt.Errorf("post chunk %d: %w", chunkNo, err))
		}

		postedAt := w.now().UTC()
		ids := make([]int64, 0, len(chunk))
		for _, s := range chunk {
			ids = append(ids, s.LedgerID)
		}
		if err := w.ledger.MarkPosted(ctx, ids, postedAt); err != nil {
			return report, Retryable(fmt.Errorf("mark chunk %d posted: %w", chunkNo, err))
		}
		for _, s := range chunk {
			report.Delivered = append(report.Delivered, domain.DeliveredStory{ScoredStory: s, PostedAt: postedAt})
		}
	}

	logger.Info("batch delivered",
		"stories", len(scored),
		"scored_now", newly,
		"above", len(above),
		"posted", len(report.Delivered))
	return report, nil
}

// score reuses stored scores and classifies the remaining stories with one call.
func (w *Worker) score(ctx context.Context, project domain.Project, stories []domain.AdmittedStory, rows map[int64]domain.Story) ([]domain.ScoredStory, int, error) {
	scored := make([]domain.ScoredStory, len(stories))
	var todo []int
	for i, s := range stories {
		row := rows[s.LedgerID]
		if row.Scored() {
			scored[i] = domain.ScoredStory{
				AdmittedStory:  s,
				ModelScore:     *row.ModelScore,
				Model1Score:    row.Model1Score,
				Model2Score:    row.Model2Score,
				ProcessedAt:    *row.ProcessedAt,
				AboveThreshold: row.AboveThreshold,
			}
			continue
		}
		todo = append(todo, i)
	}
	if len(todo) == 0 {
		return scored, 0, nil
	}
	if w.classifier == nil {
		return nil, 0, fmt.Errorf("%w: no classifier configured", ErrPermanent)
	}

	inputs := make([]ports.ClassifierInput, 0, len(todo))
	ids := make([]int64, 0, len(todo))
	for _, i := range todo {
		c := stories[i].Candidate
		inputs = append(inputs, ports.ClassifierInput{Title: c.Title, Text: c.Text})
		ids = append(ids, stories[i].LedgerID)
	}

	scores, err := w.classifier.Score(ctx, project, inputs)
	if err == nil && len(scores.Model) != len(inputs) {
		err = fmt.Errorf("classifier returned %d scores for %d stories", len(scores.Model), len(inputs))
	}
	if err != nil {
		if aerr := w.ledger.RecordScoreAttempt(context.WithoutCancel(ctx), ids); aerr != nil {
			w.logger.Error("record score attempt failed", "project_id", project.ID, "error", aerr)
		}
		return nil, 0, Retryable(fmt.Errorf("classify %d stories: %w", len(inputs), err))
	}

	processedAt := w.now().UTC()
	updates := make([]domain.ScoreUpdate, 0, len(todo))
	for k, i := range todo {
		u := domain.ScoreUpdate{
			ID:          stories[i].LedgerID,
			ModelScore:  scores.Model[k],
			Model1Score: positional(scores.Model1, k, len(todo)),
			Model2Score: positional(scores.Model2, k, len(todo)),
		}
		updates = append(updates, u)
		scored[i] = domain.ScoredStory{
			AdmittedStory: stories[i],
			ModelScore:    u.ModelScore,
			Model1Score:   u.Model1Score,
			Model2Score:   u.Model2Score,
			ProcessedAt:   processedAt,
		}
	}
	if err := w.ledger.RecordScores(ctx, updates, processedAt); err != nil {
		return nil, 0, Retryable(fmt.Errorf("record scores: %w", err))
	}
	return scored, len(todo), nil
}

// unposted re-reads the ledger so stories posted by an earlier attempt are skipped.
func (w *Worker) unposted(ctx context.Context, stories []domain.ScoredStory) ([]domain.ScoredStory, error) {
	ids := make([]int64, 0, len(stories))
	for _, s := range stories {
		ids = append(ids, s.LedgerID)
	}
	rows, err := w.ledger.Stories(ctx, ids)
	if err != nil {
		return nil, Retryable(fmt.Errorf("reload posted state: %w", err))
	}
	posted := make(map[int64]bool, len(rows))
	for _, row := range rows {
		posted[row.ID] = row.Posted()
	}

	pending := make([]domain.ScoredStory, 0, len(stories))
	for _, s := range stories {
		isPosted, ok := posted[s.LedgerID]
		if ok && !isPosted {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

func positional(values []float64, i, n int) *float64 {
	if len(values) != n {
		return nil
	}
	v := values[i]
	return &v
}
