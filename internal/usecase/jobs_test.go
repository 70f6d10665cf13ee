package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/infrastructure/storage"
	"StoryProcessor/internal/scanner"
)

func TestSweeperRemovesOnlyOldRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	insert := func(url string, queued time.Time) int64 {
		res, err := repo.InsertIfAbsent(ctx, domain.NewStory{ProjectID: 1, Source: domain.SourceMediaCloud, URL: url, NormalizedURL: url, QueuedAt: queued})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		return res.ID
	}
	oldPosted := insert("old-posted", fixedNow.AddDate(0, 0, -61))
	insert("old-pending", fixedNow.AddDate(0, 0, -90))
	fresh := insert("fresh", fixedNow.AddDate(0, 0, -59))
	_ = repo.RecordScores(ctx, []domain.ScoreUpdate{{ID: oldPosted, ModelScore: 1}}, fixedNow.AddDate(0, 0, -61))
	_ = repo.MarkAboveThreshold(ctx, []int64{oldPosted})
	_ = repo.MarkPosted(ctx, []int64{oldPosted}, fixedNow.AddDate(0, 0, -61))

	deleted, err := NewSweeper(repo, 60*day, nil).Run(ctx, fixedNow)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions regardless of delivery state, got %d", deleted)
	}
	rows, _ := repo.Stories(ctx, []int64{fresh})
	if len(rows) != 1 {
		t.Fatalf("fresh row must survive the sweep")
	}
}

func TestMonitorAlertsBelowFloor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	var ids []int64
	for _, u := range []string{"a", "b", "c", "d"} {
		res, _ := repo.InsertIfAbsent(ctx, domain.NewStory{ProjectID: 1, Source: domain.SourceNewscatcher, URL: u, NormalizedURL: u, QueuedAt: fixedNow.Add(-day)})
		ids = append(ids, res.ID)
	}
	updates := make([]domain.ScoreUpdate, 0, len(ids))
	for _, id := range ids {
		updates = append(updates, domain.ScoreUpdate{ID: id, ModelScore: 0.2})
	}
	_ = repo.RecordScores(ctx, updates, fixedNow.Add(-time.Hour))

	notifier := &fakeNotifier{}
	report, err := NewMonitor(repo, notifier, 4, 2, nil).Check(ctx, fixedNow)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if report.Processed != 4 || report.PerDay != 1 || !report.Alerted {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(notifier.subjects) != 1 || notifier.subjects[0] != LowVolumeSubject {
		t.Fatalf("expected one low volume alert, got %v", notifier.subjects)
	}

	healthy, err := NewMonitor(repo, notifier, 4, 1, nil).Check(ctx, fixedNow)
	if err != nil || healthy.Alerted {
		t.Fatalf("volume at the floor must not alert: %+v, %v", healthy, err)
	}
	if len(notifier.subjects) != 1 {
		t.Fatalf("healthy check sent a notification")
	}
}

func TestRecovererQueuesUnpostedAboveThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	project := domain.Project{ID: 7, MinConfidence: 0.5}
	batch := admitBatch(t, repo, project, 3)
	ids := batch.LedgerIDs()
	_ = repo.RecordScores(ctx, []domain.ScoreUpdate{
		{ID: ids[0], ModelScore: 0.9},
		{ID: ids[1], ModelScore: 0.8},
		{ID: ids[2], ModelScore: 0.1},
	}, fixedNow)
	_ = repo.MarkAboveThreshold(ctx, ids[:2])
	_ = repo.MarkPosted(ctx, ids[:1], fixedNow)

	queue := &fakeQueue{}
	extractor := &fakeExtractor{fail: map[string]bool{}}
	recoverer := NewRecoverer(repo, queue, extractor, RecoveryOptions{Days: 30}, nil)
	recoverer.now = clock

	report, err := recoverer.Run(ctx, []domain.Project{project})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Unposted != 1 || report.Unscored != 0 || len(queue.batches) != 1 {
		t.Fatalf("expected one recovered story, got %+v", report)
	}
	got := queue.batches[0].Stories[0]
	if got.LedgerID != ids[1] || got.Candidate.Text == "" {
		t.Fatalf("unexpected recovered story %+v", got)
	}

	// The worker reuses the stored score and only posts.
	classifier := &fakeClassifier{err: errors.New("must not be called")}
	sink := &fakeSink{}
	if err := newTestWorker(repo, classifier, sink, 10).Process(ctx, queue.batches[0]); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if classifier.calls != 0 || len(sink.posted) != 1 {
		t.Fatalf("recovered batch should post without scoring: calls=%d posted=%v", classifier.calls, sink.posted)
	}
}

func TestBuildSummaryMessage(t *testing.T) {
	t.Parallel()

	summary := RunSummary{
		Source:     domain.SourceNewscatcher,
		StartedAt:  fixedNow,
		FinishedAt: fixedNow.Add(3 * time.Minute),
		Projects: []ProjectResult{
			{ProjectID: 1, Title: "alpha", Admitted: 12, Duplicates: 3},
			{ProjectID: 2, Title: "beta", Admitted: 4100, TooBroad: true},
			{ProjectID: 3, Title: "gamma", Err: errors.New("count stories: bad query")},
		},
	}

	if got := SummarySubject(summary); got != "newscatcher update: 4112 stories (3 mins)" {
		t.Fatalf("unexpected subject %q", got)
	}
	msg := BuildSummaryMessage(summary)
	for _, want := range []string{
		"project 1 - alpha: 12 stories (3 already seen)",
		"(query might be too broad)",
		"FAILED: count stories: bad query",
		"pulled 4112 stories, 1 projects failed",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in message:\n%s", want, msg)
		}
	}

	notifier := &fakeNotifier{}
	if err := SendSummary(context.Background(), notifier, summary); err != nil {
		t.Fatalf("SendSummary returned error: %v", err)
	}
	if len(notifier.bodies) != 1 {
		t.Fatalf("expected one notification")
	}
	if err := SendSummary(context.Background(), nil, summary); err != nil {
		t.Fatalf("nil notifier should be ignored: %v", err)
	}
}

// lostQueue accepts batches and forgets them, like an in-process queue that
// went down with its process.
type lostQueue struct{ fakeQueue }

func (q *lostQueue) Enqueue(context.Context, domain.Batch) error { return nil }

func TestRecovererRequeuesRowsWhoseBatchWasLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	adapter := &fakeAdapter{
		source: domain.SourceMediaCloud,
		count:  2,
		pages: pagesOf(10,
			candidate("https://example.com/lost-1", fixedNow.Add(-3*time.Hour)),
			candidate("https://example.com/lost-2", fixedNow.Add(-2*time.Hour)),
		),
	}
	registry := scanner.NewRegistry()
	registry.Register(adapter)
	fetcher := NewFetcher(FetcherDeps{
		Registry:   registry,
		Ledger:     repo,
		Watermarks: repo,
		Queue:      &lostQueue{},
		Clock:      clock,
	}, FetchOptions{Windows: map[domain.Source]WindowSettings{domain.SourceMediaCloud: {Lookback: 3 * day}}})
	project := domain.Project{ID: 21, MinConfidence: 0.5}

	if _, err := fetcher.Run(ctx, []domain.Project{project}, domain.SourceMediaCloud); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	rerun, err := fetcher.Run(ctx, []domain.Project{project}, domain.SourceMediaCloud)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if rerun.Admitted() != 0 {
		t.Fatalf("dedup should block re-admission, admitted %d", rerun.Admitted())
	}

	queue := &fakeQueue{}
	recoverer := NewRecoverer(repo, queue, &fakeExtractor{}, RecoveryOptions{StaleAfter: time.Hour}, nil)

	recoverer.now = func() time.Time { return fixedNow.Add(30 * time.Minute) }
	early, err := recoverer.Run(ctx, []domain.Project{project})
	if err != nil {
		t.Fatalf("early run: %v", err)
	}
	if early.Queued() != 0 {
		t.Fatalf("rows inside the stale threshold must be left alone, got %+v", early)
	}

	recoverer.now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	report, err := recoverer.Run(ctx, []domain.Project{project})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Unscored != 2 || len(queue.stories()) != 2 {
		t.Fatalf("expected both stranded rows queued, got %+v", report)
	}

	sink := &fakeSink{}
	classifier := &fakeClassifier{byTitle: map[string]float64{"extracted title": 0.9}}
	if err := newTestWorker(repo, classifier, sink, 10).Process(ctx, queue.batches[0]); err != nil {
		t.Fatalf("worker: %v", err)
	}
	stats, _ := repo.ProjectStats(ctx, project.ID)
	if stats.Unscored != 0 || stats.PostedAbove != 2 {
		t.Fatalf("recovered rows should be scored and posted, got %+v", stats)
	}
}
