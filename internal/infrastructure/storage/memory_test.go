package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"StoryProcessor/internal/domain"
)

func newStory(projectID int, url string, queuedAt time.Time) domain.NewStory {
	return domain.NewStory{
		ProjectID:     projectID,
		Source:        domain.SourceMediaCloud,
		URL:           url,
		NormalizedURL: domain.NormalizeURL(url),
		PublishedAt:   queuedAt,
		QueuedAt:      queuedAt,
	}
}

func TestMemoryRepositoryRejectsDuplicatesPerProject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()

	first, _ := repo.InsertIfAbsent(ctx, newStory(1, "https://www.example.com/a?utm_source=x", now))
	if first.Outcome != domain.Inserted || first.ID == 0 {
		t.Fatalf("expected insert, got %+v", first)
	}
	dup, _ := repo.InsertIfAbsent(ctx, newStory(1, "http://example.com/a", now))
	if dup.Outcome != domain.AlreadyExists {
		t.Fatalf("expected duplicate to be rejected, got %+v", dup)
	}
	other, _ := repo.InsertIfAbsent(ctx, newStory(2, "http://example.com/a", now))
	if other.Outcome != domain.Inserted {
		t.Fatalf("same url for another project must be admitted, got %+v", other)
	}
}

func TestMemoryRepositoryScoresAreWrittenOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepository()
	res, _ := repo.InsertIfAbsent(ctx, newStory(1, "https://example.com/a", time.Now()))

	first := time.Now()
	_ = repo.RecordScores(ctx, []domain.ScoreUpdate{{ID: res.ID, ModelScore: 0.7}}, first)
	_ = repo.RecordScores(ctx, []domain.ScoreUpdate{{ID: res.ID, ModelScore: 0.2}}, first.Add(time.Hour))

	rows, _ := repo.Stories(ctx, []int64{res.ID})
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if *rows[0].ModelScore != 0.7 || !rows[0].ProcessedAt.Equal(first.UTC()) {
		t.Fatalf("score or processed date overwritten: %+v", rows[0])
	}
	if rows[0].ScoreStatus != domain.ScoreScored {
		t.Fatalf("expected scored status, got %s", rows[0].ScoreStatus)
	}
}

func TestMemoryRepositoryPostedRequiresAboveThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepository()
	a, _ := repo.InsertIfAbsent(ctx, newStory(1, "https://example.com/a", time.Now()))
	b, _ := repo.InsertIfAbsent(ctx, newStory(1, "https://example.com/b", time.Now()))

	_ = repo.RecordScores(ctx, []domain.ScoreUpdate{{ID: a.ID, ModelScore: 0.9}, {ID: b.ID, ModelScore: 0.1}}, time.Now())
	_ = repo.MarkAboveThreshold(ctx, []int64{a.ID})
	_ = repo.MarkPosted(ctx, []int64{a.ID, b.ID}, time.Now())

	rows, _ := repo.Stories(ctx, []int64{a.ID, b.ID})
	if !rows[0].Posted() {
		t.Fatalf("above-threshold story should be posted")
	}
	if rows[1].Posted() {
		t.Fatalf("below-threshold story must never be posted")
	}

	stats, _ := repo.ProjectStats(ctx, 1)
	if stats.PostedAbove != 1 || stats.Below != 1 || stats.Total != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMemoryRepositoryReleaseKeepsProcessedRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepository()
	a, _ := repo.InsertIfAbsent(ctx, newStory(1, "https://example.com/a", time.Now()))
	b, _ := repo.InsertIfAbsent(ctx, newStory(1, "https://example.com/b", time.Now()))
	_ = repo.RecordScores(ctx, []domain.ScoreUpdate{{ID: b.ID, ModelScore: 0.5}}, time.Now())

	if err := repo.Release(ctx, []int64{a.ID, b.ID}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if repo.Len() != 1 {
		t.Fatalf("expected processed row to survive release, have %d rows", repo.Len())
	}
	again, _ := repo.InsertIfAbsent(ctx, newStory(1, "https://example.com/a", time.Now()))
	if again.Outcome != domain.Inserted {
		t.Fatalf("released url should be admitted again")
	}
}

func TestMemoryRepositoryDeleteQueuedBefore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	_, _ = repo.InsertIfAbsent(ctx, newStory(1, "https://example.com/old", now.AddDate(0, 0, -70)))
	_, _ = repo.InsertIfAbsent(ctx, newStory(1, "https://example.com/new", now.AddDate(0, 0, -10)))

	n, err := repo.DeleteQueuedBefore(ctx, now.AddDate(0, 0, -62))
	if err != nil || n != 1 {
		t.Fatalf("expected one deletion, got %d, %v", n, err)
	}
	if repo.Len() != 1 {
		t.Fatalf("expected one remaining row, got %d", repo.Len())
	}
}

func TestMemoryRepositoryWatermarkNeverMovesBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepository()

	if _, err := repo.Watermark(ctx, 9); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = repo.Register(ctx, 9)
	_ = repo.Register(ctx, 9)

	newer := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	_ = repo.Advance(ctx, 9, domain.SourceNewscatcher, newer)
	_ = repo.Advance(ctx, 9, domain.SourceNewscatcher, newer.AddDate(0, 0, -2))

	wm, err := repo.Watermark(ctx, 9)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	got, ok := wm.LastSeenAt(domain.SourceNewscatcher)
	if !ok || !got.Equal(newer) {
		t.Fatalf("expected %v, got %v (%v)", newer, got, ok)
	}
	if _, ok := wm.LastSeenAt(domain.SourceMediaCloud); ok {
		t.Fatalf("untouched source must have no watermark")
	}
}

// insertConcurrently races n inserts of URL variants that normalize to one key.
func insertConcurrently(t *testing.T, repo interface {
	InsertIfAbsent(context.Context, domain.NewStory) (domain.InsertResult, error)
}, projectID, n int, queuedAt time.Time) (inserted, duplicates int) {
	t.Helper()

	variants := []string{
		"https://www.example.com/race?utm_source=feed",
		"http://example.com/race",
		"https://example.com/race#comments",
		"https://www.example.com/race?utm_medium=email&utm_campaign=x",
	}
	results := make([]domain.InsertResult, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = repo.InsertIfAbsent(context.Background(), newStory(projectID, variants[i%len(variants)], queuedAt))
		}(i)
	}
	close(start)
	wg.Wait()

	ids := map[int64]bool{}
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("insert %d: %v", i, errs[i])
		}
		switch res.Outcome {
		case domain.Inserted:
			inserted++
			ids[res.ID] = true
		case domain.AlreadyExists:
			duplicates++
		default:
			t.Fatalf("insert %d: unexpected outcome %v", i, res.Outcome)
		}
	}
	if len(ids) > 1 {
		t.Fatalf("expected a single ledger id, got %v", ids)
	}
	return inserted, duplicates
}

func TestMemoryRepositoryConcurrentInsertsAdmitOnce(t *testing.T) {
	t.Parallel()

	for _, n := range []int{2, 16, 64} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()
			repo := NewMemoryRepository()
			inserted, duplicates := insertConcurrently(t, repo, 3, n, time.Now())
			if inserted != 1 || duplicates != n-1 {
				t.Fatalf("expected 1 insert and %d duplicates, got %d and %d", n-1, inserted, duplicates)
			}
			if repo.Len() != 1 {
				t.Fatalf("expected one ledger row, got %d", repo.Len())
			}
		})
	}
}
