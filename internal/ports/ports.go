package ports

import (
	"context"
	"time"

	"StoryProcessor/internal/domain"
)

// ProjectProvider lists the projects to monitor.
type ProjectProvider interface {
	Projects(ctx context.Context) ([]domain.Project, error)
}

// StoryLedger is the durable table of discovered stories and their lifecycle.
type StoryLedger interface {
	InsertIfAbsent(ctx context.Context, story domain.NewStory) (domain.InsertResult, error)
	Release(ctx context.Context, ids []int64) error
	Stories(ctx context.Context, ids []int64) ([]domain.Story, error)
	RecordScores(ctx context.Context, updates []domain.ScoreUpdate, processedAt time.Time) error
	RecordScoreAttempt(ctx context.Context, ids []int64) error
	MarkScoreFailed(ctx context.Context, ids []int64) error
	MarkAboveThreshold(ctx context.Context, ids []int64) error
	MarkPosted(ctx context.Context, ids []int64, postedAt time.Time) error
	DeleteQueuedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountProcessedSince(ctx context.Context, since time.Time) (int64, error)
	UnpostedAbove(ctx context.Context, projectID int, since time.Time, limit int) ([]domain.Story, error)
	StalePending(ctx context.Context, projectID int, since, queuedBefore time.Time, limit int) ([]domain.Story, error)
}

// LedgerReporter exposes read-only aggregates for the status API.
type LedgerReporter interface {
	ProjectStats(ctx context.Context, projectID int) (domain.StoryStats, error)
	BinnedScores(ctx context.Context, projectID int) ([]domain.ScoreBin, error)
	RecentStories(ctx context.Context, projectID int, aboveThreshold bool, limit int) ([]domain.Story, error)
}

// WatermarkStore persists per-project, per-source high-water marks.
type WatermarkStore interface {
	Register(ctx context.Context, projectID int) error
	Watermark(ctx context.Context, projectID int) (domain.Watermark, error)
	Advance(ctx context.Context, projectID int, source domain.Source, lastSeen time.Time) error
}

// Classifier scores story texts for a project's model.
type Classifier interface {
	Score(ctx context.Context, project domain.Project, stories []ClassifierInput) (domain.Scores, error)
}

// ClassifierInput is the text a classifier needs for one story.
type ClassifierInput struct {
	Title string
	Text  string
}

// Extraction is the outcome of fetching and parsing one story page.
type Extraction struct {
	Text        string
	Title       string
	PublishedAt time.Time
}

// Extractor turns a URL into story text.
type Extractor interface {
	Extract(ctx context.Context, url string) (Extraction, error)
}

// Sink delivers stories to the central server.
type Sink interface {
	Post(ctx context.Context, project domain.Project, stories []domain.ScoredStory) error
}

// PostArchive keeps a copy of what was sent to the central server.
type PostArchive interface {
	Store(ctx context.Context, projectID int, payload []byte) error
}

// Notifier sends fire-and-forget operator messages.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// BatchHandler processes one queued batch. Returning an error leaves the batch
// unacknowledged so the queue redelivers it.
type BatchHandler func(ctx context.Context, batch domain.Batch) error

// BatchQueue hands admitted batches from the fetch domain to the delivery domain.
// A batch whose NotBefore lies in the future is held by the queue and not
// delivered earlier; holding it never occupies a consumer.
type BatchQueue interface {
	Enqueue(ctx context.Context, batch domain.Batch) error
	Consume(ctx context.Context, handler BatchHandler) error
	DeadLetter(ctx context.Context, batch domain.Batch, reason error) error
	Close() error
}

// Cache is a byte cache with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Scheduler controls when jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
