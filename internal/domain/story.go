package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// RawCandidate is a story record as returned by a source adapter page.
type RawCandidate struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Language    string    `json:"language"`
	Text        string    `json:"text,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	IndexedAt   time.Time `json:"indexed_at,omitempty"`
	MediaID     int       `json:"media_id,omitempty"`
	MediaURL    string    `json:"media_url,omitempty"`
	MediaName   string    `json:"media_name,omitempty"`
	Source      Source    `json:"source"`
}

// Latest returns the newest timestamp known for the candidate. Sources that
// index after publication report the index time.
func (c RawCandidate) Latest() time.Time {
	if c.IndexedAt.After(c.PublishedAt) {
		return c.IndexedAt
	}
	return c.PublishedAt
}

// Page is one response from a source adapter. An empty NextToken means the
// adapter has nothing more for the window.
type Page struct {
	Items     []RawCandidate
	NextToken string
}

// NewStory is what the ingest stage asks the ledger to insert.
type NewStory struct {
	ProjectID     int
	ModelID       int
	Source        Source
	URL           string
	NormalizedURL string
	PublishedAt   time.Time
	QueuedAt      time.Time
}

// InsertOutcome tells whether the ledger admitted a story.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	AlreadyExists
)

func (o InsertOutcome) String() string {
	if o == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// InsertResult is returned by the ledger's insert-if-absent write.
type InsertResult struct {
	Outcome InsertOutcome
	ID      int64
}

// AdmittedStory is a candidate that passed dedup and owns a ledger row.
type AdmittedStory struct {
	LedgerID      int64        `json:"log_db_id"`
	ProjectID     int          `json:"project_id"`
	NormalizedURL string       `json:"normalized_url"`
	QueuedAt      time.Time    `json:"queued_at"`
	Candidate     RawCandidate `json:"candidate"`
	// SeenAt is the candidate's own publish or index time, zero when the
	// publish date was filled in at admission.
	SeenAt time.Time `json:"-"`
}

// LatestSeen returns the newest SeenAt among stories.
func LatestSeen(stories []AdmittedStory) time.Time {
	var latest time.Time
	for _, s := range stories {
		if s.SeenAt.After(latest) {
			latest = s.SeenAt
		}
	}
	return latest
}

// ScoreStatus distinguishes rows never scored from rows that were given up on.
type ScoreStatus string

const (
	ScorePending ScoreStatus = "pending"
	ScoreScored  ScoreStatus = "scored"
	ScoreFailed  ScoreStatus = "failed"
)

// Scores is the positional classifier output for one batch.
type Scores struct {
	Model  []float64
	Model1 []float64
	Model2 []float64
}

// ScoreUpdate is a single row's classifier result.
type ScoreUpdate struct {
	ID          int64
	ModelScore  float64
	Model1Score *float64
	Model2Score *float64
}

// ScoredStory is an admitted story with a classifier verdict.
type ScoredStory struct {
	AdmittedStory
	ModelScore     float64
	Model1Score    *float64
	Model2Score    *float64
	ProcessedAt    time.Time
	AboveThreshold bool
}

// DeliveredStory is a scored story acknowledged by the central server.
type DeliveredStory struct {
	ScoredStory
	PostedAt time.Time
}

// Story is one ledger row.
type Story struct {
	ID             int64
	ProjectID      int
	ModelID        int
	Source         Source
	URL            string
	NormalizedURL  string
	PublishedAt    time.Time
	QueuedAt       time.Time
	ProcessedAt    *time.Time
	PostedAt       *time.Time
	ModelScore     *float64
	Model1Score    *float64
	Model2Score    *float64
	AboveThreshold bool
	ScoreStatus    ScoreStatus
	ScoreAttempts  int
}

// Scored reports whether the row already carries a classifier score.
func (s Story) Scored() bool {
	return s.ProcessedAt != nil && s.ModelScore != nil
}

// Posted reports whether the row was delivered.
func (s Story) Posted() bool {
	return s.PostedAt != nil
}

// Batch is the unit of work handed from the fetch domain to the delivery domain.
type Batch struct {
	ID         string          `json:"id"`
	Project    Project         `json:"project"`
	Source     Source          `json:"source"`
	Stories    []AdmittedStory `json:"stories"`
	Attempt    int             `json:"attempt"`
	NotBefore  time.Time       `json:"not_before,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// LedgerIDs lists the ledger ids of the batch in order.
func (b Batch) LedgerIDs() []int64 {
	ids := make([]int64, 0, len(b.Stories))
	for _, s := range b.Stories {
		ids = append(ids, s.LedgerID)
	}
	return ids
}

// Retry returns a copy of the batch scheduled for another attempt.
func (b Batch) Retry(notBefore time.Time) Batch {
	next := b
	next.Attempt = b.Attempt + 1
	next.NotBefore = notBefore
	return next
}

// StoryStats summarises a project's ledger rows.
type StoryStats struct {
	ProjectID     int   `json:"project_id"`
	Total         int64 `json:"total"`
	PostedAbove   int64 `json:"posted_above"`
	UnpostedAbove int64 `json:"unposted_above"`
	Below         int64 `json:"below"`
	Unscored      int64 `json:"unscored"`
	FailedToScore int64 `json:"failed_to_score"`
}

// ScoreBin is one bucket of the rounded model score histogram.
type ScoreBin struct {
	Value     float64 `json:"value"`
	Frequency int64   `json:"frequency"`
}
