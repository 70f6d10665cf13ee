package storage

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

type ledgerKey struct {
	projectID     int
	normalizedURL string
}

// MemoryRepository keeps the ledger and watermarks in process memory. It is
// used by tests and by single-process runs without a database.
type MemoryRepository struct {
	mu         sync.Mutex
	nextID     int64
	stories    map[int64]*domain.Story
	byKey      map[ledgerKey]int64
	watermarks map[int]*domain.Watermark
	now        func() time.Time
}

var (
	_ ports.StoryLedger    = (*MemoryRepository)(nil)
	_ ports.LedgerReporter = (*MemoryRepository)(nil)
	_ ports.WatermarkStore = (*MemoryRepository)(nil)
)

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		stories:    make(map[int64]*domain.Story),
		byKey:      make(map[ledgerKey]int64),
		watermarks: make(map[int]*domain.Watermark),
		now:        time.Now,
	}
}

func (r *MemoryRepository) InsertIfAbsent(_ context.Context, story domain.NewStory) (domain.InsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ledgerKey{projectID: story.ProjectID, normalizedURL: story.NormalizedURL}
	if _, ok := r.byKey[key]; ok {
		return domain.InsertResult{Outcome: domain.AlreadyExists}, nil
	}
	r.nextID++
	id := r.nextID
	r.stories[id] = &domain.Story{
		ID:            id,
		ProjectID:     story.ProjectID,
		ModelID:       story.ModelID,
		Source:        story.Source,
		URL:           story.URL,
		NormalizedURL: story.NormalizedURL,
		PublishedAt:   story.PublishedAt.UTC(),
		QueuedAt:      story.QueuedAt.UTC(),
		ScoreStatus:   domain.ScorePending,
	}
	r.byKey[key] = id
	return domain.InsertResult{Outcome: domain.Inserted, ID: id}, nil
}

func (r *MemoryRepository) Release(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		s, ok := r.stories[id]
		if !ok || s.ProcessedAt != nil {
			continue
		}
		r.remove(s)
	}
	return nil
}

func (r *MemoryRepository) Stories(_ context.Context, ids []int64) ([]domain.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Story, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.stories[id]; ok {
			out = append(out, copyStory(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) RecordScores(_ context.Context, updates []domain.ScoreUpdate, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	at := processedAt.UTC()
	for _, u := range updates {
		s, ok := r.stories[u.ID]
		if !ok || s.ProcessedAt != nil {
			continue
		}
		score := u.ModelScore
		s.ModelScore = &score
		s.Model1Score = cloneFloat(u.Model1Score)
		s.Model2Score = cloneFloat(u.Model2Score)
		processed := at
		s.ProcessedAt = &processed
		s.ScoreStatus = domain.ScoreScored
	}
	return nil
}

func (r *MemoryRepository) RecordScoreAttempt(_ context.Context, ids []int64) error {
	r.each(ids, func(s *domain.Story) {
		if s.ProcessedAt == nil {
			s.ScoreAttempts++
		}
	})
	return nil
}

func (r *MemoryRepository) MarkScoreFailed(_ context.Context, ids []int64) error {
	r.each(ids, func(s *domain.Story) {
		if s.ProcessedAt == nil {
			s.ScoreStatus = domain.ScoreFailed
		}
	})
	return nil
}

func (r *MemoryRepository) MarkAboveThreshold(_ context.Context, ids []int64) error {
	r.each(ids, func(s *domain.Story) {
		if s.ProcessedAt != nil {
			s.AboveThreshold = true
		}
	})
	return nil
}

func (r *MemoryRepository) MarkPosted(_ context.Context, ids []int64, postedAt time.Time) error {
	at := postedAt.UTC()
	r.each(ids, func(s *domain.Story) {
		if s.AboveThreshold && s.PostedAt == nil {
			posted := at
			s.PostedAt = &posted
		}
	})
	return nil
}

func (r *MemoryRepository) DeleteQueuedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.stories {
		if s.QueuedAt.Before(cutoff) {
			r.remove(s)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountProcessedSince(_ context.Context, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.stories {
		if s.ProcessedAt != nil && !s.ProcessedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) UnpostedAbove(_ context.Context, projectID int, since time.Time, limit int) ([]domain.Story, error) {
	return r.filter(limit, func(s *domain.Story) bool {
		return s.ProjectID == projectID && s.AboveThreshold && s.PostedAt == nil && !s.QueuedAt.Before(since)
	}), nil
}

func (r *MemoryRepository) StalePending(_ context.Context, projectID int, since, queuedBefore time.Time, limit int) ([]domain.Story, error) {
	return r.filter(limit, func(s *domain.Story) bool {
		return s.ProjectID == projectID && s.ProcessedAt == nil && s.ScoreStatus == domain.ScorePending &&
			!s.QueuedAt.Before(since) && s.QueuedAt.Before(queuedBefore)
	}), nil
}

func (r *MemoryRepository) ProjectStats(_ context.Context, projectID int) (domain.StoryStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := domain.StoryStats{ProjectID: projectID}
	for _, s := range r.stories {
		if s.ProjectID != projectID {
			continue
		}
		stats.Total++
		switch {
		case s.AboveThreshold && s.PostedAt != nil:
			stats.PostedAbove++
		case s.AboveThreshold:
			stats.UnpostedAbove++
		case s.ProcessedAt != nil:
			stats.Below++
		case s.ScoreStatus == domain.ScoreFailed:
			stats.FailedToScore++
		default:
			stats.Unscored++
		}
	}
	return stats, nil
}

func (r *MemoryRepository) BinnedScores(_ context.Context, projectID int) ([]domain.ScoreBin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[float64]int64{}
	for _, s := range r.stories {
		if s.ProjectID != projectID || s.ModelScore == nil {
			continue
		}
		counts[math.Round(*s.ModelScore*10)/10]++
	}
	bins := make([]domain.ScoreBin, 0, len(counts))
	for v, n := range counts {
		bins = append(bins, domain.ScoreBin{Value: v, Frequency: n})
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].Value < bins[j].Value })
	return bins, nil
}

func (r *MemoryRepository) RecentStories(_ context.Context, projectID int, aboveThreshold bool, limit int) ([]domain.Story, error) {
	if limit <= 0 {
		limit = 5
	}
	since := r.now().UTC().AddDate(0, 0, -7)
	return r.filter(limit, func(s *domain.Story) bool {
		return s.ProjectID == projectID && s.AboveThreshold == aboveThreshold && s.PublishedAt.After(since)
	}), nil
}

func (r *MemoryRepository) Register(_ context.Context, projectID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watermarks[projectID]; ok {
		return nil
	}
	now := r.now().UTC()
	r.watermarks[projectID] = &domain.Watermark{
		ProjectID: projectID,
		LastSeen:  map[domain.Source]time.Time{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (r *MemoryRepository) Watermark(_ context.Context, projectID int) (domain.Watermark, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wm, ok := r.watermarks[projectID]
	if !ok {
		return domain.Watermark{}, domain.ErrNotFound
	}
	out := *wm
	out.LastSeen = make(map[domain.Source]time.Time, len(wm.LastSeen))
	for k, v := range wm.LastSeen {
		out.LastSeen[k] = v
	}
	return out, nil
}

func (r *MemoryRepository) Advance(_ context.Context, projectID int, source domain.Source, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	wm, ok := r.watermarks[projectID]
	if !ok {
		wm = &domain.Watermark{ProjectID: projectID, LastSeen: map[domain.Source]time.Time{}, CreatedAt: now}
		r.watermarks[projectID] = wm
	}
	if cur, ok := wm.LastSeen[source]; !ok || lastSeen.After(cur) {
		wm.LastSeen[source] = lastSeen.UTC()
	}
	wm.UpdatedAt = now
	return nil
}

// Len returns the number of ledger rows.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stories)
}

func (r *MemoryRepository) each(ids []int64, fn func(*domain.Story)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if s, ok := r.stories[id]; ok {
			fn(s)
		}
	}
}

func (r *MemoryRepository) filter(limit int, keep func(*domain.Story) bool) []domain.Story {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Story
	for _, s := range r.stories {
		if keep(s) {
			out = append(out, copyStory(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) remove(s *domain.Story) {
	delete(r.byKey, ledgerKey{projectID: s.ProjectID, normalizedURL: s.NormalizedURL})
	delete(r.stories, s.ID)
}

func copyStory(s *domain.Story) domain.Story {
	out := *s
	out.ModelScore = cloneFloat(s.ModelScore)
	out.Model1Score = cloneFloat(s.Model1Score)
	out.Model2Score = cloneFloat(s.Model2Score)
	if s.ProcessedAt != nil {
		t := *s.ProcessedAt
		out.ProcessedAt = &t
	}
	if s.PostedAt != nil {
		t := *s.PostedAt
		out.PostedAt = &t
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}
