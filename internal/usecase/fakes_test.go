package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

var fixedNow = time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type fakeQueue struct {
	mu          sync.Mutex
	batches     []domain.Batch
	dead        []domain.Batch
	reasons     []error
	failEnqueue error
}

func (q *fakeQueue) Enqueue(_ context.Context, batch domain.Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnqueue != nil {
		return q.failEnqueue
	}
	q.batches = append(q.batches, batch)
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, handler ports.BatchHandler) error {
	for {
		q.mu.Lock()
		if len(q.batches) == 0 {
			q.mu.Unlock()
			return nil
		}
		batch := q.batches[0]
		q.batches = q.batches[1:]
		q.mu.Unlock()
		if err := handler(ctx, batch); err != nil {
			return err
		}
	}
}

func (q *fakeQueue) DeadLetter(_ context.Context, batch domain.Batch, reason error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, batch)
	q.reasons = append(q.reasons, reason)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) stories() []domain.AdmittedStory {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.AdmittedStory
	for _, b := range q.batches {
		out = append(out, b.Stories...)
	}
	return out
}

// fakeAdapter serves pages indexed by token ("" is page 0, "1" is page 1, ...).
type fakeAdapter struct {
	source   domain.Source
	count    int
	countErr error

	mu       sync.Mutex
	pages    []domain.Page
	pageErrs map[int][]error
	windows  []domain.Window
	calls    int
}

func (a *fakeAdapter) Source() domain.Source { return a.source }

func (a *fakeAdapter) Count(_ context.Context, _ domain.Project, window domain.Window) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windows = append(a.windows, window)
	return a.count, a.countErr
}

func (a *fakeAdapter) FetchPage(_ context.Context, _ domain.Project, _ domain.Window, token string) (domain.Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	idx := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return domain.Page{}, err
		}
		idx = n
	}
	if errs := a.pageErrs[idx]; len(errs) > 0 {
		a.pageErrs[idx] = errs[1:]
		return domain.Page{}, errs[0]
	}
	if idx >= len(a.pages) {
		return domain.Page{}, nil
	}
	return a.pages[idx], nil
}

// pagesOf splits items into pages chained by numeric tokens.
func pagesOf(perPage int, items ...domain.RawCandidate) []domain.Page {
	var pages []domain.Page
	for start := 0; start < len(items); start += perPage {
		end := min(start+perPage, len(items))
		page := domain.Page{Items: items[start:end]}
		if end < len(items) {
			page.NextToken = strconv.Itoa(len(pages) + 1)
		}
		pages = append(pages, page)
	}
	return pages
}

func candidate(url string, published time.Time) domain.RawCandidate {
	return domain.RawCandidate{URL: url, Title: "title " + url, Text: "text of " + url, PublishedAt: published, Language: "en"}
}

type fakeExtractor struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (e *fakeExtractor) Extract(_ context.Context, url string) (ports.Extraction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail[url] {
		return ports.Extraction{}, errors.New("page unavailable")
	}
	return ports.Extraction{Text: "extracted " + url, Title: "extracted title"}, nil
}

// fakeClassifier scores each input by its title, falling back to 0.5.
type fakeClassifier struct {
	mu      sync.Mutex
	byTitle map[string]float64
	err     error
	calls   int
	inputs  int
}

func (c *fakeClassifier) Score(_ context.Context, _ domain.Project, stories []ports.ClassifierInput) (domain.Scores, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.inputs += len(stories)
	if c.err != nil {
		return domain.Scores{}, c.err
	}
	out := domain.Scores{}
	for _, s := range stories {
		score, ok := c.byTitle[s.Title]
		if !ok {
			score = 0.5
		}
		out.Model = append(out.Model, score)
	}
	return out, nil
}

// fakeSink records every chunk and fails the calls listed in failCalls (1-based).
type fakeSink struct {
	mu        sync.Mutex
	calls     int
	failCalls map[int]bool
	posted    [][]int64
}

func (s *fakeSink) Post(_ context.Context, _ domain.Project, stories []domain.ScoredStory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failCalls[s.calls] {
		return fmt.Errorf("sink returned status 500")
	}
	ids := make([]int64, 0, len(stories))
	for _, st := range stories {
		ids = append(ids, st.LedgerID)
	}
	s.posted = append(s.posted, ids)
	return nil
}

func (s *fakeSink) postedIDs() map[int64]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]int{}
	for _, chunk := range s.posted {
		for _, id := range chunk {
			out[id]++
		}
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
}

func (n *fakeNotifier) Notify(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	n.bodies = append(n.bodies, body)
	return nil
}
