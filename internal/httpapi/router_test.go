package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/infrastructure/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func seededRepository(t *testing.T) *storage.MemoryRepository {
	t.Helper()

	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	queued := time.Now().Add(-time.Hour)
	var updates []domain.ScoreUpdate
	for i, u := range []string{"https://a.example/1", "https://a.example/2", "https://a.example/3"} {
		res, err := repo.InsertIfAbsent(ctx, domain.NewStory{
			ProjectID:     7,
			Source:        domain.SourceMediaCloud,
			URL:           u,
			NormalizedURL: domain.NormalizeURL(u),
			PublishedAt:   queued,
			QueuedAt:      queued,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		updates = append(updates, domain.ScoreUpdate{ID: res.ID, ModelScore: 0.3 * float64(i+1)})
	}
	if err := repo.RecordScores(ctx, updates, queued.Add(time.Minute)); err != nil {
		t.Fatalf("record scores: %v", err)
	}
	if err := repo.MarkAboveThreshold(ctx, []int64{updates[2].ID}); err != nil {
		t.Fatalf("mark above: %v", err)
	}
	return repo
}

func get(t *testing.T, r http.Handler, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s response %q: %v", path, rec.Body.String(), err)
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec, _ := get(t, NewRouter(storage.NewMemoryRepository(), nil, nil), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	down := pingerFunc(func(context.Context) error { return errors.New("connection refused") })
	rec, _ = get(t, NewRouter(storage.NewMemoryRepository(), down, nil), "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when database is down, got %d", rec.Code)
	}
}

func TestProjectStats(t *testing.T) {
	t.Parallel()

	r := NewRouter(seededRepository(t), nil, nil)
	rec, body := get(t, r, "/projects/7/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var stats domain.StoryStats
	if err := json.Unmarshal(body["stats"], &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 3 || stats.UnpostedAbove != 1 || stats.Below != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	var bins []domain.ScoreBin
	if err := json.Unmarshal(body["scores"], &bins); err != nil {
		t.Fatalf("decode bins: %v", err)
	}
	if len(bins) == 0 {
		t.Fatalf("expected score histogram")
	}

	rec, _ = get(t, r, "/projects/abc/stats")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
}

func TestRecentStories(t *testing.T) {
	t.Parallel()

	r := NewRouter(seededRepository(t), nil, nil)

	rec, body := get(t, r, "/projects/7/stories/recent?above=false&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stories []storyView
	if err := json.Unmarshal(body["stories"], &stories); err != nil {
		t.Fatalf("decode stories: %v", err)
	}
	if len(stories) != 2 {
		t.Fatalf("expected 2 below-threshold stories, got %d", len(stories))
	}

	_, body = get(t, r, "/projects/7/stories/recent")
	if err := json.Unmarshal(body["stories"], &stories); err != nil {
		t.Fatalf("decode stories: %v", err)
	}
	if len(stories) != 1 || !stories[0].AboveThreshold {
		t.Fatalf("expected the above-threshold story by default, got %+v", stories)
	}

	rec, _ = get(t, r, "/projects/7/stories/recent?limit=0")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero limit, got %d", rec.Code)
	}
}
