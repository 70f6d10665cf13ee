package projects

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const projectList = `[
  {"id": 7, "title": "gender violence MX", "language": "es", "language_model_id": 3,
   "min_confidence": 0.75, "search_terms": "feminicidio", "newscatcher_country": "MX",
   "media_collections": [34412234], "rss_url": null, "start_date": "2024-01-01",
   "update_post_url": null},
  {"id": 9, "title": "alerts only", "language": "en", "language_model_id": 1,
   "search_terms": "femicide", "rss_url": "https://www.google.com/alerts/feeds/1/2"}
]`

func TestProjectsRefreshesAndCaches(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(projectList))
	}))
	defer srv.Close()

	cacheFile := filepath.Join(t.TempDir(), "files", "projects.json")
	c, err := NewClient(Config{URL: srv.URL, APIKey: "key", CacheFile: cacheFile}, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	list, err := c.Projects(context.Background())
	if err != nil {
		t.Fatalf("Projects returned error: %v", err)
	}
	if len(list) != 2 || list[0].ID != 7 || list[0].MinConfidence != 0.75 || len(list[0].MediaCollections) != 1 {
		t.Fatalf("unexpected projects: %+v", list)
	}
	if list[1].RSSURL == "" || list[0].RSSURL != "" {
		t.Fatalf("unexpected rss urls: %+v", list)
	}
	if len(c.Last()) != 2 {
		t.Fatalf("expected Last to remember the list")
	}

	cached, err := os.ReadFile(cacheFile)
	if err != nil || !strings.Contains(string(cached), "gender violence MX") {
		t.Fatalf("expected cache file to be written: %v", err)
	}
}

func TestProjectsFallsBackToCache(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cacheFile := filepath.Join(t.TempDir(), "projects.json")
	if err := os.WriteFile(cacheFile, []byte(projectList), 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	c, err := NewClient(Config{URL: srv.URL, CacheFile: cacheFile}, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	list, err := c.Projects(context.Background())
	if err != nil {
		t.Fatalf("Projects returned error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected cached projects, got %d", len(list))
	}
}

func TestProjectsRejectsInvalidList(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": "seven", "title": "bad"}]`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	_, err = c.Projects(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid project list") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestDecodeRejectsEmptyList(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{}, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	if _, err := c.decode([]byte(`[]`)); !errors.Is(err, ErrNoProjects) {
		t.Fatalf("expected ErrNoProjects, got %v", err)
	}
}
