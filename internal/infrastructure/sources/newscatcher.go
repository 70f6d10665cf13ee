package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/scanner"
)

const (
	newscatcherBaseURL = "https://api.newscatcherapi.com"
	newscatcherDay     = "2006/01/02"
)

// NewscatcherConfig configures the Newscatcher adapter.
type NewscatcherConfig struct {
	BaseURL       string
	APIKey        string
	PageSize      int
	RatePerSecond float64
}

// Newscatcher queries the Newscatcher aggregator. It only serves projects
// with at least one country configured; the page token is the page number.
type Newscatcher struct {
	api      apiClient
	baseURL  string
	pageSize int
}

var _ scanner.Adapter = (*Newscatcher)(nil)

func NewNewscatcher(client *http.Client, cfg NewscatcherConfig) *Newscatcher {
	api := newAPIClient(client, cfg.RatePerSecond)
	if cfg.APIKey != "" {
		api.header.Set("x-api-key", cfg.APIKey)
	}
	base := cfg.BaseURL
	if base == "" {
		base = newscatcherBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &Newscatcher{api: api, baseURL: base, pageSize: pageSize}
}

func (n *Newscatcher) Source() domain.Source {
	return domain.SourceNewscatcher
}

type ncArticle struct {
	Title         string `json:"title"`
	Link          string `json:"link"`
	PublishedDate string `json:"published_date"`
	CleanURL      string `json:"clean_url"`
	Language      string `json:"language"`
	Summary       string `json:"summary"`
}

type ncResponse struct {
	Status     string      `json:"status"`
	TotalHits  int         `json:"total_hits"`
	Page       int         `json:"page"`
	TotalPages int         `json:"total_pages"`
	Articles   []ncArticle `json:"articles"`
}

func (n *Newscatcher) Count(ctx context.Context, project domain.Project, window domain.Window) (int, error) {
	if !project.HasCountry() {
		return 0, nil
	}
	var out ncResponse
	if err := n.api.getJSON(ctx, n.searchURL(project, window, 1, 1), &out); err != nil {
		return 0, fmt.Errorf("newscatcher count: %w", err)
	}
	return out.TotalHits, nil
}

func (n *Newscatcher) FetchPage(ctx context.Context, project domain.Project, window domain.Window, pageToken string) (domain.Page, error) {
	if !project.HasCountry() {
		return domain.Page{}, nil
	}
	pageNum := 1
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil || parsed < 1 {
			return domain.Page{}, scanner.Permanent(fmt.Errorf("malformed newscatcher page token %q", pageToken))
		}
		pageNum = parsed
	}

	var out ncResponse
	if err := n.api.getJSON(ctx, n.searchURL(project, window, pageNum, n.pageSize), &out); err != nil {
		return domain.Page{}, fmt.Errorf("newscatcher search page %d: %w", pageNum, err)
	}

	page := domain.Page{Items: make([]domain.RawCandidate, 0, len(out.Articles))}
	for _, a := range out.Articles {
		c := domain.RawCandidate{
			URL:       a.Link,
			Title:     a.Title,
			Language:  a.Language,
			MediaURL:  a.CleanURL,
			MediaName: a.CleanURL,
			Source:    domain.SourceNewscatcher,
		}
		if c.Language == "" {
			c.Language = project.Language
		}
		if t, ok := domain.ParseLooseTime(a.PublishedDate); ok {
			c.PublishedAt = t
		}
		page.Items = append(page.Items, c)
	}
	if pageNum < out.TotalPages && len(out.Articles) > 0 {
		page.NextToken = strconv.Itoa(pageNum + 1)
	}
	return page, nil
}

func (n *Newscatcher) searchURL(project domain.Project, window domain.Window, page, pageSize int) string {
	q := url.Values{}
	q.Set("q", quoteTerms(project.SearchTerms))
	q.Set("lang", project.Language)
	q.Set("countries", strings.Join(project.Countries(), ","))
	q.Set("from", window.Start.UTC().Format(newscatcherDay))
	q.Set("to", window.End.UTC().Format(newscatcherDay))
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	return joinPath(n.baseURL, "/v2/search") + "?" + q.Encode()
}
