package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/scanner"
)

const (
	waybackBaseURL      = "https://wayback-api.archive.org/colsearch"
	waybackCollection   = "mediacloud"
	waybackDay          = "2006-01-02"
	waybackDomainsChunk = 200
)

// DomainLister resolves collections into domain names.
type DomainLister interface {
	Domains(ctx context.Context, collections []int) ([]string, error)
}

// WaybackConfig configures the Wayback Machine news archive adapter.
type WaybackConfig struct {
	BaseURL       string
	Collection    string
	PageSize      int
	RatePerSecond float64
}

// Wayback searches the Wayback Machine news archive. Long domain lists are
// split into chunks and the page token carries the chunk index and the
// archive's resume key.
type Wayback struct {
	api        apiClient
	baseURL    string
	collection string
	pageSize   int
	domains    DomainLister
	logger     *slog.Logger
}

var _ scanner.Adapter = (*Wayback)(nil)

func NewWayback(client *http.Client, cfg WaybackConfig, domains DomainLister, logger *slog.Logger) *Wayback {
	base := cfg.BaseURL
	if base == "" {
		base = waybackBaseURL
	}
	collection := cfg.Collection
	if collection == "" {
		collection = waybackCollection
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Wayback{
		api:        newAPIClient(client, cfg.RatePerSecond),
		baseURL:    base,
		collection: collection,
		pageSize:   pageSize,
		domains:    domains,
		logger:     logger,
	}
}

func (w *Wayback) Source() domain.Source {
	return domain.SourceWaybackMachine
}

type wbOverview struct {
	Total int `json:"total"`
}

type wbResult struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Title           string `json:"title"`
	Language        string `json:"language"`
	PublicationDate string `json:"publication_date"`
	Domain          string `json:"domain"`
	ArticleURL      string `json:"article_url"`
}

type wbResultPage struct {
	Results    []wbResult `json:"results"`
	Pagination struct {
		Resume string `json:"resume"`
	} `json:"pagination"`
}

type wbArticle struct {
	Snippet string `json:"snippet"`
}

func (w *Wayback) Count(ctx context.Context, project domain.Project, window domain.Window) (int, error) {
	chunks, err := w.domainChunks(ctx, project)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, chunk := range chunks {
		var out wbOverview
		if err := w.api.getJSON(ctx, w.searchURL("overview", project, window, chunk, nil), &out); err != nil {
			return 0, fmt.Errorf("wayback overview: %w", err)
		}
		total += out.Total
	}
	return total, nil
}

func (w *Wayback) FetchPage(ctx context.Context, project domain.Project, window domain.Window, pageToken string) (domain.Page, error) {
	chunks, err := w.domainChunks(ctx, project)
	if err != nil {
		return domain.Page{}, err
	}
	idx, resume, err := parseWaybackToken(pageToken)
	if err != nil {
		return domain.Page{}, scanner.Permanent(err)
	}
	if idx >= len(chunks) {
		return domain.Page{}, nil
	}

	extra := url.Values{}
	extra.Set("page_size", strconv.Itoa(w.pageSize))
	if resume != "" {
		extra.Set("resume", resume)
	}
	var out wbResultPage
	if err := w.api.getJSON(ctx, w.searchURL("result", project, window, chunks[idx], extra), &out); err != nil {
		return domain.Page{}, fmt.Errorf("wayback result: %w", err)
	}

	page := domain.Page{Items: make([]domain.RawCandidate, 0, len(out.Results))}
	for _, r := range out.Results {
		page.Items = append(page.Items, w.candidate(ctx, r))
	}

	switch {
	case out.Pagination.Resume != "" && len(out.Results) > 0:
		page.NextToken = formatWaybackToken(idx, out.Pagination.Resume)
	case idx+1 < len(chunks):
		page.NextToken = formatWaybackToken(idx+1, "")
	}
	return page, nil
}

// candidate converts a search hit. The archive keeps a pre-parsed copy of
// each article; its snippet saves a fetch of the live page.
func (w *Wayback) candidate(ctx context.Context, r wbResult) domain.RawCandidate {
	c := domain.RawCandidate{
		URL:       r.URL,
		Title:     r.Title,
		Language:  r.Language,
		MediaURL:  r.Domain,
		MediaName: r.Domain,
		Source:    domain.SourceWaybackMachine,
	}
	if t, ok := domain.ParseLooseTime(r.PublicationDate); ok {
		c.PublishedAt = t
	}
	if r.ArticleURL != "" {
		var article wbArticle
		if err := w.api.getJSON(ctx, r.ArticleURL, &article); err != nil {
			if w.logger != nil {
				w.logger.Debug("wayback article fetch failed", "id", r.ID, "error", err)
			}
		} else {
			c.Text = article.Snippet
		}
	}
	return c
}

func (w *Wayback) domainChunks(ctx context.Context, project domain.Project) ([][]string, error) {
	if w.domains == nil || len(project.MediaCollections) == 0 {
		return nil, nil
	}
	domains, err := w.domains.Domains(ctx, project.MediaCollections)
	if err != nil {
		return nil, fmt.Errorf("resolve project domains: %w", err)
	}
	var chunks [][]string
	for start := 0; start < len(domains); start += waybackDomainsChunk {
		chunks = append(chunks, domains[start:min(start+waybackDomainsChunk, len(domains))])
	}
	return chunks, nil
}

func (w *Wayback) searchURL(endpoint string, project domain.Project, window domain.Window, domains []string, extra url.Values) string {
	q := url.Values{}
	q.Set("q", WaybackQuery(project, window, domains))
	for k, v := range extra {
		q[k] = v
	}
	return joinPath(w.baseURL, fmt.Sprintf("/v1/%s/search/%s", w.collection, endpoint)) + "?" + q.Encode()
}

// WaybackQuery builds the archive's lucene-style query for one domain chunk.
func WaybackQuery(project domain.Project, window domain.Window, domains []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(%s) AND (language:%s) AND publication_date:[%s TO %s]",
		quoteTerms(project.SearchTerms),
		project.Language,
		window.Start.UTC().Format(waybackDay),
		window.End.UTC().Format(waybackDay),
	)
	if len(domains) > 0 {
		b.WriteString(" AND (")
		for i, d := range domains {
			if i > 0 {
				b.WriteString(" OR ")
			}
			b.WriteString("domain:")
			b.WriteString(d)
		}
		b.WriteString(")")
	}
	return b.String()
}

func formatWaybackToken(chunk int, resume string) string {
	return strconv.Itoa(chunk) + ":" + resume
}

func parseWaybackToken(token string) (int, string, error) {
	if token == "" {
		return 0, "", nil
	}
	rawIdx, resume, found := strings.Cut(token, ":")
	if !found {
		return 0, "", errors.New("malformed wayback page token")
	}
	idx, err := strconv.Atoi(rawIdx)
	if err != nil || idx < 0 {
		return 0, "", fmt.Errorf("malformed wayback page token %q", token)
	}
	return idx, resume, nil
}
