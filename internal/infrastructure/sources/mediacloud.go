package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/scanner"
)

const (
	mediaCloudBaseURL  = "https://search.mediacloud.org"
	mediaCloudPlatform = "onlinenews-mediacloud"
	mediaCloudDay      = "2006-01-02"
)

// Retired collections whose stories moved to replacement ids.
var collectionReplacements = map[int]int{
	38379429: 262985212, // United States - state and local
	38381372: 262985215, // Massachusetts - state and local
}

// MediaCloudConfig configures the Media Cloud search adapter.
type MediaCloudConfig struct {
	BaseURL       string
	APIKey        string
	PageSize      int
	RatePerSecond float64
}

// MediaCloud searches the Media Cloud online news index by indexed date.
type MediaCloud struct {
	api      apiClient
	baseURL  string
	pageSize int
}

var _ scanner.Adapter = (*MediaCloud)(nil)

func NewMediaCloud(client *http.Client, cfg MediaCloudConfig) *MediaCloud {
	api := newAPIClient(client, cfg.RatePerSecond)
	if cfg.APIKey != "" {
		api.header.Set("Authorization", "Token "+cfg.APIKey)
	}
	base := cfg.BaseURL
	if base == "" {
		base = mediaCloudBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &MediaCloud{api: api, baseURL: base, pageSize: pageSize}
}

func (m *MediaCloud) Source() domain.Source {
	return domain.SourceMediaCloud
}

type mcCountResponse struct {
	Count struct {
		Relevant int `json:"relevant"`
		Total    int `json:"total"`
	} `json:"count"`
}

type mcStory struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Language    string `json:"language"`
	Text        string `json:"text"`
	PublishDate string `json:"publish_date"`
	IndexedDate string `json:"indexed_date"`
	MediaID     int    `json:"media_id"`
	MediaURL    string `json:"media_url"`
	MediaName   string `json:"media_name"`
}

type mcListResponse struct {
	Stories         []mcStory `json:"stories"`
	PaginationToken string    `json:"pagination_token"`
}

func (m *MediaCloud) Count(ctx context.Context, project domain.Project, window domain.Window) (int, error) {
	var out mcCountResponse
	if err := m.api.getJSON(ctx, m.searchURL("total-count", project, window, nil), &out); err != nil {
		return 0, fmt.Errorf("media cloud count: %w", err)
	}
	return out.Count.Relevant, nil
}

func (m *MediaCloud) FetchPage(ctx context.Context, project domain.Project, window domain.Window, pageToken string) (domain.Page, error) {
	extra := url.Values{}
	extra.Set("sort_order", "desc")
	extra.Set("page_size", strconv.Itoa(m.pageSize))
	extra.Set("expanded", "1")
	if pageToken != "" {
		extra.Set("pagination_token", pageToken)
	}

	var out mcListResponse
	if err := m.api.getJSON(ctx, m.searchURL("story-list", project, window, extra), &out); err != nil {
		return domain.Page{}, fmt.Errorf("media cloud story list: %w", err)
	}

	page := domain.Page{Items: make([]domain.RawCandidate, 0, len(out.Stories))}
	for _, s := range out.Stories {
		page.Items = append(page.Items, s.candidate())
	}
	if len(out.Stories) > 0 {
		page.NextToken = out.PaginationToken
	}
	return page, nil
}

func (s mcStory) candidate() domain.RawCandidate {
	c := domain.RawCandidate{
		URL:       s.URL,
		Title:     s.Title,
		Language:  s.Language,
		Text:      s.Text,
		MediaID:   s.MediaID,
		MediaURL:  s.MediaURL,
		MediaName: s.MediaName,
		Source:    domain.SourceMediaCloud,
	}
	if t, ok := domain.ParseLooseTime(s.PublishDate); ok {
		c.PublishedAt = t
	}
	if t, ok := domain.ParseLooseTime(s.IndexedDate); ok {
		c.IndexedAt = t
	}
	return c
}

func (m *MediaCloud) searchURL(endpoint string, project domain.Project, window domain.Window, extra url.Values) string {
	q := url.Values{}
	q.Set("q", MediaCloudQuery(project, window))
	q.Set("start", window.Start.UTC().Format(mediaCloudDay))
	q.Set("end", window.End.UTC().Format(mediaCloudDay))
	q.Set("platform", mediaCloudPlatform)
	if cs := collectionList(project.MediaCollections); cs != "" {
		q.Set("cs", cs)
	}
	for k, v := range extra {
		q[k] = v
	}
	return joinPath(m.baseURL, "/api/search/"+endpoint) + "?" + q.Encode()
}

// MediaCloudQuery restricts the project's terms to its language and to the
// indexed-date window.
func MediaCloudQuery(project domain.Project, window domain.Window) string {
	return fmt.Sprintf("(%s) AND language:%s AND indexed_date:{%s TO %s]",
		quoteTerms(project.SearchTerms),
		project.Language,
		window.Start.UTC().Format(time.RFC3339),
		window.End.UTC().Format(time.RFC3339),
	)
}

func collectionList(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if replacement, ok := collectionReplacements[id]; ok {
			id = replacement
		}
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ",")
}
