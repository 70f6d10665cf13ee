package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

// Config configures delivery to the central server.
type Config struct {
	BaseURL string
	APIKey  string
	Version string
	Timeout time.Duration
}

// StatusError is returned when the central server rejects a post.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("central server returned %s", e.Status)
	}
	return fmt.Sprintf("central server returned %s: %s", e.Status, e.Body)
}

// Client posts classified stories to the central server.
type Client struct {
	baseURL    string
	apiKey     string
	version    string
	httpClient *http.Client
	archive    ports.PostArchive
	logger     *slog.Logger
}

var _ ports.Sink = (*Client)(nil)

// NewClient builds a client from configuration. archive may be nil.
func NewClient(cfg Config, archive ports.PostArchive, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	version := cfg.Version
	if version == "" {
		version = "1.0.0"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		version:    version,
		httpClient: &http.Client{Timeout: timeout},
		archive:    archive,
		logger:     logger,
	}
}

// Story is the per-story record the central server accepts.
type Story struct {
	Source          domain.Source `json:"source"`
	Language        string        `json:"language"`
	MediaID         *int          `json:"media_id"`
	MediaURL        string        `json:"media_url"`
	MediaName       string        `json:"media_name"`
	PublishDate     *time.Time    `json:"publish_date"`
	StoryTags       []string      `json:"story_tags"`
	Title           string        `json:"title"`
	URL             string        `json:"url"`
	Entities        []string      `json:"entities"`
	Confidence      float64       `json:"confidence"`
	Model1Score     *float64      `json:"model_1_score,omitempty"`
	Model2Score     *float64      `json:"model_2_score,omitempty"`
	LogDBID         int64         `json:"log_db_id"`
	ProjectID       int           `json:"project_id"`
	LanguageModelID int           `json:"language_model_id"`
}

// Payload is the body of one delivery.
type Payload struct {
	Version string         `json:"version"`
	Project domain.Project `json:"project"`
	Stories []Story        `json:"stories"`
	APIKey  string         `json:"api_key"`
}

// Post delivers one chunk of stories. Any non-2xx answer is returned as a
// *StatusError; the caller decides whether to retry.
func (c *Client) Post(ctx context.Context, project domain.Project, stories []domain.ScoredStory) error {
	if c == nil {
		return fmt.Errorf("sink client is nil")
	}
	if len(stories) == 0 {
		return nil
	}
	target := c.targetURL(project)
	if target == "" {
		return fmt.Errorf("no delivery url for project %d", project.ID)
	}

	payload := BuildPayload(c.version, c.apiKey, project, stories)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal stories payload: %w", err)
	}
	c.archiveCopy(ctx, project.ID, payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post stories: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}

func (c *Client) targetURL(project domain.Project) string {
	if u := strings.TrimSpace(project.UpdatePostURL); u != "" {
		return u
	}
	if c.baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/projects/%d/stories", c.baseURL, project.ID)
}

// BuildPayload converts scored stories into the central server's format.
func BuildPayload(version, apiKey string, project domain.Project, stories []domain.ScoredStory) Payload {
	out := Payload{
		Version: version,
		Project: project,
		Stories: make([]Story, 0, len(stories)),
		APIKey:  apiKey,
	}
	for _, s := range stories {
		cand := s.Candidate
		story := Story{
			Source:          cand.Source,
			Language:        cand.Language,
			MediaURL:        cand.MediaURL,
			MediaName:       cand.MediaName,
			Title:           cand.Title,
			URL:             cand.URL,
			Confidence:      s.ModelScore,
			Model1Score:     s.Model1Score,
			Model2Score:     s.Model2Score,
			LogDBID:         s.LedgerID,
			ProjectID:       project.ID,
			LanguageModelID: project.LanguageModelID,
		}
		if cand.MediaID != 0 {
			id := cand.MediaID
			story.MediaID = &id
		}
		if !cand.PublishedAt.IsZero() {
			published := cand.PublishedAt.UTC()
			story.PublishDate = &published
		}
		if story.Language == "" {
			story.Language = project.Language
		}
		if story.MediaURL == "" {
			story.MediaURL = domain.CanonicalDomain(cand.URL)
		}
		if story.MediaName == "" {
			story.MediaName = story.MediaURL
		}
		out.Stories = append(out.Stories, story)
	}
	return out
}

// archiveCopy stores the payload without the API key. Archive failures only log.
func (c *Client) archiveCopy(ctx context.Context, projectID int, payload Payload) {
	if c.archive == nil {
		return
	}
	payload.APIKey = ""
	pretty, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		return
	}
	if err := c.archive.Store(ctx, projectID, pretty); err != nil && c.logger != nil {
		c.logger.Warn("archive posted payload failed", "project_id", projectID, "error", err)
	}
}
