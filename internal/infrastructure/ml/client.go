package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

// Client talks to the external classification service that hosts the
// per-language story models.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.Classifier = (*Client)(nil)

// NewClient creates a reusable HTTP client. A zero timeout falls back to 60s
// because scoring a full batch is slow.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

type classifyStory struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type classifyRequest struct {
	ProjectID       int             `json:"project_id"`
	LanguageModelID int             `json:"language_model_id"`
	LanguageModel   string          `json:"language_model,omitempty"`
	Language        string          `json:"language"`
	Stories         []classifyStory `json:"stories"`
}

type classifyResponse struct {
	ModelScores  []float64 `json:"model_scores"`
	Model1Scores []float64 `json:"model_1_scores,omitempty"`
	Model2Scores []float64 `json:"model_2_scores,omitempty"`
}

// Score sends all stories in one request. Scores come back in input order.
func (c *Client) Score(ctx context.Context, project domain.Project, stories []ports.ClassifierInput) (domain.Scores, error) {
	if len(stories) == 0 {
		return domain.Scores{}, nil
	}

	payload := classifyRequest{
		ProjectID:       project.ID,
		LanguageModelID: project.LanguageModelID,
		LanguageModel:   project.LanguageModel,
		Language:        project.Language,
		Stories:         make([]classifyStory, 0, len(stories)),
	}
	for _, s := range stories {
		payload.Stories = append(payload.Stories, classifyStory{Title: s.Title, Text: s.Text})
	}

	var resp classifyResponse
	if err := c.post(ctx, "/classify", payload, &resp); err != nil {
		return domain.Scores{}, err
	}

	if len(resp.ModelScores) != len(stories) {
		return domain.Scores{}, fmt.Errorf("classifier returned %d scores for %d stories", len(resp.ModelScores), len(stories))
	}
	return domain.Scores{
		Model:  resp.ModelScores,
		Model1: aligned(resp.Model1Scores, len(stories)),
		Model2: aligned(resp.Model2Scores, len(stories)),
	}, nil
}

// aligned drops optional sub-model scores that do not line up with the input.
func aligned(scores []float64, n int) []float64 {
	if len(scores) != n {
		return nil
	}
	return scores
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
