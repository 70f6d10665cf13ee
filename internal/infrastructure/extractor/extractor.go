package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

const (
	defaultUserAgent = "StoryProcessor/1.0"
	maxPageBytes     = 8 << 20
	minTextLength    = 40
)

// ErrNoText is returned when neither readability nor the paragraph fallback finds any text.
var ErrNoText = errors.New("no story text found")

// publishedSelectors lists the page metadata checked for a publication date, in order.
var publishedSelectors = []struct {
	selector string
	attr     string
}{
	{`meta[property="article:published_time"]`, "content"},
	{`meta[name="article:published_time"]`, "content"},
	{`meta[itemprop="datePublished"]`, "content"},
	{`meta[name="pubdate"]`, "content"},
	{`meta[name="publish-date"]`, "content"},
	{`meta[name="date"]`, "content"},
	{`meta[property="og:updated_time"]`, "content"},
	{`time[datetime]`, "datetime"},
}

// Config tunes the extractor.
type Config struct {
	UserAgent string
	CacheTTL  time.Duration
}

// Extractor downloads a story page and pulls out its readable text.
type Extractor struct {
	client    *http.Client
	cache     ports.Cache
	ttl       time.Duration
	userAgent string
	logger    *slog.Logger
}

var _ ports.Extractor = (*Extractor)(nil)

// New wires an extractor. cache may be nil to disable result caching.
func New(client *http.Client, cache ports.Cache, cfg Config, logger *slog.Logger) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Extractor{
		client:    client,
		cache:     cache,
		ttl:       cfg.CacheTTL,
		userAgent: ua,
		logger:    logger,
	}
}

// Extract returns the text, title and publication date of the page at rawURL.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (ports.Extraction, error) {
	key := "extract:" + domain.NormalizeURL(rawURL)
	if cached, ok := e.cached(ctx, key); ok {
		return cached, nil
	}

	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return ports.Extraction{}, fmt.Errorf("parse url: %w", err)
	}
	body, err := e.fetch(ctx, pageURL.String())
	if err != nil {
		return ports.Extraction{}, err
	}

	result, err := Parse(body, pageURL)
	if err != nil {
		return ports.Extraction{}, err
	}
	e.store(ctx, key, result)
	return result, nil
}

// Parse extracts from an already downloaded page.
func Parse(body []byte, pageURL *url.URL) (ports.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ports.Extraction{}, fmt.Errorf("parse document: %w", err)
	}

	var result ports.Extraction
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil {
		result.Text = strings.TrimSpace(article.TextContent)
		result.Title = strings.TrimSpace(article.Title)
	}
	if len(result.Text) < minTextLength {
		if fallback := paragraphText(doc); len(fallback) > len(result.Text) {
			result.Text = fallback
		}
	}
	if result.Title == "" {
		result.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	result.PublishedAt = publishedAt(doc)

	if result.Text == "" {
		return ports.Extraction{}, ErrNoText
	}
	return result, nil
}

func (e *Extractor) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	return body, nil
}

func paragraphText(doc *goquery.Document) string {
	var parts []string
	doc.Find("article p, main p, body p").Each(func(_ int, p *goquery.Selection) {
		if text := strings.TrimSpace(p.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(dedupe(parts), "\n\n")
}

// dedupe drops paragraphs matched by more than one of the overlapping selectors.
func dedupe(parts []string) []string {
	seen := make(map[string]struct{}, len(parts))
	out := parts[:0]
	for _, p := range parts {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func publishedAt(doc *goquery.Document) time.Time {
	for _, s := range publishedSelectors {
		raw, ok := doc.Find(s.selector).First().Attr(s.attr)
		if !ok {
			continue
		}
		if t, ok := domain.ParseLooseTime(raw); ok {
			return t
		}
	}
	return time.Time{}
}

func (e *Extractor) cached(ctx context.Context, key string) (ports.Extraction, bool) {
	if e.cache == nil {
		return ports.Extraction{}, false
	}
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil || !ok {
		if err != nil && e.logger != nil {
			e.logger.Warn("extraction cache read failed", "error", err)
		}
		return ports.Extraction{}, false
	}
	var out ports.Extraction
	if err := json.Unmarshal(raw, &out); err != nil {
		return ports.Extraction{}, false
	}
	return out, true
}

func (e *Extractor) store(ctx context.Context, key string, result ports.Extraction) {
	if e.cache == nil || e.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, raw, e.ttl); err != nil && e.logger != nil {
		e.logger.Warn("extraction cache write failed", "error", err)
	}
}
