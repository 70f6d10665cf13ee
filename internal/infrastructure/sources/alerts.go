package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/scanner"
)

// feedHold bounds how long a feed read by Count waits for FetchPage.
const feedHold = 5 * time.Minute

// GoogleAlerts reads a project's Google Alerts feed. The feed is a single
// page, so every call returns at most one page with no continuation. The
// items Count reads are kept for the FetchPage that follows, so a run
// downloads the feed once.
type GoogleAlerts struct {
	parser  *gofeed.Parser
	limiter *rate.Limiter
	now     func() time.Time

	mu   sync.Mutex
	read map[feedKey]feedRead
}

type feedKey struct {
	url        string
	start, end time.Time
}

type feedRead struct {
	items []domain.RawCandidate
	at    time.Time
}

var _ scanner.Adapter = (*GoogleAlerts)(nil)

func NewGoogleAlerts(client *http.Client, ratePerSecond float64) *GoogleAlerts {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	parser := gofeed.NewParser()
	parser.Client = client
	parser.UserAgent = userAgent
	return &GoogleAlerts{
		parser:  parser,
		limiter: newLimiter(ratePerSecond),
		now:     time.Now,
		read:    make(map[feedKey]feedRead),
	}
}

func (g *GoogleAlerts) Source() domain.Source {
	return domain.SourceGoogleAlerts
}

func (g *GoogleAlerts) Count(ctx context.Context, project domain.Project, window domain.Window) (int, error) {
	items, err := g.items(ctx, project, window)
	if err != nil {
		return 0, err
	}
	g.keep(keyFor(project, window), items)
	return len(items), nil
}

// FetchPage returns the items the preceding Count read, downloading the feed
// only when there are none held for this window.
func (g *GoogleAlerts) FetchPage(ctx context.Context, project domain.Project, window domain.Window, _ string) (domain.Page, error) {
	if items, ok := g.take(keyFor(project, window)); ok {
		return domain.Page{Items: items}, nil
	}
	items, err := g.items(ctx, project, window)
	if err != nil {
		return domain.Page{}, err
	}
	return domain.Page{Items: items}, nil
}

func keyFor(project domain.Project, window domain.Window) feedKey {
	return feedKey{url: strings.TrimSpace(project.RSSURL), start: window.Start.UTC(), end: window.End.UTC()}
}

func (g *GoogleAlerts) keep(key feedKey, items []domain.RawCandidate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, r := range g.read {
		if now.Sub(r.at) > feedHold {
			delete(g.read, k)
		}
	}
	if len(items) == 0 {
		delete(g.read, key)
		return
	}
	g.read[key] = feedRead{items: items, at: now}
}

func (g *GoogleAlerts) take(key feedKey) ([]domain.RawCandidate, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.read[key]
	if !ok {
		return nil, false
	}
	delete(g.read, key)
	if g.now().Sub(r.at) > feedHold {
		return nil, false
	}
	return r.items, true
}

func (g *GoogleAlerts) items(ctx context.Context, project domain.Project, window domain.Window) ([]domain.RawCandidate, error) {
	if strings.TrimSpace(project.RSSURL) == "" {
		return nil, nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	feed, err := g.parser.ParseURLWithContext(project.RSSURL, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
			return nil, scanner.Permanent(fmt.Errorf("parse alerts feed: %w", err))
		}
		return nil, fmt.Errorf("parse alerts feed: %w", err)
	}

	out := make([]domain.RawCandidate, 0, len(feed.Items))
	for _, item := range feed.Items {
		link := AlertTargetURL(item.Link)
		if link == "" {
			continue
		}
		var published time.Time
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}
		if !published.IsZero() && !window.Contains(published) {
			continue
		}
		host := domain.CanonicalDomain(link)
		out = append(out, domain.RawCandidate{
			URL:         link,
			Title:       plainText(item.Title),
			Language:    project.Language,
			PublishedAt: published.UTC(),
			MediaURL:    host,
			MediaName:   host,
			Source:      domain.SourceGoogleAlerts,
		})
	}
	return out, nil
}

// AlertTargetURL unwraps the google.com redirect that alert entries link to.
// Links without a url parameter are returned unchanged.
func AlertTargetURL(link string) string {
	parsed, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}
	if target := parsed.Query().Get("url"); target != "" {
		return target
	}
	return parsed.String()
}

// plainText strips the highlight markup Google puts into alert titles.
func plainText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.TrimSpace(doc.Text())
}
