package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"StoryProcessor/internal/ports"
)

const directoryPageSize = 1000

// DirectoryConfig configures the collection directory client.
type DirectoryConfig struct {
	BaseURL       string
	APIKey        string
	CacheTTL      time.Duration
	RatePerSecond float64
}

// Directory resolves Media Cloud collections to the domains they contain.
type Directory struct {
	api     apiClient
	baseURL string
	cache   ports.Cache
	ttl     time.Duration
	logger  *slog.Logger
}

// NewDirectory builds a directory client. cache may be nil.
func NewDirectory(client *http.Client, cfg DirectoryConfig, cache ports.Cache, logger *slog.Logger) *Directory {
	api := newAPIClient(client, cfg.RatePerSecond)
	if cfg.APIKey != "" {
		api.header.Set("Authorization", "Token "+cfg.APIKey)
	}
	base := cfg.BaseURL
	if base == "" {
		base = mediaCloudBaseURL
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Directory{api: api, baseURL: base, cache: cache, ttl: ttl, logger: logger}
}

type directorySource struct {
	Name            *string `json:"name"`
	URLSearchString *string `json:"url_search_string"`
}

type directoryPage struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []directorySource `json:"results"`
}

// Domains returns the unique, sorted domains of every collection.
func (d *Directory) Domains(ctx context.Context, collections []int) ([]string, error) {
	set := map[string]struct{}{}
	for _, cid := range collections {
		domains, err := d.collectionDomains(ctx, cid)
		if err != nil {
			return nil, err
		}
		for _, name := range domains {
			set[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Directory) collectionDomains(ctx context.Context, cid int) ([]string, error) {
	key := "directory:collection:" + strconv.Itoa(cid)
	if d.cache != nil {
		raw, ok, err := d.cache.Get(ctx, key)
		if err != nil {
			d.warn("directory cache read failed", "collection", cid, "error", err)
		}
		if ok {
			var cached []string
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var domains []string
	for offset := 0; ; offset += directoryPageSize {
		q := url.Values{}
		q.Set("collection_id", strconv.Itoa(cid))
		q.Set("limit", strconv.Itoa(directoryPageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page directoryPage
		if err := d.api.getJSON(ctx, joinPath(d.baseURL, "/api/sources/sources/")+"?"+q.Encode(), &page); err != nil {
			return nil, fmt.Errorf("list sources of collection %d: %w", cid, err)
		}
		for _, s := range page.Results {
			// Sources scoped by a url search string cannot be expressed as a domain filter.
			if s.URLSearchString != nil || s.Name == nil || *s.Name == "" {
				continue
			}
			domains = append(domains, *s.Name)
		}
		if page.Next == nil || len(page.Results) == 0 {
			break
		}
	}

	if d.cache != nil {
		if raw, err := json.Marshal(domains); err == nil {
			if err := d.cache.Set(ctx, key, raw, d.ttl); err != nil {
				d.warn("directory cache write failed", "collection", cid, "error", err)
			}
		}
	}
	return domains, nil
}

func (d *Directory) warn(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	}
}
