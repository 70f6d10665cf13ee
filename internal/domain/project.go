package domain

import (
	"strings"
	"time"
)

// Project is a monitoring target owned by the central server.
type Project struct {
	ID               int     `json:"id"`
	Title            string  `json:"title"`
	Language         string  `json:"language"`
	LanguageModelID  int     `json:"language_model_id"`
	LanguageModel    string  `json:"language_model,omitempty"`
	MinConfidence    float64 `json:"min_confidence"`
	SearchTerms      string  `json:"search_terms"`
	Country          string  `json:"newscatcher_country,omitempty"`
	MediaCollections []int   `json:"media_collections,omitempty"`
	RSSURL           string  `json:"rss_url,omitempty"`
	StartDate        string  `json:"start_date,omitempty"`
	UpdatePostURL    string  `json:"update_post_url,omitempty"`
}

var startDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParsedStartDate returns the configured start date in UTC. The second value
// is false when the field is empty or in a format we do not understand.
func (p Project) ParsedStartDate() (time.Time, bool) {
	return ParseLooseTime(p.StartDate)
}

// Countries splits the comma separated country field into two-letter codes.
func (p Project) Countries() []string {
	var out []string
	for _, c := range strings.Split(p.Country, ",") {
		c = strings.ToUpper(strings.TrimSpace(c))
		if len(c) == 2 {
			out = append(out, c)
		}
	}
	return out
}

// HasCountry reports whether the project can be queried on country-scoped sources.
func (p Project) HasCountry() bool {
	return len(p.Countries()) > 0
}

// ParseLooseTime tries the date layouts seen across upstream APIs.
func ParseLooseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range startDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := time.Parse(time.RFC1123Z, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC1123, raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
