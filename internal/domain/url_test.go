package domain

import "testing"

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "https://example.com/news/story", "http://example.com/news/story"},
		{"www and case", "HTTPS://WWW.Example.COM/News/Story/", "http://example.com/News/Story"},
		{"tracking params", "https://example.com/a?utm_source=x&id=4&fbclid=abc", "http://example.com/a?id=4"},
		{"sorted query", "http://example.com/a?b=2&a=1", "http://example.com/a?a=1&b=2"},
		{"fragment", "http://example.com/a#comments", "http://example.com/a"},
		{"default port", "https://example.com:443/a", "http://example.com/a"},
		{"custom port kept", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"not a url", "  Not A URL ", "not a url"},
		{"empty", "", ""},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeURL(c.in); got != c.want {
				t.Fatalf("NormalizeURL(%q) = %q; want %q", c.in, got, c.want)
			}
		})
	}
}

func TestNormalizeURLCollapsesSchemes(t *testing.T) {
	t.Parallel()

	a := NormalizeURL("http://www.example.com/story?utm_medium=rss")
	b := NormalizeURL("https://example.com/story/")
	if a != b {
		t.Fatalf("expected equal keys, got %q and %q", a, b)
	}
}

func TestCanonicalDomain(t *testing.T) {
	t.Parallel()

	if got := CanonicalDomain("https://www.Example.org/path"); got != "example.org" {
		t.Fatalf("unexpected domain: %s", got)
	}
}
