package extractor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"StoryProcessor/internal/infrastructure/cache"
)

const storyPage = `<!doctype html>
<html>
<head>
  <title>Vecinos denuncian desaparición | Diario</title>
  <meta property="article:published_time" content="2024-06-02T09:15:00Z">
</head>
<body>
  <nav><a href="/">Inicio</a> <a href="/politica">Política</a></nav>
  <article>
    <h1>Vecinos denuncian desaparición</h1>
    <p>Los vecinos del barrio norte denunciaron este domingo la desaparición de una joven de 19 años que no regresó a su casa tras salir del trabajo.</p>
    <p>Familiares pidieron a las autoridades acelerar la búsqueda y difundieron su fotografía en redes sociales durante toda la jornada.</p>
    <p>La fiscalía local confirmó que abrió una carpeta de investigación y que se revisan las cámaras de seguridad de la zona.</p>
  </article>
  <footer>Todos los derechos reservados</footer>
</body>
</html>`

func TestParseExtractsTextTitleAndDate(t *testing.T) {
	t.Parallel()

	u, _ := url.Parse("https://diario.example/nota/1")
	got, err := Parse([]byte(storyPage), u)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !strings.Contains(got.Text, "carpeta de investigación") {
		t.Fatalf("expected article text, got %q", got.Text)
	}
	if strings.Contains(got.Text, "Todos los derechos") {
		t.Fatalf("expected footer to be dropped, got %q", got.Text)
	}
	if got.Title == "" {
		t.Fatalf("expected a title")
	}
	if want := time.Date(2024, 6, 2, 9, 15, 0, 0, time.UTC); !got.PublishedAt.Equal(want) {
		t.Fatalf("expected published %v, got %v", want, got.PublishedAt)
	}
}

func TestParseRejectsEmptyPages(t *testing.T) {
	t.Parallel()

	u, _ := url.Parse("https://diario.example/empty")
	if _, err := Parse([]byte(`<html><head><title>x</title></head><body></body></html>`), u); !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
}

func TestExtractCachesByNormalizedURL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(storyPage))
	}))
	defer srv.Close()

	ex := New(srv.Client(), cache.NewMemory(), Config{CacheTTL: time.Hour}, nil)
	ctx := context.Background()

	first, err := ex.Extract(ctx, srv.URL+"/nota/1?utm_source=feed")
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	second, err := ex.Extract(ctx, srv.URL+"/nota/1")
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one page fetch, got %d", calls.Load())
	}
	if first.Text != second.Text {
		t.Fatalf("cached extraction differs")
	}

	if _, err := ex.Extract(ctx, srv.URL+"/gone"); err == nil {
		t.Fatalf("expected error for missing page")
	}
}
