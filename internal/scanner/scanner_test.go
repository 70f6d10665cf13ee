package scanner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"StoryProcessor/internal/domain"
)

type stubAdapter struct {
	source domain.Source
}

func (s stubAdapter) Source() domain.Source { return s.source }

func (s stubAdapter) Count(context.Context, domain.Project, domain.Window) (int, error) {
	return 0, nil
}

func (s stubAdapter) FetchPage(context.Context, domain.Project, domain.Window, string) (domain.Page, error) {
	return domain.Page{}, nil
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(stubAdapter{source: domain.SourceNewscatcher})
	reg.Register(stubAdapter{source: domain.SourceGoogleAlerts})

	adapter, err := reg.Resolve(domain.SourceNewscatcher)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if adapter.Source() != domain.SourceNewscatcher {
		t.Fatalf("unexpected adapter: %s", adapter.Source())
	}

	if _, err := reg.Resolve(domain.SourceMediaCloud); err == nil {
		t.Fatalf("expected error for unregistered source")
	}

	sources := reg.Sources()
	if len(sources) != 2 || sources[0] != domain.SourceGoogleAlerts {
		t.Fatalf("unexpected sources: %v", sources)
	}
}

func TestPermanentSurvivesWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("status 400")
	err := fmt.Errorf("fetch page: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Fatalf("expected wrapped error to stay permanent")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected original error to be reachable")
	}
	if IsPermanent(base) {
		t.Fatalf("plain error must not be permanent")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must be nil")
	}
}
