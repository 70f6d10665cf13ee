package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"StoryProcessor/internal/domain"
)

// Adapter is one story-discovery provider (search API, archive, aggregator, feed).
type Adapter interface {
	Source() domain.Source
	Count(ctx context.Context, project domain.Project, window domain.Window) (int, error)
	FetchPage(ctx context.Context, project domain.Project, window domain.Window, pageToken string) (domain.Page, error)
}

// ErrPermanent marks adapter errors that retrying the same request cannot fix,
// such as a rejected query.
var ErrPermanent = errors.New("permanent source error")

// Permanent wraps err so that IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Registry keeps a mapping from sources to their adapters.
type Registry struct {
	adapters map[domain.Source]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[domain.Source]Adapter{}}
}

// Register adds or replaces an adapter.
func (r *Registry) Register(adapter Adapter) {
	if r.adapters == nil {
		r.adapters = map[domain.Source]Adapter{}
	}
	r.adapters[adapter.Source()] = adapter
}

// Resolve returns the adapter for a source or an error if it is absent.
func (r *Registry) Resolve(source domain.Source) (Adapter, error) {
	if adapter, ok := r.adapters[source]; ok {
		return adapter, nil
	}
	return nil, fmt.Errorf("source %s is not registered", source)
}

// Sources lists registered sources in a stable order.
func (r *Registry) Sources() []domain.Source {
	out := make([]domain.Source, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
