package track

import (
	"context"
	"strings"

	"github.com/MrWong99/voxstream/internal/resilience"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// FallbackResolver spreads free-text searches over several providers. URLs
// identify their site already, so they only ever go to the primary.
type FallbackResolver struct {
	primary Resolver
	search  *resilience.FallbackGroup[Resolver]
}

// NewFallbackResolver wraps group. The first member of group also answers
// URL queries.
func NewFallbackResolver(primary Resolver, group *resilience.FallbackGroup[Resolver]) *FallbackResolver {
	return &FallbackResolver{primary: primary, search: group}
}

// Resolve implements [Resolver].
func (f *FallbackResolver) Resolve(ctx context.Context, query string) (*audio.Track, error) {
	if looksLikeURL(strings.TrimSpace(query)) {
		return f.primary.Resolve(ctx, query)
	}
	return resilience.Do(ctx, f.search, func(ctx context.Context, r Resolver) (*audio.Track, error) {
		return r.Resolve(ctx, query)
	})
}

// Search implements [Searcher]. Providers that cannot search contribute their
// single best match.
func (f *FallbackResolver) Search(ctx context.Context, query string, limit int) ([]*audio.Track, error) {
	return resilience.Do(ctx, f.search, func(ctx context.Context, r Resolver) ([]*audio.Track, error) {
		if sr, ok := r.(Searcher); ok {
			return sr.Search(ctx, query, limit)
		}
		t, err := r.Resolve(ctx, query)
		if err != nil {
			return nil, err
		}
		return []*audio.Track{t}, nil
	})
}
