// Package track resolves media URIs into playable [audio.Track] handles and
// hands out compact numeric ids that network clients use to refer to them.
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxstream/pkg/audio"
)

// ErrUnknownTrack is returned when an id has never been registered or was
// evicted.
var ErrUnknownTrack = errors.New("track: unknown track id")

// ID is a process-local track handle. Ids are never reused within a process.
// Anything that outlives the process refers to tracks by URI instead.
type ID int64

// AccessMarker is notified with the track URI whenever a registered track is
// looked up or played. The expiry scheduler implements it.
type AccessMarker interface {
	MarkAccessed(ctx context.Context, uri string) error
}

// Registry maps ids to resolved tracks and remembers which id a search query
// resolved to. It is safe for concurrent use.
type Registry struct {
	marker AccessMarker

	mu      sync.RWMutex
	next    ID
	tracks  map[ID]*audio.Track
	byURI   map[string]ID
	queries map[string]ID
}

// NewRegistry creates an empty registry. marker may be nil.
func NewRegistry(marker AccessMarker) *Registry {
	return &Registry{
		marker:  marker,
		tracks:  make(map[ID]*audio.Track),
		byURI:   make(map[string]ID),
		queries: make(map[string]ID),
	}
}

// Register stores t and returns its id. Registering a URI that is already
// known returns the existing id and keeps the stored metadata.
func (r *Registry) Register(ctx context.Context, t *audio.Track) ID {
	r.mu.Lock()
	id, ok := r.byURI[t.URI]
	if !ok {
		r.next++
		id = r.next
		r.tracks[id] = t.Clone()
		r.byURI[t.URI] = id
	}
	r.mu.Unlock()

	r.touch(ctx, t.URI)
	return id
}

// RememberQuery records that query resolved to id.
func (r *Registry) RememberQuery(query string, id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracks[id]; ok {
		r.queries[query] = id
	}
}

// LookupQuery returns the id a query previously resolved to.
func (r *Registry) LookupQuery(query string) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.queries[query]
	return id, ok
}

// Get returns a fresh clone of the track registered under id, suitable for
// handing to a playback session, and marks the id as accessed.
func (r *Registry) Get(ctx context.Context, id ID) (*audio.Track, error) {
	r.mu.RLock()
	t, ok := r.tracks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("track: get %d: %w", id, ErrUnknownTrack)
	}
	r.touch(ctx, t.URI)
	return t.Clone(), nil
}

// IDOf returns the id registered for uri.
func (r *Registry) IDOf(uri string) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byURI[uri]
	return id, ok
}

// Remove drops the given ids together with every cached query that pointed at
// them and returns the tracks that were removed.
func (r *Registry) Remove(ids ...ID) []*audio.Track {
	r.mu.Lock()
	defer r.mu.Unlock()

	gone := make(map[ID]struct{}, len(ids))
	removed := make([]*audio.Track, 0, len(ids))
	for _, id := range ids {
		t, ok := r.tracks[id]
		if !ok {
			continue
		}
		delete(r.tracks, id)
		delete(r.byURI, t.URI)
		gone[id] = struct{}{}
		removed = append(removed, t)
	}
	for q, id := range r.queries {
		if _, ok := gone[id]; ok {
			delete(r.queries, q)
		}
	}
	return removed
}

// RemoveURIs drops the tracks registered under uris like [Registry.Remove]
// and returns their ids. Unknown URIs are ignored.
func (r *Registry) RemoveURIs(uris ...string) []ID {
	r.mu.RLock()
	ids := make([]ID, 0, len(uris))
	for _, uri := range uris {
		if id, ok := r.byURI[uri]; ok {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}
	r.Remove(ids...)
	return ids
}

// Len returns the number of registered tracks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}

func (r *Registry) touch(ctx context.Context, uri string) {
	if r.marker == nil {
		return
	}
	if err := r.marker.MarkAccessed(ctx, uri); err != nil {
		slog.Warn("track: failed to mark access", "uri", uri, "err", err)
	}
}
