package audio

import (
	"sync/atomic"
	"time"
)

// Track is a resolved, playable media handle. The descriptive fields are
// immutable after resolution; the playback position is advanced by the
// session that currently plays the track and may be read concurrently.
type Track struct {
	// URI is the source location handed to the fetch pipeline and used as the
	// cache key.
	URI string `json:"uri"`

	// Title is the human-readable track title.
	Title string `json:"title"`

	// Author is the uploader or artist name.
	Author string `json:"author"`

	// ArtworkURL points to a thumbnail image, if the source offers one.
	ArtworkURL string `json:"artwork_url,omitempty"`

	// Duration is the reported length. Zero for live streams or unknown.
	Duration time.Duration `json:"duration"`

	position atomic.Int64
}

// Position returns how much of the track has been delivered.
func (t *Track) Position() time.Duration {
	return time.Duration(t.position.Load())
}

// Advance moves the position forward by d and returns the new position.
func (t *Track) Advance(d time.Duration) time.Duration {
	return time.Duration(t.position.Add(int64(d)))
}

// ResetPosition rewinds the position to zero.
func (t *Track) ResetPosition() {
	t.position.Store(0)
}

// Clone returns an independent copy of t with its position reset. Sessions
// play clones so that a shared registry entry is never mutated.
func (t *Track) Clone() *Track {
	return &Track{
		URI:        t.URI,
		Title:      t.Title,
		Author:     t.Author,
		ArtworkURL: t.ArtworkURL,
		Duration:   t.Duration,
	}
}
