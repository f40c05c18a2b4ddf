// Package consumer implements the two delivery strategies that move Opus
// frames from a playback session to the outside world.
//
// [Gateway] hands the session's [audio.FrameSource] to a voice-gateway peer
// that polls it on its own 20 ms schedule. [Paced] owns a generator and a
// sender goroutine and pushes frames over a network channel, either as fast
// as they are produced or on a drift-free 20 ms cadence padded with silence.
package consumer

import (
	"context"

	"github.com/MrWong99/voxstream/pkg/audio"
)

// Strategy is a delivery strategy bound to one playback session.
type Strategy interface {
	// Start begins delivery. ctx bounds the lifetime of any goroutines the
	// strategy owns.
	Start(ctx context.Context) error

	// Stop ends delivery and waits for owned goroutines to exit. It is
	// idempotent.
	Stop()

	// Source returns the frame source being delivered.
	Source() audio.FrameSource
}
