package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// Cache is the subset of the PCM cache store the controller needs.
// [cache.Store] implements it.
type Cache interface {
	HasTrack(uri string) bool
	LoadTrack(uri string) (io.ReadCloser, error)
	StartSavingTrack(uri string) (io.WriteCloser, error)
	FinalizeSave(uri string, success bool) error
}

// Fetcher starts the external fetch and transcode chain for a URI and returns
// raw PCM. Cancelling ctx must terminate it. [pipeline.Pipeline] implements
// it.
type Fetcher interface {
	Start(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Encoder encodes 20 ms frames of interleaved stereo PCM. [opus.Encoder]
// implements it.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	Reset() error
}

// State is the externally visible playback state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateBuffering
	StatePlaying
	StatePaused
	StateEnded
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Config holds the collaborators and tuning knobs of a [Controller]. Zero
// numeric fields are replaced with the defaults listed on each field.
type Config struct {
	// GuildID tags every emitted event and log line.
	GuildID string

	// Fetcher starts live sources. Required.
	Fetcher Fetcher

	// NewEncoder creates the Opus encoder. Required.
	NewEncoder func() (Encoder, error)

	// Cache enables cache-fed playback and cache population. Nil disables
	// caching.
	Cache Cache

	// Listener receives lifecycle events. It is called synchronously from
	// pipeline goroutines and, for TrackEnded(Stopped|Replaced), from
	// Stop/PlayTrack while the lifecycle lock is held, so it must not block
	// or call back into Stop or PlayTrack.
	Listener audio.Listener

	// Metrics records pipeline metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// DefaultVolume is applied at the start of every track. Default: 1.
	DefaultVolume float64

	// PCMQueueSize bounds the decoded frame queue. Default: 15000 (5 min).
	PCMQueueSize int

	// OpusQueueSize bounds the encoded frame queue. Default: 750 (15 s).
	OpusQueueSize int

	// MinBuffer is the PCM occupancy required to leave buffering.
	// Default: 250 (5 s). Must be greater than RebufferThreshold.
	MinBuffer int

	// RebufferThreshold is the PCM occupancy below which a playing session
	// falls back into buffering. Default: 100 (2 s).
	RebufferThreshold int

	// OpusTarget is the Opus occupancy at which the encoder stops encoding
	// and sleeps. Default: 750.
	OpusTarget int

	// OpusLow selects the short PCM poll timeout while Opus occupancy is
	// below it. Default: 200.
	OpusLow int

	// Cache-fed decode throttle: sleep CacheThrottleSlow while PCM occupancy
	// exceeds CacheThrottleHigh, then CacheThrottleFast while it exceeds
	// CacheThrottleLow. Defaults: 600 / 50ms and 500 / 20ms.
	CacheThrottleHigh int
	CacheThrottleLow  int
	CacheThrottleSlow time.Duration
	CacheThrottleFast time.Duration

	// OfferTimeout bounds every enqueue; on timeout the frame is dropped.
	// Default: 100ms.
	OfferTimeout time.Duration

	// Encoder PCM poll timeouts. Defaults: 5ms and 25ms.
	EncodePollFast time.Duration
	EncodePollSlow time.Duration

	// EncodeFullSleep is how long the encoder sleeps when the Opus queue is at
	// target. Default: 10ms.
	EncodeFullSleep time.Duration

	// Pause polling intervals. Defaults: 10ms (decode) and 5ms (encode).
	DecodePausePoll time.Duration
	EncodePausePoll time.Duration

	// JoinTimeout bounds how long teardown waits for stage goroutines.
	// Default: 1s.
	JoinTimeout time.Duration

	// SuspiciousPCM is the PCM occupancy that triggers a "suspiciously full"
	// warning, checked every SuspiciousEvery decoded frames.
	// Defaults: 13500 and 500.
	SuspiciousPCM   int
	SuspiciousEvery int
}

func (c *Config) applyDefaults() {
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setDur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}

	setInt(&c.PCMQueueSize, 15000)
	setInt(&c.OpusQueueSize, 750)
	setInt(&c.MinBuffer, 250)
	setInt(&c.RebufferThreshold, 100)
	setInt(&c.OpusTarget, 750)
	setInt(&c.OpusLow, 200)
	setInt(&c.CacheThrottleHigh, 600)
	setInt(&c.CacheThrottleLow, 500)
	setDur(&c.CacheThrottleSlow, 50*time.Millisecond)
	setDur(&c.CacheThrottleFast, 20*time.Millisecond)
	setDur(&c.OfferTimeout, 100*time.Millisecond)
	setDur(&c.EncodePollFast, 5*time.Millisecond)
	setDur(&c.EncodePollSlow, 25*time.Millisecond)
	setDur(&c.EncodeFullSleep, 10*time.Millisecond)
	setDur(&c.DecodePausePoll, 10*time.Millisecond)
	setDur(&c.EncodePausePoll, 5*time.Millisecond)
	setDur(&c.JoinTimeout, time.Second)
	setInt(&c.SuspiciousPCM, 13500)
	setInt(&c.SuspiciousEvery, 500)

	if c.DefaultVolume == 0 {
		c.DefaultVolume = 1
	}
	c.DefaultVolume = audio.ClampVolume(c.DefaultVolume)
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Fetcher == nil {
		errs = append(errs, errors.New("fetcher is required"))
	}
	if c.NewEncoder == nil {
		errs = append(errs, errors.New("encoder factory is required"))
	}
	if c.MinBuffer <= c.RebufferThreshold {
		errs = append(errs, fmt.Errorf("min buffer (%d) must exceed rebuffer threshold (%d)", c.MinBuffer, c.RebufferThreshold))
	}
	if c.MinBuffer > c.PCMQueueSize {
		errs = append(errs, fmt.Errorf("min buffer (%d) exceeds pcm queue size (%d)", c.MinBuffer, c.PCMQueueSize))
	}
	if c.OpusTarget > c.OpusQueueSize {
		errs = append(errs, fmt.Errorf("opus target (%d) exceeds opus queue size (%d)", c.OpusTarget, c.OpusQueueSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("streamer: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
