// Package streamer implements the per-session playback pipeline: a decode
// stage that reads raw PCM from a live fetch chain or the PCM cache, an encode
// stage that turns it into 20 ms Opus frames, and the bounded queues and
// buffering state machine that sit between them and the delivery strategy.
//
// A [Controller] plays at most one track at a time. Starting a new track tears
// the previous one down. Every track emits exactly one
// [audio.EventTrackEnded]; [audio.EventTrackStarted] is emitted at most once,
// when initial buffering completes.
//
// The controller is a pull source: delivery strategies call
// [Controller.CanProvide] and [Controller.Provide] every frame period.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxstream/pkg/audio"
)

// ErrInvalidTrack is returned by [Controller.PlayTrack] for a nil track or a
// track without URI.
var ErrInvalidTrack = errors.New("streamer: track has no uri")

// Source labels reported by [Stats] and the startup metric.
const (
	SourceCache = "cache"
	SourceLive  = "live"
)

// Stats is a point-in-time snapshot of the pipeline.
type Stats struct {
	State         State
	PCMQueued     int
	OpusQueued    int
	Source        string
	FramesDecoded int64
	Position      time.Duration
	Volume        float64
}

// Controller owns the playback pipeline of one session. All methods are safe
// for concurrent use.
type Controller struct {
	cfg Config
	log *slog.Logger

	// mu serializes PlayTrack and Stop.
	mu  sync.Mutex
	enc Encoder
	// encStale is set when a previous run could not be joined and may still
	// hold the encoder.
	encStale bool

	cur           atomic.Pointer[run]
	paused        atomic.Bool
	volume        atomic.Uint64
	defaultVolume atomic.Uint64
}

// New validates cfg, applies defaults and returns an idle Controller.
func New(cfg Config) (*Controller, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg: cfg,
		log: slog.With("guild_id", cfg.GuildID),
	}
	c.volume.Store(math.Float64bits(cfg.DefaultVolume))
	c.defaultVolume.Store(math.Float64bits(cfg.DefaultVolume))
	return c, nil
}

// PlayTrack starts playing t. A track that is still live is torn down first
// and ends with [audio.EndReplaced]. The pause flag is cleared and the volume
// is reset to the default volume.
//
// PlayTrack returns once the stage goroutines are running; source open
// failures are reported asynchronously as [audio.EventTrackFailed] followed by
// [audio.EventTrackEnded] with [audio.EndLoadFailed]. ctx only carries values
// into the pipeline; cancelling it does not stop playback.
func (c *Controller) PlayTrack(ctx context.Context, t *audio.Track) error {
	if t == nil || t.URI == "" {
		return ErrInvalidTrack
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old := c.cur.Swap(nil); old != nil {
		live := old.ended.CompareAndSwap(false, true)
		c.teardown(old)
		if live {
			c.emit(audio.Event{Type: audio.EventTrackEnded, Track: old.track, Reason: audio.EndReplaced})
		}
	}

	c.paused.Store(false)
	c.volume.Store(c.defaultVolume.Load())

	enc, err := c.encoder()
	if err != nil {
		return fmt.Errorf("streamer: create encoder: %w", err)
	}

	t.ResetPosition()
	r := newRun(ctx, c, t, enc)
	c.cur.Store(r)
	r.start()

	c.log.Info("streamer: track queued", "uri", t.URI, "title", t.Title)
	return nil
}

// Stop ends the current track with [audio.EndStopped] and releases all
// pipeline resources. It is a no-op when nothing is live.
func (c *Controller) Stop() {
	c.stop(audio.EndStopped)
}

// Cleanup is like [Controller.Stop] but reports [audio.EndCleanup]. The
// owning session calls it when it is destroyed.
func (c *Controller) Cleanup() {
	c.stop(audio.EndCleanup)
}

func (c *Controller) stop(reason audio.EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.cur.Swap(nil)
	if r == nil {
		return
	}
	live := r.ended.CompareAndSwap(false, true)
	c.teardown(r)
	if live {
		c.emit(audio.Event{Type: audio.EventTrackEnded, Track: r.track, Reason: reason})
	}
}

// Pause suspends decoding, encoding and delivery. Queued frames are kept.
// It returns false when playback was already paused.
func (c *Controller) Pause() bool {
	if !c.paused.CompareAndSwap(false, true) {
		return false
	}
	c.emit(audio.Event{Type: audio.EventPaused, Track: c.CurrentTrack()})
	return true
}

// Resume continues a paused pipeline. It returns false when playback was not
// paused.
func (c *Controller) Resume() bool {
	if !c.paused.CompareAndSwap(true, false) {
		return false
	}
	c.emit(audio.Event{Type: audio.EventResumed, Track: c.CurrentTrack()})
	return true
}

// IsPaused reports whether playback is paused.
func (c *Controller) IsPaused() bool { return c.paused.Load() }

// SetVolume sets the volume multiplier, clamped to [0, audio.MaxVolume]. It
// applies to frames encoded from now on.
func (c *Controller) SetVolume(v float64) {
	c.volume.Store(math.Float64bits(audio.ClampVolume(v)))
}

// Volume returns the current volume multiplier.
func (c *Controller) Volume() float64 {
	return math.Float64frombits(c.volume.Load())
}

// SetDefaultVolume changes the volume applied at the start of every track.
func (c *Controller) SetDefaultVolume(v float64) {
	c.defaultVolume.Store(math.Float64bits(audio.ClampVolume(v)))
}

// DefaultVolume returns the volume applied at the start of every track.
func (c *Controller) DefaultVolume() float64 {
	return math.Float64frombits(c.defaultVolume.Load())
}

// CurrentTrack returns the track being played, or nil.
func (c *Controller) CurrentTrack() *audio.Track {
	if r := c.cur.Load(); r != nil {
		return r.track
	}
	return nil
}

// CurrentPosition returns how much of the current track has been delivered.
func (c *Controller) CurrentPosition() time.Duration {
	if r := c.cur.Load(); r != nil {
		return r.track.Position()
	}
	return 0
}

// State derives the playback state.
func (c *Controller) State() State {
	r := c.cur.Load()
	switch {
	case r == nil:
		return StateIdle
	case r.ended.Load():
		return StateEnded
	case c.paused.Load():
		return StatePaused
	case r.buffering.Load():
		return StateBuffering
	default:
		return StatePlaying
	}
}

// Stats returns a snapshot of the pipeline.
func (c *Controller) Stats() Stats {
	s := Stats{State: c.State(), Volume: c.Volume()}
	if r := c.cur.Load(); r != nil {
		s.PCMQueued = len(r.pcm)
		s.OpusQueued = len(r.opus)
		s.Source = r.sourceLabel()
		s.FramesDecoded = r.frames.Load()
		s.Position = r.track.Position()
	}
	return s
}

// CanProvide reports whether an Opus frame is ready. It drives the buffering
// state machine and detects the natural end of a track.
func (c *Controller) CanProvide() bool {
	r := c.cur.Load()
	if r == nil || c.paused.Load() || r.ended.Load() {
		return false
	}

	if r.buffering.Load() {
		if !r.maybeLeaveBuffering() {
			return false
		}
	}

	if len(r.pcm) < c.cfg.RebufferThreshold && !r.exhausted.Load() {
		if r.buffering.CompareAndSwap(false, true) {
			c.log.Warn("streamer: buffer underrun, rebuffering",
				"uri", r.track.URI,
				"pcm_queued", len(r.pcm),
				"opus_queued", len(r.opus),
			)
			c.cfg.Metrics.RecordUnderrun(r.ctx)
			r.emit(audio.Event{
				Type:     audio.EventTrackFailed,
				Track:    r.track,
				Severity: audio.SeveritySuspicious,
				Message:  "buffer underrun",
			})
		}
		return false
	}

	if len(r.opus) == 0 && len(r.pcm) == 0 && r.drained.Load() {
		if r.ended.CompareAndSwap(false, true) {
			c.log.Info("streamer: track finished", "uri", r.track.URI, "position", r.track.Position())
			r.emit(audio.Event{Type: audio.EventTrackEnded, Track: r.track, Reason: audio.EndFinished})
			r.finish()
		}
		return false
	}

	return len(r.opus) > 0
}

// Provide pops one Opus frame without blocking. The track position advances
// only when a frame is returned.
func (c *Controller) Provide() ([]byte, bool) {
	r := c.cur.Load()
	if r == nil || c.paused.Load() {
		return nil, false
	}
	select {
	case f := <-r.opus:
		r.track.Advance(audio.FrameDuration)
		return f, true
	default:
		return nil, false
	}
}

// encoder returns an encoder ready for a new track. Called with mu held.
func (c *Controller) encoder() (Encoder, error) {
	if c.enc != nil && !c.encStale {
		err := c.enc.Reset()
		if err == nil {
			return c.enc, nil
		}
		c.log.Warn("streamer: encoder reset failed, creating a new one", "err", err)
	}
	enc, err := c.cfg.NewEncoder()
	if err != nil {
		return nil, err
	}
	c.enc = enc
	c.encStale = false
	return enc, nil
}

// teardown stops r's stages and releases its resources. Called with mu held.
// The source is closed in the background; closing a process-backed source
// waits for the processes to exit.
func (c *Controller) teardown(r *run) {
	r.closed.Store(true)
	r.cancel()
	go r.closeSource()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.JoinTimeout):
		c.log.Warn("streamer: pipeline goroutines did not exit in time, abandoning",
			"uri", r.track.URI,
			"timeout", c.cfg.JoinTimeout,
		)
		if r.enc == c.enc {
			c.encStale = true
		}
	}

	r.sink.finalize(false)
	audio.DrainNow(r.pcm)
	audio.DrainNow(r.opus)
}

func (c *Controller) emit(e audio.Event) {
	e.GuildID = c.cfg.GuildID
	if c.cfg.Listener != nil {
		c.cfg.Listener(e)
	}
}
