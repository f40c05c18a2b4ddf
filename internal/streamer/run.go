package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxstream/internal/cache"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// run is the pipeline of a single track. A run never restarts: PlayTrack
// always builds a fresh one.
type run struct {
	c     *Controller
	log   *slog.Logger
	track *audio.Track
	enc   Encoder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pcm  chan []int16
	opus chan []byte

	srcMu  sync.Mutex
	src    io.ReadCloser
	source string
	sink   *cacheSink

	startedAt time.Time
	frames    atomic.Int64

	// exhausted: the decode stage read the source to its end.
	// drained: the encode stage consumed everything after exhaustion.
	// ended: exactly one TrackEnded has been claimed for this run.
	// closed: the run is being torn down; stage events are suppressed.
	exhausted atomic.Bool
	drained   atomic.Bool
	buffering atomic.Bool
	started   atomic.Bool
	ended     atomic.Bool
	closed    atomic.Bool
}

func newRun(ctx context.Context, c *Controller, t *audio.Track, enc Encoder) *run {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		c:         c,
		log:       c.log.With("uri", t.URI),
		track:     t,
		enc:       enc,
		ctx:       ctx,
		cancel:    cancel,
		pcm:       make(chan []int16, c.cfg.PCMQueueSize),
		opus:      make(chan []byte, c.cfg.OpusQueueSize),
		sink:      &cacheSink{},
		startedAt: time.Now(),
	}
	r.buffering.Store(true)
	return r
}

func (r *run) start() {
	r.wg.Add(2)
	go r.decodeLoop()
	go r.encodeLoop()
}

func (r *run) sourceLabel() string {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	return r.source
}

// setSource publishes src. It returns false, closing src, when the run was
// torn down while the source was opening.
func (r *run) setSource(src io.ReadCloser, label string) bool {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	if r.closed.Load() {
		_ = src.Close()
		return false
	}
	r.src = src
	r.source = label
	return true
}

func (r *run) closeSource() {
	r.srcMu.Lock()
	src := r.src
	r.src = nil
	r.srcMu.Unlock()
	if src != nil {
		_ = src.Close()
	}
}

// finish releases a run that ended naturally. The stage goroutines have
// already returned.
func (r *run) finish() {
	r.cancel()
	r.closeSource()
}

func (r *run) emit(e audio.Event) {
	if r.closed.Load() {
		return
	}
	r.c.emit(e)
}

// fail reports a fatal track failure: the cache write is aborted and the run
// ends with LoadFailed. Failures during teardown are not reported.
func (r *run) fail(reason, msg string) {
	r.sink.finalize(false)
	if r.closed.Load() || r.ctx.Err() != nil {
		return
	}
	if !r.ended.CompareAndSwap(false, true) {
		return
	}
	r.log.Error("streamer: track failed", "reason", reason, "err", msg)
	r.c.cfg.Metrics.RecordPipelineFailure(r.ctx, reason)
	r.emit(audio.Event{Type: audio.EventTrackFailed, Track: r.track, Severity: audio.SeverityFault, Message: msg})
	r.emit(audio.Event{Type: audio.EventTrackEnded, Track: r.track, Reason: audio.EndLoadFailed})
	r.cancel()
}

// maybeLeaveBuffering moves the run out of buffering once enough PCM is
// queued or the source is exhausted. The first transition emits
// TrackStarted. It reports whether the run is no longer buffering.
func (r *run) maybeLeaveBuffering() bool {
	if !r.buffering.Load() {
		return true
	}
	if len(r.pcm) < r.c.cfg.MinBuffer && !r.exhausted.Load() {
		return false
	}
	if !r.buffering.CompareAndSwap(true, false) {
		return true
	}
	if r.started.CompareAndSwap(false, true) {
		d := time.Since(r.startedAt)
		r.log.Info("streamer: track started",
			"source", r.sourceLabel(),
			"startup", d,
			"pcm_queued", len(r.pcm),
		)
		r.c.cfg.Metrics.RecordTrackStartup(r.ctx, r.sourceLabel(), d)
		r.emit(audio.Event{Type: audio.EventTrackStarted, Track: r.track})
	} else {
		r.log.Info("streamer: buffer refilled", "pcm_queued", len(r.pcm))
	}
	return true
}

// open picks the source: the PCM cache when it holds the track, the live
// fetch chain otherwise. A live source is teed into the cache when caching is
// enabled.
func (r *run) open() (io.ReadCloser, string, error) {
	cfg := r.c.cfg
	metrics := cfg.Metrics
	uri := r.track.URI

	if cfg.Cache != nil {
		if cfg.Cache.HasTrack(uri) {
			src, err := cfg.Cache.LoadTrack(uri)
			if err == nil {
				metrics.RecordCacheLookup(r.ctx, observe.CacheHit)
				return src, SourceCache, nil
			}
			if !errors.Is(err, cache.ErrNotCached) {
				r.log.Warn("streamer: cache read failed, falling back to live fetch", "err", err)
			}
			metrics.RecordCacheLookup(r.ctx, observe.CacheStale)
		} else {
			metrics.RecordCacheLookup(r.ctx, observe.CacheMiss)
		}
	}

	src, err := cfg.Fetcher.Start(r.ctx, uri)
	if err != nil {
		return nil, "", err
	}

	if cfg.Cache != nil {
		w, err := cfg.Cache.StartSavingTrack(uri)
		switch {
		case err == nil:
			r.sink.open(cfg.Cache, uri, w)
		case errors.Is(err, cache.ErrSaveInProgress):
			r.log.Debug("streamer: another session is caching this track")
		default:
			r.log.Warn("streamer: cannot start cache write", "err", err)
		}
	}
	return src, SourceLive, nil
}

// sleep waits for d or until the run is cancelled. It reports whether the run
// is still active.
func (r *run) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *run) decodeLoop() {
	defer r.wg.Done()
	cfg := r.c.cfg

	src, label, err := r.open()
	if err != nil {
		r.fail("open", fmt.Sprintf("open source: %v", err))
		return
	}
	if !r.setSource(src, label) {
		r.sink.finalize(false)
		return
	}
	r.log.Debug("streamer: decode started", "source", label)

	buf := make([]byte, audio.FrameBytes)
	fromCache := label == SourceCache
	var frames int64

	for r.ctx.Err() == nil {
		if r.c.paused.Load() {
			if !r.sleep(cfg.DecodePausePoll) {
				break
			}
			continue
		}

		if fromCache {
			switch n := len(r.pcm); {
			case n > cfg.CacheThrottleHigh:
				if !r.sleep(cfg.CacheThrottleSlow) {
					return
				}
				continue
			case n > cfg.CacheThrottleLow:
				if !r.sleep(cfg.CacheThrottleFast) {
					return
				}
			}
		}

		n, err := io.ReadFull(src, buf)
		last := false
		switch {
		case errors.Is(err, io.EOF):
			// Clean end on a frame boundary.
		case errors.Is(err, io.ErrUnexpectedEOF):
			clear(buf[n:])
			last = true
		case err != nil:
			if r.ctx.Err() != nil {
				return
			}
			r.fail("read", fmt.Sprintf("read source: %v", err))
			return
		}
		if errors.Is(err, io.EOF) {
			break
		}

		if werr := r.sink.write(buf); werr != nil {
			r.log.Warn("streamer: cache write failed, continuing without cache", "err", werr)
			r.sink.finalize(false)
		}

		frame := audio.DecodeFrame(nil, buf)
		frames++
		r.frames.Store(frames)
		if !r.offerPCM(frame) {
			if r.ctx.Err() != nil {
				return
			}
			r.log.Warn("streamer: pcm queue full, dropping frame", "pcm_queued", len(r.pcm))
			cfg.Metrics.RecordFrameDropped(r.ctx, observe.StagePCM)
		}
		r.maybeLeaveBuffering()

		if frames%int64(cfg.SuspiciousEvery) == 0 && len(r.pcm) > cfg.SuspiciousPCM {
			queued := len(r.pcm)
			r.log.Warn("streamer: pcm queue suspiciously full",
				"pcm_queued", queued,
				"opus_queued", len(r.opus),
				"source", label,
			)
			r.emit(audio.Event{
				Type:     audio.EventTrackFailed,
				Track:    r.track,
				Severity: audio.SeveritySuspicious,
				Message:  fmt.Sprintf("pcm queue suspiciously full (%d frames)", queued),
			})
		}
		if last {
			break
		}
	}

	if r.ctx.Err() != nil {
		return
	}

	if frames == 0 {
		r.fail("empty", "source produced no audio")
		return
	}

	if w, ok := src.(interface{ Wait() error }); ok {
		if err := w.Wait(); err != nil {
			r.sink.finalize(false)
			r.log.Warn("streamer: source exited with error after producing audio", "err", err, "frames", frames)
			r.emit(audio.Event{
				Type:     audio.EventTrackFailed,
				Track:    r.track,
				Severity: audio.SeveritySuspicious,
				Message:  err.Error(),
			})
		}
	}
	r.sink.finalize(true)

	r.exhausted.Store(true)
	r.maybeLeaveBuffering()
	r.log.Debug("streamer: source exhausted", "frames", frames)
}

func (r *run) encodeLoop() {
	defer r.wg.Done()
	cfg := r.c.cfg

	for r.ctx.Err() == nil {
		if r.c.paused.Load() {
			if !r.sleep(cfg.EncodePausePoll) {
				return
			}
			continue
		}

		if len(r.opus) >= cfg.OpusTarget {
			if !r.sleep(cfg.EncodeFullSleep) {
				return
			}
			continue
		}

		poll := cfg.EncodePollSlow
		if len(r.opus) < cfg.OpusLow {
			poll = cfg.EncodePollFast
		}
		timer := time.NewTimer(poll)

		var frame []int16
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case frame = <-r.pcm:
			timer.Stop()
		case <-timer.C:
			if r.exhausted.Load() && len(r.pcm) == 0 {
				r.drained.Store(true)
				r.log.Debug("streamer: encode drained")
				return
			}
			continue
		}

		audio.ApplyVolume(frame, r.c.Volume())
		began := time.Now()
		packet, err := r.enc.Encode(frame)
		if err != nil {
			r.log.Warn("streamer: encode failed, skipping frame", "err", err)
			continue
		}
		cfg.Metrics.RecordEncode(r.ctx, time.Since(began))

		if !r.offerOpus(packet) {
			if r.ctx.Err() != nil {
				return
			}
			r.log.Warn("streamer: opus queue full, dropping frame", "opus_queued", len(r.opus))
			cfg.Metrics.RecordFrameDropped(r.ctx, observe.StageOpus)
		}
	}
}

func (r *run) offerPCM(f []int16) bool {
	select {
	case r.pcm <- f:
		return true
	default:
	}
	t := time.NewTimer(r.c.cfg.OfferTimeout)
	defer t.Stop()
	select {
	case r.pcm <- f:
		return true
	case <-t.C:
		return false
	case <-r.ctx.Done():
		return false
	}
}

func (r *run) offerOpus(p []byte) bool {
	select {
	case r.opus <- p:
		return true
	default:
	}
	t := time.NewTimer(r.c.cfg.OfferTimeout)
	defer t.Stop()
	select {
	case r.opus <- p:
		return true
	case <-t.C:
		return false
	case <-r.ctx.Done():
		return false
	}
}

// cacheSink tees decoded PCM into a pending cache write. It is finalized
// exactly once: committed after a clean end of stream, discarded otherwise.
type cacheSink struct {
	mu    sync.Mutex
	cache Cache
	uri   string
	w     io.WriteCloser
	done  bool
}

func (s *cacheSink) open(c Cache, uri string, w io.WriteCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache, s.uri, s.w = c, uri, w
}

func (s *cacheSink) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil || s.done {
		return nil
	}
	_, err := s.w.Write(b)
	return err
}

func (s *cacheSink) finalize(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil || s.done {
		return
	}
	s.done = true
	if err := s.w.Close(); err != nil {
		slog.Warn("streamer: close cache write", "uri", s.uri, "err", err)
		success = false
	}
	if err := s.cache.FinalizeSave(s.uri, success); err != nil {
		slog.Warn("streamer: finalize cache write", "uri", s.uri, "success", success, "err", err)
		return
	}
	if success {
		slog.Info("streamer: track cached", "uri", s.uri)
	}
}
