package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/pkg/audio"
)

var _ Strategy = (*Paced)(nil)

// Sink transmits one Opus frame over the network channel.
type Sink interface {
	SendAudio(ctx context.Context, guildID string, frame []byte) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, guildID string, frame []byte) error

// SendAudio calls f.
func (f SinkFunc) SendAudio(ctx context.Context, guildID string, frame []byte) error {
	return f(ctx, guildID, frame)
}

// PacedConfig configures a [Paced] strategy. Zero values select defaults that
// depend on Fast.
type PacedConfig struct {
	// GuildID identifies the session in outbound frames and logs.
	GuildID string

	// Fast selects fast mode: frames are pulled as soon as they are ready and
	// the receiver paces playback itself. Fixed for the lifetime of the
	// strategy.
	Fast bool

	// QueueSize bounds the outbound queue. Default: 50000 (fast) / 1000.
	QueueSize int

	// OfferTimeout bounds an enqueue before the frame is dropped. Default: 1s.
	OfferTimeout time.Duration

	// SenderPoll bounds one dequeue attempt. Default: 10ms (fast) / 100ms.
	SenderPoll time.Duration

	// IdlePoll is how long the fast generator waits when the source has
	// nothing ready. Default: 1ms.
	IdlePoll time.Duration

	// Metrics records dropped frames. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Paced is the push delivery strategy. A generator goroutine pulls frames
// from the source into a bounded queue and a sender goroutine drains it into
// the [Sink].
type Paced struct {
	cfg  PacedConfig
	src  audio.FrameSource
	sink Sink

	queue chan []byte
	log   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	g      *errgroup.Group
}

// NewPaced creates a stopped paced strategy.
func NewPaced(src audio.FrameSource, sink Sink, cfg PacedConfig) *Paced {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
		if cfg.Fast {
			cfg.QueueSize = 50000
		}
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = time.Second
	}
	if cfg.SenderPoll <= 0 {
		cfg.SenderPoll = 100 * time.Millisecond
		if cfg.Fast {
			cfg.SenderPoll = 10 * time.Millisecond
		}
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Paced{
		cfg:   cfg,
		src:   src,
		sink:  sink,
		queue: make(chan []byte, cfg.QueueSize),
		log:   slog.With("guild_id", cfg.GuildID, "fast", cfg.Fast),
	}
}

// Start launches the generator and sender. Calling Start on a running
// strategy is a no-op.
func (p *Paced) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.g != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.g = g

	if p.cfg.Fast {
		g.Go(func() error { p.generateFast(ctx); return nil })
	} else {
		g.Go(func() error { p.generatePaced(ctx, time.Now()); return nil })
	}
	g.Go(func() error { p.send(ctx); return nil })

	p.log.Info("consumer: paced delivery started")
	return nil
}

// Stop cancels both goroutines, waits for them and discards queued frames.
func (p *Paced) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.g == nil {
		return
	}
	p.cancel()
	_ = p.g.Wait()
	p.g = nil
	dropped := audio.DrainNow(p.queue)
	p.log.Info("consumer: paced delivery stopped", "discarded", dropped)
}

// Source returns the frame source.
func (p *Paced) Source() audio.FrameSource { return p.src }

// Queued returns the number of frames waiting to be sent.
func (p *Paced) Queued() int { return len(p.queue) }

func (p *Paced) generateFast(ctx context.Context) {
	idle := time.NewTicker(p.cfg.IdlePoll)
	defer idle.Stop()
	for ctx.Err() == nil {
		if p.src.CanProvide() {
			if f, ok := p.src.Provide(); ok {
				p.offer(ctx, f)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
	}
}

// generatePaced emits exactly one frame per 20 ms tick. Deadlines are derived
// from start and the frame count so that scheduling jitter does not
// accumulate. Ticks without audio carry the Opus silence frame.
func (p *Paced) generatePaced(ctx context.Context, start time.Time) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for n := int64(0); ; n++ {
		deadline := start.Add(time.Duration(n) * audio.FrameDuration)
		if wait := time.Until(deadline); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		frame := audio.SilenceFrame()
		if p.src.CanProvide() {
			if f, ok := p.src.Provide(); ok {
				frame = f
			}
		}
		p.offer(ctx, frame)
	}
}

func (p *Paced) offer(ctx context.Context, f []byte) {
	select {
	case p.queue <- f:
		return
	default:
	}
	t := time.NewTimer(p.cfg.OfferTimeout)
	defer t.Stop()
	select {
	case p.queue <- f:
	case <-ctx.Done():
	case <-t.C:
		p.log.Warn("consumer: outbound queue full, dropping frame", "queued", len(p.queue))
		p.cfg.Metrics.RecordFrameDropped(ctx, observe.StageOutbound)
	}
}

func (p *Paced) send(ctx context.Context) {
	for {
		t := time.NewTimer(p.cfg.SenderPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			continue
		case f := <-p.queue:
			t.Stop()
			if err := p.sink.SendAudio(ctx, p.cfg.GuildID, f); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn("consumer: send audio failed", "err", err)
			}
		}
	}
}
