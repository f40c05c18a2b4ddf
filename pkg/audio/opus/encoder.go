// Package opus wraps the layeh.com/gopus libopus binding with the fixed
// voxstream delivery format: 48 kHz stereo, 20 ms frames, application type
// "audio" (music-tuned), high bitrate.
//
// An [Encoder] carries mutable codec state between frames and is owned by
// exactly one playback pipeline at a time. It is not safe for concurrent use.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voxstream/pkg/audio"
)

// DefaultBitrate is the target bitrate in bits per second.
const DefaultBitrate = 384000

// Config configures a new [Encoder].
type Config struct {
	// Bitrate in bits per second. Zero selects [DefaultBitrate]. Values above
	// the libopus maximum are clamped by libopus itself.
	Bitrate int

	// VBR enables variable bitrate. Defaults to false (constant bitrate) which
	// keeps packet sizes predictable for the network layer.
	VBR bool

	// Application selects the libopus tuning. Zero selects gopus.Audio.
	Application gopus.Application
}

// Encoder encodes 20 ms PCM frames to Opus packets.
type Encoder struct {
	cfg Config
	enc *gopus.Encoder
}

// NewEncoder creates an encoder for the fixed delivery format.
func NewEncoder(cfg Config) (*Encoder, error) {
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = DefaultBitrate
	}
	if cfg.Application == 0 {
		cfg.Application = gopus.Audio
	}
	e := &Encoder{cfg: cfg}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Encoder) init() error {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, e.cfg.Application)
	if err != nil {
		return fmt.Errorf("opus: create encoder: %w", err)
	}
	enc.SetBitrate(e.cfg.Bitrate)
	enc.SetVbr(e.cfg.VBR)
	e.enc = enc
	return nil
}

// Encode encodes one frame of interleaved stereo samples. pcm must hold
// exactly [audio.FrameInt16s] values. The returned packet is at most
// [audio.MaxOpusPacket] bytes and owned by the caller.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != audio.FrameInt16s {
		return nil, fmt.Errorf("opus: encode: got %d samples, want %d", len(pcm), audio.FrameInt16s)
	}
	packet, err := e.enc.Encode(pcm, audio.FrameSamples, audio.MaxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Reset discards all inter-frame codec state (OPUS_RESET_STATE) so that the
// next frame is encoded as the start of a new stream. Bitrate, VBR and
// application settings are kept.
func (e *Encoder) Reset() error {
	e.enc.ResetState()
	return nil
}

// SetApplication changes the libopus tuning. libopus only accepts a new
// application at stream start, so the codec state is reset first.
func (e *Encoder) SetApplication(app gopus.Application) {
	e.cfg.Application = app
	e.enc.ResetState()
	e.enc.SetApplication(app)
}

// Application returns the application the underlying encoder reports.
func (e *Encoder) Application() gopus.Application {
	return e.enc.Application()
}

// SetBitrate changes the target bitrate for subsequent frames.
func (e *Encoder) SetBitrate(bps int) {
	if bps <= 0 {
		bps = DefaultBitrate
	}
	e.cfg.Bitrate = bps
	e.enc.SetBitrate(bps)
}

// Bitrate returns the configured target bitrate.
func (e *Encoder) Bitrate() int {
	return e.cfg.Bitrate
}
