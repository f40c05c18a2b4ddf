package audio

import "time"

// The delivery format is fixed: 48 kHz interleaved stereo signed 16-bit PCM
// in, one Opus packet per 20 ms out.
const (
	// SampleRate is the PCM sample rate in Hz.
	SampleRate = 48000

	// Channels is the number of interleaved PCM channels.
	Channels = 2

	// FrameDuration is the playback length of a single frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000 // 960

	// FrameInt16s is the number of interleaved int16 values in one PCM frame.
	FrameInt16s = FrameSamples * Channels // 1920

	// FrameBytes is the size of one raw s16le PCM frame: 960 × 2 × 2.
	FrameBytes = FrameInt16s * 2 // 3840

	// MaxOpusPacket is the upper bound for a single encoded Opus frame.
	MaxOpusPacket = 4000
)

// silenceFrame is the minimal Opus packet that decodes to 20 ms of silence.
var silenceFrame = [3]byte{0xF8, 0xFF, 0xFE}

// SilenceFrame returns a fresh copy of the 3-byte Opus silence packet. A copy
// is returned so that receivers may retain or mutate the slice.
func SilenceFrame() []byte {
	f := silenceFrame
	return f[:]
}

// IsSilence reports whether frame is the Opus silence packet.
func IsSilence(frame []byte) bool {
	return len(frame) == len(silenceFrame) &&
		frame[0] == silenceFrame[0] &&
		frame[1] == silenceFrame[1] &&
		frame[2] == silenceFrame[2]
}

// FrameSource is the pull side of a playback session. Delivery strategies call
// CanProvide before every Provide; Provide never blocks.
type FrameSource interface {
	// CanProvide reports whether an Opus frame is ready for delivery. It may
	// drive state transitions (rebuffering, natural end of track).
	CanProvide() bool

	// Provide pops one Opus frame. The boolean is false when no frame was
	// available.
	Provide() ([]byte, bool)
}
