package opus

import (
	"math"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/voxstream/pkg/audio"
)

func sineFrame(phase *float64) []int16 {
	pcm := make([]int16, audio.FrameInt16s)
	for i := 0; i < audio.FrameSamples; i++ {
		v := int16(8000 * math.Sin(*phase))
		pcm[i*2] = v
		pcm[i*2+1] = v
		*phase += 2 * math.Pi * 440 / audio.SampleRate
	}
	return pcm
}

func TestEncoder_EncodesWithinPacketBound(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(Config{})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if enc.Bitrate() != DefaultBitrate {
		t.Errorf("Bitrate = %d, want %d", enc.Bitrate(), DefaultBitrate)
	}

	var phase float64
	for i := range 10 {
		packet, err := enc.Encode(sineFrame(&phase))
		if err != nil {
			t.Fatalf("Encode[%d]: %v", i, err)
		}
		if len(packet) == 0 || len(packet) > audio.MaxOpusPacket {
			t.Fatalf("Encode[%d]: packet length %d out of (0, %d]", i, len(packet), audio.MaxOpusPacket)
		}
	}
}

func TestEncoder_RejectsWrongFrameSize(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(Config{})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode(make([]int16, 10)); err == nil {
		t.Fatal("Encode with a short frame: expected error")
	}
}

func TestEncoder_ResetKeepsSettings(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(Config{Bitrate: 128000})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	enc.SetBitrate(96000)
	if err := enc.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if enc.Bitrate() != 96000 {
		t.Errorf("Bitrate after Reset = %d, want 96000", enc.Bitrate())
	}
	if _, err := enc.Encode(make([]int16, audio.FrameInt16s)); err != nil {
		t.Fatalf("Encode after Reset: %v", err)
	}
}

func TestEncoder_ResetKeepsEncoderInstance(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(Config{})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	before := enc.enc
	var phase float64
	if _, err := enc.Encode(sineFrame(&phase)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := enc.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if enc.enc != before {
		t.Error("Reset replaced the underlying encoder, want state reset in place")
	}
}

func TestEncoder_Application(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(Config{})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if got := enc.Application(); got != gopus.Audio {
		t.Errorf("default Application = %v, want %v", got, gopus.Audio)
	}

	enc.SetApplication(gopus.Voip)
	if got := enc.Application(); got != gopus.Voip {
		t.Errorf("Application after SetApplication = %v, want %v", got, gopus.Voip)
	}
	if err := enc.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := enc.Application(); got != gopus.Voip {
		t.Errorf("Application after Reset = %v, want %v", got, gopus.Voip)
	}
	if _, err := enc.Encode(make([]int16, audio.FrameInt16s)); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	low, err := NewEncoder(Config{Application: gopus.RestrictedLowDelay})
	if err != nil {
		t.Fatalf("NewEncoder(RestrictedLowDelay): %v", err)
	}
	if got := low.Application(); got != gopus.RestrictedLowDelay {
		t.Errorf("Application = %v, want %v", got, gopus.RestrictedLowDelay)
	}
}
