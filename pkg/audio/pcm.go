package audio

import "math"

// MaxVolume is the upper bound for a volume multiplier.
const MaxVolume = 5.0

// ClampVolume restricts v to [0, MaxVolume]. NaN maps to 0.
func ClampVolume(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}

// DecodeFrame converts little-endian s16le bytes into dst and returns it. A
// buffer shorter than one frame is treated as zero-padded. dst is reallocated
// when it cannot hold [FrameInt16s] samples.
func DecodeFrame(dst []int16, b []byte) []int16 {
	if cap(dst) < FrameInt16s {
		dst = make([]int16, FrameInt16s)
	}
	dst = dst[:FrameInt16s]
	n := len(b) / 2
	if n > FrameInt16s {
		n = FrameInt16s
	}
	for i := range n {
		dst[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	clear(dst[n:])
	return dst
}

// EncodeFrame writes pcm as little-endian bytes into dst and returns it.
func EncodeFrame(dst []byte, pcm []int16) []byte {
	if cap(dst) < len(pcm)*2 {
		dst = make([]byte, len(pcm)*2)
	}
	dst = dst[:len(pcm)*2]
	for i, s := range pcm {
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return dst
}

// ApplyVolume scales pcm in place by v, saturating at the int16 range. A
// volume of exactly 1 leaves the samples untouched.
func ApplyVolume(pcm []int16, v float64) {
	if v == 1 {
		return
	}
	for i, s := range pcm {
		scaled := float64(s) * v
		switch {
		case scaled > math.MaxInt16:
			pcm[i] = math.MaxInt16
		case scaled < math.MinInt16:
			pcm[i] = math.MinInt16
		default:
			pcm[i] = int16(scaled)
		}
	}
}
