// Package audio holds the PCM buffer type shared by the engine adapters and the
// assembler, plus WAV encoding and reference-audio normalization.
package audio

import "time"

// Buffer is mono PCM audio. Samples are normalized to [-1, 1].
type Buffer struct {
	SampleRate int
	Samples    []float32
}

// Duration reports the playback length at the buffer's own sample rate.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Empty reports whether the buffer carries no samples.
func (b Buffer) Empty() bool { return len(b.Samples) == 0 }

// FloatToInt16 converts a normalized sample to 16-bit PCM, clipping out-of-range input.
func FloatToInt16(s float32) int16 {
	v := float64(s) * 32767
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}

// Int16ToFloat converts a 16-bit PCM sample to the normalized range.
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32768
}
