// Package audio provides the PCM primitives shared by every pipeline stage:
// the Frame value type, G.711 μ-law encode/decode for telephony edges, and
// linear-interpolation sample-rate conversion in both a stateless and a
// stream-continuous form.
package audio

import "time"

// Frame represents a fixed-duration slice of PCM samples flowing through the
// pipeline. Frames are the atomic unit the voice activity detector operates
// on: constructed per chunk boundary, classified, and either discarded or
// retained inside an in-progress utterance.
type Frame struct {
	// Data is little-endian 16-bit mono PCM.
	Data []byte

	// SampleRate in Hz (e.g., 8000 for telephony input, 16000 for STT).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame derived from its sample count.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// BytesPerFrame returns the byte length of one mono 16-bit PCM frame of the
// given duration at the given sample rate.
func BytesPerFrame(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * 2
}
