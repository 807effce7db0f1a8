package audio

// Format describes the encoding and rate of an audio byte stream at a
// pipeline edge.
type Format struct {
	// MuLaw marks 8-bit G.711 μ-law encoding; false means 16-bit
	// little-endian PCM.
	MuLaw bool

	// SampleRate in Hz.
	SampleRate int
}

// Converter transforms chunks of audio from one Format to another,
// preserving fractional resampler state across chunk boundaries. A
// zero-conversion Converter (identical formats) passes chunks through
// untouched.
type Converter struct {
	src, dst  Format
	resampler *Resampler
}

// NewConverter returns a Converter from src to dst.
func NewConverter(src, dst Format) *Converter {
	c := &Converter{src: src, dst: dst}
	if src.SampleRate != dst.SampleRate {
		c.resampler = NewResampler(src.SampleRate, dst.SampleRate)
	}
	return c
}

// Process converts one chunk. The returned slice is freshly allocated
// unless no conversion is needed, in which case the input is returned
// as-is.
func (c *Converter) Process(chunk []byte) []byte {
	if len(chunk) == 0 {
		return chunk
	}
	out := chunk
	if c.src.MuLaw {
		out = DecodeMuLaw(out)
	}
	if c.resampler != nil {
		out = c.resampler.Process(out)
	}
	if c.dst.MuLaw {
		out = EncodeMuLaw(out)
	}
	return out
}

// Reset clears accumulated resampler state, for reuse across streams.
func (c *Converter) Reset() {
	if c.resampler != nil {
		c.resampler.Reset()
	}
}

// ConvertStream wraps in with a goroutine that converts every chunk from
// src to dst. The returned channel closes after in closes and all
// converted chunks have been delivered. Empty conversion results are
// dropped rather than forwarded.
func ConvertStream(in <-chan []byte, src, dst Format) <-chan []byte {
	if src == dst {
		return in
	}
	out := make(chan []byte, cap(in))
	go func() {
		defer close(out)
		conv := NewConverter(src, dst)
		for chunk := range in {
			if converted := conv.Process(chunk); len(converted) > 0 {
				out <- converted
			}
		}
	}()
	return out
}
