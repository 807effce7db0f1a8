package audio

import "math"

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged. The conversion is
// stateless; for chunked streams use [Resampler], which preserves signal
// continuity across chunk boundaries.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Resampler converts a chunked mono 16-bit PCM stream from one sample rate to
// another with linear interpolation. Unlike [ResampleMono16] it carries a
// fractional read position and the last source sample across calls, so chunk
// boundaries introduce no discontinuity.
//
// A Resampler belongs to a single stream; it is not safe for concurrent use.
type Resampler struct {
	srcRate int
	dstRate int

	// pos is the fractional read position relative to the start of the next
	// chunk. The sample at virtual index -1 is the final sample of the
	// previous chunk, kept in last.
	pos    float64
	last   int16
	primed bool
}

// NewResampler returns a Resampler converting srcRate to dstRate. Rates must
// be positive; equal rates yield an identity transform.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{srcRate: srcRate, dstRate: dstRate}
}

// Process converts one chunk and returns the resampled PCM. The returned
// slice may be empty when the chunk is too short to produce output at the
// current read position; the fractional position is still advanced. A
// trailing partial sample (odd byte) is truncated silently.
func (r *Resampler) Process(chunk []byte) []byte {
	if r.srcRate <= 0 || r.dstRate <= 0 || r.srcRate == r.dstRate {
		return chunk
	}
	n := len(chunk) / 2
	if n == 0 {
		return nil
	}

	sample := func(i int) int16 {
		if i < 0 {
			if r.primed {
				return r.last
			}
			return int16(chunk[0]) | int16(chunk[1])<<8
		}
		if i >= n {
			i = n - 1
		}
		return int16(chunk[i*2]) | int16(chunk[i*2+1])<<8
	}

	ratio := float64(r.srcRate) / float64(r.dstRate)
	out := make([]byte, 0, (int(float64(n)/ratio)+2)*2)

	pos := r.pos
	for pos <= float64(n-1) {
		i0 := int(math.Floor(pos))
		frac := pos - float64(i0)
		s0 := sample(i0)
		s1 := sample(i0 + 1)
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out = append(out, byte(v), byte(v>>8))
		pos += ratio
	}

	r.pos = pos - float64(n)
	r.last = sample(n - 1)
	r.primed = true
	return out
}

// Reset clears the carried position and sample so the next chunk starts a
// fresh stream.
func (r *Resampler) Reset() {
	r.pos = 0
	r.last = 0
	r.primed = false
}
