package audio

import (
	"bytes"
	"math"
	"testing"
)

// sineWave produces n samples of a sine at freq Hz, sampled at rate Hz, with
// the given peak amplitude, as little-endian 16-bit PCM.
func sineWave(freq float64, rate, n int, amplitude float64) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// dominantFreq estimates the dominant frequency of a mono PCM buffer by
// counting zero crossings.
func dominantFreq(pcm []byte, rate int) float64 {
	n := len(pcm) / 2
	if n < 2 {
		return 0
	}
	crossings := 0
	prev := int16(pcm[0]) | int16(pcm[1])<<8
	for i := 1; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if (prev < 0 && s >= 0) || (prev >= 0 && s < 0) {
			crossings++
		}
		prev = s
	}
	duration := float64(n) / float64(rate)
	return float64(crossings) / 2 / duration
}

func TestResampleIdentity(t *testing.T) {
	t.Parallel()

	pcm := sineWave(440, 16000, 1600, 10000)
	out := ResampleMono16(pcm, 16000, 16000)
	if !bytes.Equal(out, pcm) {
		t.Fatal("same-rate resample must return input bytes unchanged")
	}

	r := NewResampler(16000, 16000)
	if got := r.Process(pcm); !bytes.Equal(got, pcm) {
		t.Fatal("same-rate Resampler must return input bytes unchanged")
	}
}

func TestResampleRoundTripPreservesFrequency(t *testing.T) {
	t.Parallel()

	const (
		freq = 440.0
		rate = 16000
	)
	pcm := sineWave(freq, rate, rate/2, 12000) // 500 ms

	down := ResampleMono16(pcm, rate, 8000)
	back := ResampleMono16(down, 8000, rate)

	got := dominantFreq(back, rate)
	if math.Abs(got-freq) > freq*0.05 {
		t.Fatalf("dominant frequency after 16k→8k→16k round trip: want ~%.0f Hz, got %.1f Hz", freq, got)
	}
}

func TestResampleUpsampleLength(t *testing.T) {
	t.Parallel()

	pcm := sineWave(300, 8000, 800, 8000) // 100 ms at 8 kHz
	out := ResampleMono16(pcm, 8000, 16000)
	if len(out) != 1600*2 {
		t.Fatalf("upsampled length: want %d bytes, got %d", 1600*2, len(out))
	}
}

func TestResamplerContinuityAcrossChunks(t *testing.T) {
	t.Parallel()

	const (
		rate    = 16000
		dst     = 8000
		total   = 4800 // 300 ms
		chunkSz = 160 * 2
	)
	pcm := sineWave(200, rate, total, 10000)

	r := NewResampler(rate, dst)
	var out []byte
	for off := 0; off < len(pcm); off += chunkSz {
		end := min(off+chunkSz, len(pcm))
		out = append(out, r.Process(pcm[off:end])...)
	}

	// Output length must match the rate ratio within one sample per chunk
	// worth of rounding.
	wantSamples := total * dst / rate
	gotSamples := len(out) / 2
	if gotSamples < wantSamples-2 || gotSamples > wantSamples+2 {
		t.Fatalf("chunked resample output: want ~%d samples, got %d", wantSamples, gotSamples)
	}

	// A 200 Hz sine at 8 kHz moves at most ~1600 PCM units between adjacent
	// samples. Any chunk-boundary discontinuity would show up as a far larger
	// step.
	prev := int16(out[0]) | int16(out[1])<<8
	for i := 1; i < gotSamples; i++ {
		s := int16(out[i*2]) | int16(out[i*2+1])<<8
		delta := int32(s) - int32(prev)
		if delta < 0 {
			delta = -delta
		}
		if delta > 2500 {
			t.Fatalf("discontinuity at sample %d: step of %d PCM units", i, delta)
		}
		prev = s
	}

	got := dominantFreq(out, dst)
	if math.Abs(got-200) > 200*0.05 {
		t.Fatalf("dominant frequency after chunked resample: want ~200 Hz, got %.1f Hz", got)
	}
}

func TestResamplerReset(t *testing.T) {
	t.Parallel()

	pcm := sineWave(440, 16000, 320, 10000)
	r := NewResampler(16000, 8000)
	first := r.Process(pcm)
	r.Reset()
	second := r.Process(pcm)
	if !bytes.Equal(first, second) {
		t.Fatal("Reset must restore the initial resampler state")
	}
}
