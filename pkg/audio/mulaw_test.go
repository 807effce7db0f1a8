package audio

import "testing"

// quantizationBound returns the maximum round-trip error for a sample, which
// is the step size of the μ-law segment the sample falls into.
func quantizationBound(s int16) int32 {
	v := int32(s)
	if v < 0 {
		v = -v
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias
	exponent := int32(7)
	for mask := int32(0x4000); mask&v == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	return 1 << (exponent + 3)
}

func TestMuLawRoundTrip(t *testing.T) {
	t.Parallel()

	// Sweep the full 16-bit range at a stride that still hits every segment.
	for s := -32768; s <= 32767; s += 37 {
		orig := int16(s)
		dec := DecodeMuLawSample(EncodeMuLawSample(orig))

		diff := int32(orig) - int32(dec)
		if diff < 0 {
			diff = -diff
		}
		if bound := quantizationBound(orig); diff > bound {
			t.Fatalf("sample %d: round-trip error %d exceeds segment bound %d (decoded %d)",
				orig, diff, bound, dec)
		}
	}
}

func TestMuLawKnownValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sample int16
	}{
		{"zero", 0},
		{"small positive", 100},
		{"small negative", -100},
		{"mid positive", 8000},
		{"mid negative", -8000},
		{"clip positive", 32767},
		{"clip negative", -32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := EncodeMuLawSample(tt.sample)
			dec := DecodeMuLawSample(enc)
			// Sign must be preserved for non-silence samples.
			if tt.sample > 256 && dec <= 0 {
				t.Errorf("sample %d decoded to %d, lost sign", tt.sample, dec)
			}
			if tt.sample < -256 && dec >= 0 {
				t.Errorf("sample %d decoded to %d, lost sign", tt.sample, dec)
			}
		})
	}
}

func TestEncodeMuLawTruncatesPartialSample(t *testing.T) {
	t.Parallel()

	// 5 bytes = 2 full samples + 1 trailing byte that must be dropped.
	pcm := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	out := EncodeMuLaw(pcm)
	if len(out) != 2 {
		t.Fatalf("encoded length: want 2, got %d", len(out))
	}
}

func TestDecodeMuLawLength(t *testing.T) {
	t.Parallel()

	in := []byte{0x00, 0x7F, 0xFF, 0x80}
	out := DecodeMuLaw(in)
	if len(out) != len(in)*2 {
		t.Fatalf("decoded length: want %d, got %d", len(in)*2, len(out))
	}
}
