package audio

// G.711 μ-law codec. Telephony transports (Twilio media streams, SIP trunks)
// deliver 8-bit μ-law at 8 kHz; the pipeline works in linear 16-bit PCM, so
// these converters sit at the very edges of the stream.

const (
	muLawBias = 0x84  // 132: shifts encode input into the log segment table
	muLawClip = 32635 // max magnitude representable after bias
)

// EncodeMuLawSample compresses one linear 16-bit PCM sample to 8-bit μ-law
// using the standard 8-segment biased logarithmic law.
func EncodeMuLawSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	// Locate the segment: the highest set bit among bits 7..14.
	exponent := byte(7)
	for mask := int32(0x4000); mask&v == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLawSample expands one 8-bit μ-law byte back to linear 16-bit PCM.
func DecodeMuLawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	v := (int32(mantissa)<<3 + muLawBias) << exponent
	v -= muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// EncodeMuLaw compresses little-endian 16-bit PCM to μ-law bytes. A trailing
// partial sample (odd byte) is truncated silently.
func EncodeMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeMuLawSample(s)
	}
	return out
}

// DecodeMuLaw expands μ-law bytes to little-endian 16-bit PCM.
func DecodeMuLaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := DecodeMuLawSample(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
