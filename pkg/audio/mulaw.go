package audio

// G.711 µ-law companding. The 8-bit code space maps bijectively onto 256
// PCM16 values, so decode→encode is byte-exact; encode of arbitrary PCM is
// lossy.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncodeSample compands one linear PCM16 sample to a µ-law byte.
func MulawEncodeSample(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// MulawDecodeSample expands one µ-law byte to a linear PCM16 sample.
func MulawDecodeSample(code byte) int16 {
	code = ^code
	sign := code & 0x80
	exponent := (code >> 4) & 0x07
	mantissa := code & 0x0F

	s := (int32(mantissa)<<3 + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}
