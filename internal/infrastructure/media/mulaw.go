package media

const (
	muLawBias = 0x84
	muLawClip = 32635

	// muLawSilence is the encoding of a zero sample.
	muLawSilence = 0xFF
)

// encodeMuLaw is G.711 μ-law for one linear 16-bit sample.
func encodeMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func encodeMuLawFrame(frame []int16) []byte {
	out := make([]byte, len(frame))
	for i, s := range frame {
		out[i] = encodeMuLaw(s)
	}
	return out
}
