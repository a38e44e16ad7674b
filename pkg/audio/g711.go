// Package audio implements the narrow audio toolbox the call bridge needs:
// G.711 μ-law transcoding for the carrier leg and linear-interpolation
// resampling between the 8 kHz carrier rate and the 24 kHz inference rate.
//
// All hot-path functions write into caller-provided buffers and perform no
// allocation; [Transcoder] owns reusable scratch buffers for a single
// session's two directions.
package audio

// G.711 μ-law constants. Samples are companded in a 13-bit magnitude domain
// (int16 >> 2) with a bias of 33 and eight exponential segments.
const (
	mulawBias = 33
	mulawMax  = 0x1FFF
)

// mulawDecodeTable maps every μ-law byte to its linear int16 sample.
var mulawDecodeTable [256]int16

func init() {
	for b := range 256 {
		mulawDecodeTable[b] = decodeMulawSample(byte(b))
	}
}

func decodeMulawSample(b byte) int16 {
	u := ^b
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	// Midpoint of the quantization interval, back out the bias, expand to
	// the 16-bit domain.
	magnitude := (int32(mantissa)<<1 | 0x21) << exponent
	sample := (magnitude - mulawBias) << 2
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// DecodeMulaw expands μ-law bytes into linear int16 samples. One sample per
// input byte; dst must hold at least len(src) samples. Returns the sample
// count written.
func DecodeMulaw(dst []int16, src []byte) int {
	for i, b := range src {
		dst[i] = mulawDecodeTable[b]
	}
	return len(src)
}

// EncodeMulaw compands linear int16 samples into μ-law bytes. One byte per
// input sample; dst must hold at least len(src) bytes. Returns the byte
// count written.
func EncodeMulaw(dst []byte, src []int16) int {
	for i, s := range src {
		dst[i] = encodeMulawSample(s)
	}
	return len(src)
}

func encodeMulawSample(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	v = (v >> 2) + mulawBias
	if v > mulawMax {
		v = mulawMax
	}

	// Exponent is the position of the highest set bit among bits 12..5;
	// the bias guarantees bit 5 is set, so the loop terminates at zero.
	exponent := byte(7)
	for mask := int32(0x1000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+1)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}
