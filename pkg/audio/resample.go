package audio

import "math"

// ResampledLen returns the sample count Resample produces for n input
// samples converted from fromRate to toRate: ceil(n * toRate / fromRate).
func ResampledLen(n, fromRate, toRate int) int {
	if n == 0 || fromRate <= 0 || toRate <= 0 {
		return 0
	}
	return int((int64(n)*int64(toRate) + int64(fromRate) - 1) / int64(fromRate))
}

// Resample converts mono int16 samples from fromRate to toRate using linear
// interpolation, writing into dst. dst must hold at least
// [ResampledLen](len(src), fromRate, toRate) samples. When the rates are
// equal the samples are copied through unchanged. Returns the sample count
// written.
func Resample(dst, src []int16, fromRate, toRate int) int {
	if len(src) == 0 || fromRate <= 0 || toRate <= 0 {
		return 0
	}
	if fromRate == toRate {
		return copy(dst, src)
	}

	n := ResampledLen(len(src), fromRate, toRate)
	ratio := float64(fromRate) / float64(toRate)
	last := len(src) - 1

	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			dst[i] = src[last]
			continue
		}
		frac := pos - float64(idx)
		s0 := float64(src[idx])
		s1 := float64(src[idx+1])
		dst[i] = int16(math.Round(s0*(1-frac) + s1*frac))
	}
	return n
}
