package audio

// Wire rates fixed by the two leg contracts: the carrier delivers G.711
// μ-law at 8 kHz mono, the inference service speaks linear PCM16 at 24 kHz
// mono.
const (
	CarrierRate   = 8000
	InferenceRate = 24000
)

// Transcoder converts between the carrier and inference wire formats for a
// single session. It reuses internal scratch buffers, so returned slices are
// only valid until the next call in the same direction. Not safe for
// concurrent use; each direction of a session gets its own goroutine and the
// two directions touch disjoint buffers.
type Transcoder struct {
	decodeBuf []int16 // μ-law decode output / PCM16 parse output
	rateBuf   []int16 // resampler output
	outBuf    []byte  // serialized result
}

// MulawToPCM24k expands a μ-law 8 kHz frame to little-endian PCM16 at
// 24 kHz.
func (t *Transcoder) MulawToPCM24k(src []byte) []byte {
	t.decodeBuf = growInt16(t.decodeBuf, len(src))
	n := DecodeMulaw(t.decodeBuf, src)

	outSamples := ResampledLen(n, CarrierRate, InferenceRate)
	t.rateBuf = growInt16(t.rateBuf, outSamples)
	n = Resample(t.rateBuf[:outSamples], t.decodeBuf[:n], CarrierRate, InferenceRate)

	t.outBuf = growBytes(t.outBuf, n*2)
	out := t.outBuf[:n*2]
	for i, s := range t.rateBuf[:n] {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM24kToMulaw compresses a little-endian PCM16 24 kHz frame to μ-law at
// 8 kHz. A trailing odd byte is ignored.
func (t *Transcoder) PCM24kToMulaw(src []byte) []byte {
	samples := len(src) / 2
	t.decodeBuf = growInt16(t.decodeBuf, samples)
	for i := range samples {
		t.decodeBuf[i] = int16(src[i*2]) | int16(src[i*2+1])<<8
	}

	outSamples := ResampledLen(samples, InferenceRate, CarrierRate)
	t.rateBuf = growInt16(t.rateBuf, outSamples)
	n := Resample(t.rateBuf[:outSamples], t.decodeBuf[:samples], InferenceRate, CarrierRate)

	t.outBuf = growBytes(t.outBuf, n)
	out := t.outBuf[:n]
	EncodeMulaw(out, t.rateBuf[:n])
	return out
}

func growInt16(buf []int16, n int) []int16 {
	if cap(buf) < n {
		return make([]int16, n)
	}
	return buf[:n]
}

func growBytes(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
