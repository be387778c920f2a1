// Package audio provides the small PCM utilities shared by the adapters:
// WAV container encode/decode, stereo downmix and sample-rate conversion.
// Everything operates on 16-bit little-endian signed PCM.
package audio

import (
	"encoding/binary"
	"fmt"
)

const bytesPerSample = 2

// Resample converts mono PCM between sample rates using linear
// interpolation. Quality is adequate for speech.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: from=%d, to=%d", fromRate, toRate)
	}
	if len(pcm)%bytesPerSample != 0 {
		return nil, fmt.Errorf("pcm length %d is not sample aligned", len(pcm))
	}
	if fromRate == toRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	in := len(pcm) / bytesPerSample
	if in == 0 {
		return []byte{}, nil
	}
	out := int(float64(in) * float64(toRate) / float64(fromRate))
	if out == 0 {
		return []byte{}, nil
	}

	samples := make([]int16, in)
	for i := 0; i < in; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
	}

	result := make([]byte, out*bytesPerSample)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < out; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		var v int16
		if srcIdx >= in-1 {
			v = samples[in-1]
		} else {
			frac := srcPos - float64(srcIdx)
			s0 := float64(samples[srcIdx])
			s1 := float64(samples[srcIdx+1])
			v = int16(s0 + frac*(s1-s0))
		}
		binary.LittleEndian.PutUint16(result[i*bytesPerSample:], uint16(v))
	}
	return result, nil
}

// DownmixStereo folds interleaved stereo to mono by averaging each channel
// pair.
func DownmixStereo(pcm []byte) ([]byte, error) {
	const frameBytes = 2 * bytesPerSample
	if len(pcm)%frameBytes != 0 {
		return nil, fmt.Errorf("pcm length %d is not frame aligned", len(pcm))
	}
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*bytesPerSample)
	for i := 0; i < frames; i++ {
		left := int16(binary.LittleEndian.Uint16(pcm[i*frameBytes:]))
		right := int16(binary.LittleEndian.Uint16(pcm[i*frameBytes+bytesPerSample:]))
		mono := int16((int32(left) + int32(right)) / 2)
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(mono))
	}
	return out, nil
}
