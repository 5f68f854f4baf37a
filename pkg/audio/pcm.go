// Package audio provides the PCM primitives the media path is built on:
// int16 conversions, RMS/percentile energy helpers, polyphase resampling,
// a frame ring buffer and an STT frame batcher.
//
// All internal audio is mono PCM signed 16-bit little-endian. A 20 ms frame
// at 48 kHz is 1920 bytes; downsampled to 16 kHz it is 640 bytes.
package audio

import (
	"encoding/binary"
	"math"
	"sort"
)

// BytesToInt16 converts little-endian PCM bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return samples
}

// Int16ToBytes converts int16 samples to little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:i*2+2], uint16(s))
	}
	return data
}

// Float32ToInt16 scales 32-bit float samples into int16 range with clipping.
func Float32ToInt16(data []byte) []int16 {
	n := len(data) / 4
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		f := math.Float32frombits(bits)
		v := float64(f) * 32767.0
		samples[i] = clipInt16(v)
	}
	return samples
}

// CollapseStereo averages interleaved stereo samples into mono.
func CollapseStereo(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return mono
}

// ApplyGain multiplies samples in place by gain, clipping to int16 range.
func ApplyGain(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		samples[i] = clipInt16(float64(s) * gain)
	}
}

// RMS returns the root-mean-square of a PCM16 byte buffer.
// Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Percentile returns the p-th percentile (0..100) of values using the
// nearest-rank method. Empty input yields 0. The input is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(p / 100.0 * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func clipInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
