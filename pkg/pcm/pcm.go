// Package pcm holds helpers for the float32 little-endian PCM that flows
// between capture clients, the relay, and the recognition engine.
package pcm

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BytesPerSample is the width of one float32 PCM sample on the wire.
const BytesPerSample = 4

// DecodeFloat32LE decodes raw little-endian float32 PCM bytes into samples.
// The byte count must be a multiple of [BytesPerSample].
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("pcm: %d bytes is not a whole number of float32 samples", len(data))
	}
	samples := make([]float32, len(data)/BytesPerSample)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*BytesPerSample:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// EncodeFloat32LE encodes samples as little-endian float32 PCM bytes.
func EncodeFloat32LE(samples []float32) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*BytesPerSample:], math.Float32bits(s))
	}
	return data
}

// DownmixMono averages interleaved multi-channel samples into mono. Input
// whose length is not a multiple of channels has its trailing partial frame
// dropped. A channel count below two returns the input unchanged.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels < 2 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Duration returns the play time of a span of mono samples at the given rate.
func Duration(sampleCount, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(sampleCount) / float64(sampleRate) * float64(time.Second))
}
