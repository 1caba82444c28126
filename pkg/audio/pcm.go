// Package audio provides helpers for the 16-bit signed little-endian mono
// PCM format that flows through the transcription pipeline: sample counting,
// duration math, float32 conversion for local inference, and WAV file
// encoding for batch transcription uploads.
package audio

import (
	"encoding/binary"
	"time"
)

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// SampleCount returns the number of complete 16-bit samples in pcm. A
// trailing odd byte is ignored rather than rejected; malformed chunks are
// accepted permissively throughout the pipeline.
func SampleCount(pcm []byte) int {
	return len(pcm) / BytesPerSample
}

// Duration returns the playback duration of pcm at the given sample rate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(SampleCount(pcm)) * time.Second / time.Duration(sampleRate)
}

// PCMToFloat32 converts 16-bit signed little-endian PCM to float32 samples
// normalised to [-1.0, 1.0]. Any trailing odd byte is silently ignored.
func PCMToFloat32(pcm []byte) []float32 {
	n := SampleCount(pcm)
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
