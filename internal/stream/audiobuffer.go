package stream

import (
	"sync"

	"github.com/clearpath-health/vigil/pkg/audio"
)

// BufferStats describes the buffer after an AddChunk call. It doubles as
// the audio_received payload.
type BufferStats struct {
	ChunkNumber     int     `json:"chunk_number"`
	BufferChunks    int     `json:"buffer_chunks"`
	TotalSamples    int     `json:"total_samples"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// AudioBuffer accumulates raw PCM chunks for one session with bounded
// memory. The newest maxChunks chunks are retained FIFO; older audio is
// evicted. One buffer per session, exclusively owned by it.
//
// AudioBuffer is safe for concurrent use.
type AudioBuffer struct {
	mu           sync.Mutex
	chunks       [][]byte
	chunkCounter int
	totalSamples int
	sampleRate   int
	maxChunks    int
}

// NewAudioBuffer creates a buffer retaining at most maxChunks chunks.
func NewAudioBuffer(sampleRate, maxChunks int) *AudioBuffer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if maxChunks <= 0 {
		maxChunks = 30
	}
	return &AudioBuffer{sampleRate: sampleRate, maxChunks: maxChunks}
}

// AddChunk appends a chunk and returns the updated stats. Malformed input
// is accepted as-is: a byte length that is not a multiple of the sample
// width simply counts fewer trailing samples. AddChunk never fails.
func (b *AudioBuffer) AddChunk(data []byte) BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) > 0 {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		b.chunks = append(b.chunks, chunk)
		b.totalSamples += audio.SampleCount(chunk)
	}

	b.chunkCounter++

	if len(b.chunks) > b.maxChunks {
		evicted := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.totalSamples -= audio.SampleCount(evicted)
	}

	return BufferStats{
		ChunkNumber:     b.chunkCounter,
		BufferChunks:    len(b.chunks),
		TotalSamples:    b.totalSamples,
		DurationSeconds: float64(b.totalSamples) / float64(b.sampleRate),
	}
}

// ExtractWindow concatenates the most recent lastN retained chunks in
// arrival order, or all retained chunks if fewer. Returns nil when the
// buffer is empty.
func (b *AudioBuffer) ExtractWindow(lastN int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 || lastN <= 0 {
		return nil
	}

	start := len(b.chunks) - lastN
	if start < 0 {
		start = 0
	}

	size := 0
	for _, c := range b.chunks[start:] {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range b.chunks[start:] {
		out = append(out, c...)
	}
	return out
}

// Len returns the number of retained chunks.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// ChunkCounter returns the lifetime chunk count, including evicted chunks.
func (b *AudioBuffer) ChunkCounter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunkCounter
}

// Clear releases all retained chunks. The lifetime counter is preserved.
func (b *AudioBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.totalSamples = 0
}
