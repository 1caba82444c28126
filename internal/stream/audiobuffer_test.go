package stream

import (
	"bytes"
	"testing"
)

func TestAudioBufferAddChunkStats(t *testing.T) {
	b := NewAudioBuffer(16000, 30)

	stats := b.AddChunk(make([]byte, 32000)) // 16000 samples = 1s
	if stats.ChunkNumber != 1 {
		t.Errorf("ChunkNumber = %d, want 1", stats.ChunkNumber)
	}
	if stats.TotalSamples != 16000 {
		t.Errorf("TotalSamples = %d, want 16000", stats.TotalSamples)
	}
	if stats.DurationSeconds != 1.0 {
		t.Errorf("DurationSeconds = %v, want 1.0", stats.DurationSeconds)
	}
}

func TestAudioBufferEvictsOldest(t *testing.T) {
	b := NewAudioBuffer(16000, 3)

	for i := byte(0); i < 5; i++ {
		b.AddChunk([]byte{i, i})
	}

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (ceiling)", b.Len())
	}

	// The oldest two chunks were evicted; window holds chunks 2, 3, 4.
	got := b.ExtractWindow(10)
	want := []byte{2, 2, 3, 3, 4, 4}
	if !bytes.Equal(got, want) {
		t.Errorf("ExtractWindow(10) = %v, want %v", got, want)
	}
}

func TestAudioBufferNeverExceedsCeiling(t *testing.T) {
	b := NewAudioBuffer(16000, 30)
	for i := 0; i < 200; i++ {
		b.AddChunk(make([]byte, 64))
		if b.Len() > 30 {
			t.Fatalf("Len() = %d after %d chunks, ceiling is 30", b.Len(), i+1)
		}
	}
}

func TestAudioBufferExtractWindowOrder(t *testing.T) {
	b := NewAudioBuffer(16000, 30)
	b.AddChunk([]byte{1})
	b.AddChunk([]byte{2})
	b.AddChunk([]byte{3})
	b.AddChunk([]byte{4})

	got := b.ExtractWindow(3)
	want := []byte{2, 3, 4}
	if !bytes.Equal(got, want) {
		t.Errorf("ExtractWindow(3) = %v, want %v", got, want)
	}

	// Fewer retained than requested: return all in order.
	got = b.ExtractWindow(100)
	want = []byte{1, 2, 3, 4}
	if !bytes.Equal(got, want) {
		t.Errorf("ExtractWindow(100) = %v, want %v", got, want)
	}
}

func TestAudioBufferExtractWindowEmpty(t *testing.T) {
	b := NewAudioBuffer(16000, 30)
	if got := b.ExtractWindow(3); got != nil {
		t.Errorf("ExtractWindow on empty buffer = %v, want nil", got)
	}
}

func TestAudioBufferOddLengthChunk(t *testing.T) {
	b := NewAudioBuffer(16000, 30)

	// 5 bytes is not a multiple of the 2-byte sample width: accepted
	// as-is, counted as 2 whole samples.
	stats := b.AddChunk([]byte{1, 2, 3, 4, 5})
	if stats.TotalSamples != 2 {
		t.Errorf("TotalSamples = %d, want 2", stats.TotalSamples)
	}
	if stats.BufferChunks != 1 {
		t.Errorf("BufferChunks = %d, want 1", stats.BufferChunks)
	}
}

func TestAudioBufferEmptyChunkCountsNumber(t *testing.T) {
	b := NewAudioBuffer(16000, 30)

	stats := b.AddChunk(nil)
	if stats.ChunkNumber != 1 {
		t.Errorf("ChunkNumber = %d, want 1 (empty chunks still count)", stats.ChunkNumber)
	}
	if stats.BufferChunks != 0 {
		t.Errorf("BufferChunks = %d, want 0 (empty chunk not retained)", stats.BufferChunks)
	}
}

func TestAudioBufferClear(t *testing.T) {
	b := NewAudioBuffer(16000, 30)
	b.AddChunk([]byte{1, 2})
	b.AddChunk([]byte{3, 4})
	b.Clear()

	if b.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", b.Len())
	}
	if b.ExtractWindow(3) != nil {
		t.Error("ExtractWindow after Clear should return nil")
	}
	if b.ChunkCounter() != 2 {
		t.Errorf("ChunkCounter() = %d, want 2 (lifetime counter survives Clear)", b.ChunkCounter())
	}
}

func TestAudioBufferChunkIsCopied(t *testing.T) {
	b := NewAudioBuffer(16000, 30)
	data := []byte{1, 2, 3, 4}
	b.AddChunk(data)
	data[0] = 99

	if got := b.ExtractWindow(1); got[0] != 1 {
		t.Errorf("buffer shares caller memory: got[0] = %d, want 1", got[0])
	}
}
