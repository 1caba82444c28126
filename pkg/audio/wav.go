package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// wavHeaderSize is the size of a canonical PCM WAV header.
const wavHeaderSize = 44

// EncodeWAV writes a canonical 16-bit PCM WAV file (mono unless channels > 1)
// wrapping the given raw samples to w.
func EncodeWAV(w io.Writer, pcm []byte, sampleRate, channels int) error {
	if sampleRate <= 0 {
		return errors.New("audio: sample rate must be positive")
	}
	if channels <= 0 {
		channels = 1
	}

	byteRate := sampleRate * channels * BytesPerSample
	blockAlign := channels * BytesPerSample
	dataLen := len(pcm)

	var header [wavHeaderSize]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], 16) // bits per sample
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("audio: write WAV header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write WAV data: %w", err)
	}
	return nil
}

// WriteTempWAV materializes pcm as a temporary WAV file in dir (or the
// system temp directory when dir is empty) and returns its path. The caller
// is responsible for removing the file when done.
func WriteTempWAV(dir string, pcm []byte, sampleRate, channels int) (string, error) {
	f, err := os.CreateTemp(dir, "audio-*.wav")
	if err != nil {
		return "", fmt.Errorf("audio: create temp WAV: %w", err)
	}
	if err := EncodeWAV(f, pcm, sampleRate, channels); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("audio: close temp WAV: %w", err)
	}
	return f.Name(), nil
}

// DecodeWAV reads a 16-bit PCM WAV file and returns the raw sample data, the
// sample rate, and the channel count. Only uncompressed PCM is supported;
// extra chunks before the data chunk are skipped.
func DecodeWAV(r io.Reader) (pcm []byte, sampleRate, channels int, err error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, 0, fmt.Errorf("audio: read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("audio: not a RIFF/WAVE file")
	}

	var (
		haveFmt  bool
		bitDepth uint16
	)
	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			return nil, 0, 0, fmt.Errorf("audio: read chunk header: %w", err)
		}
		chunkID := string(chunkHeader[0:4])
		chunkLen := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			fmtChunk := make([]byte, chunkLen)
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return nil, 0, 0, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			if len(fmtChunk) < 16 {
				return nil, 0, 0, errors.New("audio: fmt chunk too short")
			}
			if format := binary.LittleEndian.Uint16(fmtChunk[0:2]); format != 1 {
				return nil, 0, 0, fmt.Errorf("audio: unsupported WAV format code %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			bitDepth = binary.LittleEndian.Uint16(fmtChunk[14:16])
			if bitDepth != 16 {
				return nil, 0, 0, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bitDepth)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, errors.New("audio: data chunk before fmt chunk")
			}
			pcm = make([]byte, chunkLen)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return nil, 0, 0, fmt.Errorf("audio: read data chunk: %w", err)
			}
			return pcm, sampleRate, channels, nil
		default:
			// Skip ancillary chunks (LIST, fact, ...).
			if _, err := io.CopyN(io.Discard, r, int64(chunkLen)); err != nil {
				return nil, 0, 0, fmt.Errorf("audio: skip %q chunk: %w", chunkID, err)
			}
		}
	}
}
