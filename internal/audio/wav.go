package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

const wavHeaderSize = 44

// EncodeWAV writes pcm as a PCM16 RIFF/WAVE stream.
func EncodeWAV(w io.Writer, pcm []byte, sampleRate, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if channels < 1 {
		return fmt.Errorf("invalid channel count: %d", channels)
	}

	byteRate := sampleRate * channels * bytesPerSample
	blockAlign := channels * bytesPerSample

	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], 16) // bits per sample
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// DecodeWAV reads a PCM16 RIFF/WAVE stream and returns its samples.
// Chunks other than fmt and data are skipped.
func DecodeWAV(r io.Reader) (pcm []byte, sampleRate, channels int, err error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, 0, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("not a wave stream")
	}

	var fmtSeen bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return nil, 0, 0, fmt.Errorf("read chunk header: %w", err)
		}
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch string(chunk[0:4]) {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(body[0:2]); format != 1 {
				return nil, 0, 0, fmt.Errorf("unsupported wav format %d, only PCM is supported", format)
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return nil, 0, 0, fmt.Errorf("unsupported bit depth %d, only 16-bit is supported", bits)
			}
			fmtSeen = true
		case "data":
			if !fmtSeen {
				return nil, 0, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			pcm = make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return nil, 0, 0, fmt.Errorf("read data chunk: %w", err)
			}
			return pcm, sampleRate, channels, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return nil, 0, 0, fmt.Errorf("skip %q chunk: %w", chunk[0:4], err)
			}
		}

		// Chunks are word aligned; odd sizes carry a pad byte.
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, 0, 0, fmt.Errorf("skip pad byte: %w", err)
			}
		}
	}
}
