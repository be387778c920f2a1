package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWAVRoundTrip(t *testing.T) {
	in := pcmFromSamples([]int16{0, 1000, -1000, 32767, -32768})

	var buf bytes.Buffer
	if err := EncodeWAV(&buf, in, 16000, 1); err != nil {
		t.Fatalf("Expected no encode error, got %v", err)
	}
	if buf.Len() != wavHeaderSize+len(in) {
		t.Errorf("Expected %d bytes, got %d", wavHeaderSize+len(in), buf.Len())
	}

	pcm, rate, channels, err := DecodeWAV(&buf)
	if err != nil {
		t.Fatalf("Expected no decode error, got %v", err)
	}
	if rate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", rate)
	}
	if channels != 1 {
		t.Errorf("Expected 1 channel, got %d", channels)
	}
	if !bytes.Equal(pcm, in) {
		t.Error("Expected decoded pcm to match input")
	}
}

func TestEncodeWAVHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeWAV(&buf, make([]byte, 320), 16000, 1); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	header := buf.Bytes()[:wavHeaderSize]
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		t.Error("Expected RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint32(header[28:32]); got != 32000 {
		t.Errorf("Expected byte rate 32000, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(header[32:34]); got != 2 {
		t.Errorf("Expected block align 2, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(header[40:44]); got != 320 {
		t.Errorf("Expected data size 320, got %d", got)
	}
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	in := pcmFromSamples([]int16{42, -42})

	// Build a stream with a LIST chunk of odd size between fmt and data to
	// exercise chunk skipping and word alignment.
	var encoded bytes.Buffer
	if err := EncodeWAV(&encoded, in, 24000, 1); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	raw := encoded.Bytes()

	var buf bytes.Buffer
	buf.Write(raw[:36]) // riff header plus fmt chunk
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{0xAA, 0xBB, 0xCC, 0x00}) // three bytes plus pad
	buf.Write(raw[36:])                       // data chunk

	// Patch the riff size for the extra chunk.
	patched := buf.Bytes()
	binary.LittleEndian.PutUint32(patched[4:8], uint32(len(patched)-8))

	pcm, rate, _, err := DecodeWAV(bytes.NewReader(patched))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if rate != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", rate)
	}
	if !bytes.Equal(pcm, in) {
		t.Error("Expected decoded pcm to match input")
	}
}

func TestDecodeWAVRejectsBadStreams(t *testing.T) {
	pcm := pcmFromSamples([]int16{1, 2, 3})

	compressed := func() []byte {
		var buf bytes.Buffer
		if err := EncodeWAV(&buf, pcm, 16000, 1); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		out := buf.Bytes()
		binary.LittleEndian.PutUint16(out[20:22], 2) // format tag
		return out
	}()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", []byte("RIFF")},
		{"wrong magic", bytes.Repeat([]byte{0x55}, 64)},
		{"compressed format", compressed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := DecodeWAV(bytes.NewReader(tt.data)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestEncodeWAVRejectsInvalidParams(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeWAV(&buf, nil, 0, 1); err == nil {
		t.Error("Expected error for zero sample rate, got nil")
	}
	if err := EncodeWAV(&buf, nil, 16000, 0); err == nil {
		t.Error("Expected error for zero channels, got nil")
	}
}
