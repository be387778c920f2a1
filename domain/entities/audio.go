package entities

import (
	"errors"
	"fmt"
	"time"
)

// UtteranceID identifies one utterance within a session. IDs come from a
// per-session monotonic counter starting at 1 and are never reused; 0 means
// "no utterance".
type UtteranceID uint64

// BoundaryType marks whether an utterance boundary opens or closes speech.
type BoundaryType uint8

const (
	BoundaryStart BoundaryType = 1
	BoundaryEnd   BoundaryType = 2
)

// String returns a human-readable boundary name.
func (b BoundaryType) String() string {
	switch b {
	case BoundaryStart:
		return "start"
	case BoundaryEnd:
		return "end"
	default:
		return fmt.Sprintf("boundary(%d)", uint8(b))
	}
}

// IsValid reports whether b is a known boundary type.
func (b BoundaryType) IsValid() bool {
	return b == BoundaryStart || b == BoundaryEnd
}

// BytesPerSample is fixed by the wire format: 16-bit little-endian PCM.
const BytesPerSample = 2

// AudioFormat describes the raw PCM layout on the capture and playback
// paths. Samples are 16-bit little-endian signed integers.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// DefaultFormat returns the relay's native format: 16 kHz mono, matching
// what the transcription models consume.
func DefaultFormat() AudioFormat {
	return AudioFormat{SampleRate: 16000, Channels: 1}
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// ChunkBytes returns the byte length of one chunk of duration d.
func (f AudioFormat) ChunkBytes(d time.Duration) int {
	samples := int(d * time.Duration(f.SampleRate) / time.Second)
	return samples * f.Channels * BytesPerSample
}

// Duration returns the playback duration of n bytes of PCM.
func (f AudioFormat) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Validate validates the format.
func (f AudioFormat) Validate() error {
	if f.SampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	if f.Channels != 1 && f.Channels != 2 {
		return errors.New("channels must be 1 or 2")
	}
	return nil
}

// AudioChunk is a fixed-duration slice of raw PCM tagged with a
// session-local sequence number. Chunks are immutable once produced.
type AudioChunk struct {
	Sequence uint64
	PCM      []byte
}

// Utterance is one continuous span of detected speech: the ordered chunks
// between a start and an end boundary. Chunks may be appended while the
// utterance is open; a sealed utterance never changes.
type Utterance struct {
	ID          UtteranceID
	Chunks      []AudioChunk
	StartSample uint64
	EndSample   uint64

	sealed bool
}

// NewUtterance opens an utterance at the given absolute sample position.
func NewUtterance(id UtteranceID, startSample uint64) *Utterance {
	return &Utterance{ID: id, StartSample: startSample}
}

// Append adds a chunk to an open utterance.
func (u *Utterance) Append(c AudioChunk) error {
	if u.sealed {
		return ErrUtteranceSealed
	}
	u.Chunks = append(u.Chunks, c)
	return nil
}

// Seal closes the utterance at the given absolute sample position. Appends
// after Seal fail.
func (u *Utterance) Seal(endSample uint64) error {
	if u.sealed {
		return ErrUtteranceSealed
	}
	u.sealed = true
	u.EndSample = endSample
	return nil
}

// Sealed reports whether the end boundary has been recorded.
func (u *Utterance) Sealed() bool {
	return u.sealed
}

// PCM returns the utterance audio as one contiguous buffer.
func (u *Utterance) PCM() []byte {
	n := 0
	for _, c := range u.Chunks {
		n += len(c.PCM)
	}
	out := make([]byte, 0, n)
	for _, c := range u.Chunks {
		out = append(out, c.PCM...)
	}
	return out
}

// Duration returns the speech duration between the boundaries.
func (u *Utterance) Duration(f AudioFormat) time.Duration {
	if f.SampleRate == 0 || u.EndSample < u.StartSample {
		return 0
	}
	return time.Duration(u.EndSample-u.StartSample) * time.Second / time.Duration(f.SampleRate)
}
