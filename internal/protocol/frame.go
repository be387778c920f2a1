// Package protocol implements the relay wire format: length-prefixed,
// checksummed frames carrying audio and control traffic between client and
// server. Every frame is self-describing and independently parseable, so a
// corrupted stream can never silently misparse.
package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
)

// Kind tags the frame variants. Values are wire-stable; do not renumber.
type Kind uint8

const (
	KindAudioData         Kind = 0x01
	KindUtteranceBoundary Kind = 0x02
	KindTranscriptReady   Kind = 0x03
	KindAudioReady        Kind = 0x04
	KindError             Kind = 0x05
	KindHeartbeat         Kind = 0x06
	KindDrain             Kind = 0x07
)

// String returns the log-friendly name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudioData:
		return "audio_data"
	case KindUtteranceBoundary:
		return "utterance_boundary"
	case KindTranscriptReady:
		return "transcript_ready"
	case KindAudioReady:
		return "audio_ready"
	case KindError:
		return "error"
	case KindHeartbeat:
		return "heartbeat"
	case KindDrain:
		return "drain"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame layout:
//
//	[kind:1][session:16][payload length:4 BE][crc32:4 BE][payload]
//
// The checksum is CRC-32 (IEEE) over the kind, session and length fields
// followed by the payload, i.e. everything except the checksum field itself.
const (
	HeaderSize = 25

	offSession = 1
	offLength  = 17
	offCRC     = 21

	// MaxPayload bounds decode-side allocation. The largest legitimate
	// payload is a synthesized utterance, well under a megabyte at the
	// relay's native PCM rate.
	MaxPayload = 2 << 20
)

// Frame is one wire unit. Kind selects which payload fields carry meaning:
//
//	AudioData:         Sequence, Audio
//	UtteranceBoundary: Boundary, Utterance
//	TranscriptReady:   Utterance, Text
//	AudioReady:        Utterance, SampleRate, DurationMs, Audio
//	Error:             Utterance (0 when none), ErrorKind
//	Heartbeat, Drain:  header only
type Frame struct {
	Kind    Kind
	Session uuid.UUID

	Sequence   uint64
	Audio      []byte
	Boundary   entities.BoundaryType
	Utterance  entities.UtteranceID
	Text       string
	SampleRate uint32
	DurationMs uint32
	ErrorKind  entities.ErrorKind
}

// AudioData builds a raw capture chunk frame.
func AudioData(session uuid.UUID, sequence uint64, pcm []byte) Frame {
	return Frame{Kind: KindAudioData, Session: session, Sequence: sequence, Audio: pcm}
}

// Boundary builds an utterance start or end marker.
func Boundary(session uuid.UUID, b entities.BoundaryType, id entities.UtteranceID) Frame {
	return Frame{Kind: KindUtteranceBoundary, Session: session, Boundary: b, Utterance: id}
}

// TranscriptReady builds the transcription-stage result frame.
func TranscriptReady(session uuid.UUID, id entities.UtteranceID, text string) Frame {
	return Frame{Kind: KindTranscriptReady, Session: session, Utterance: id, Text: text}
}

// AudioReady builds the synthesis-stage result frame.
func AudioReady(session uuid.UUID, id entities.UtteranceID, sampleRate, durationMs uint32, pcm []byte) Frame {
	return Frame{
		Kind:       KindAudioReady,
		Session:    session,
		Utterance:  id,
		SampleRate: sampleRate,
		DurationMs: durationMs,
		Audio:      pcm,
	}
}

// ErrorFrame builds a failure report. id is 0 when the failure is not tied
// to one utterance.
func ErrorFrame(session uuid.UUID, id entities.UtteranceID, kind entities.ErrorKind) Frame {
	return Frame{Kind: KindError, Session: session, Utterance: id, ErrorKind: kind}
}

// Heartbeat builds the idle keepalive frame.
func Heartbeat(session uuid.UUID) Frame {
	return Frame{Kind: KindHeartbeat, Session: session}
}

// Drain builds the client stop signal: accept no new utterances, finish and
// deliver what is in flight.
func Drain(session uuid.UUID) Frame {
	return Frame{Kind: KindDrain, Session: session}
}

// Encode serializes the frame. Encoding is total: every Frame value yields
// a byte string, and Decode(Encode(f)) round-trips for well-formed frames.
func Encode(f Frame) []byte {
	payload := encodePayload(f)
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(f.Kind)
	copy(buf[offSession:offLength], f.Session[:])
	binary.BigEndian.PutUint32(buf[offLength:offCRC], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	binary.BigEndian.PutUint32(buf[offCRC:HeaderSize], checksum(buf))
	return buf
}

func encodePayload(f Frame) []byte {
	switch f.Kind {
	case KindAudioData:
		p := make([]byte, 8+len(f.Audio))
		binary.BigEndian.PutUint64(p[:8], f.Sequence)
		copy(p[8:], f.Audio)
		return p
	case KindUtteranceBoundary:
		p := make([]byte, 9)
		p[0] = byte(f.Boundary)
		binary.BigEndian.PutUint64(p[1:], uint64(f.Utterance))
		return p
	case KindTranscriptReady:
		p := make([]byte, 8+len(f.Text))
		binary.BigEndian.PutUint64(p[:8], uint64(f.Utterance))
		copy(p[8:], f.Text)
		return p
	case KindAudioReady:
		p := make([]byte, 16+len(f.Audio))
		binary.BigEndian.PutUint64(p[:8], uint64(f.Utterance))
		binary.BigEndian.PutUint32(p[8:12], f.SampleRate)
		binary.BigEndian.PutUint32(p[12:16], f.DurationMs)
		copy(p[16:], f.Audio)
		return p
	case KindError:
		p := make([]byte, 9)
		binary.BigEndian.PutUint64(p[:8], uint64(f.Utterance))
		p[8] = byte(f.ErrorKind)
		return p
	default:
		return nil
	}
}

func checksum(buf []byte) uint32 {
	sum := crc32.ChecksumIEEE(buf[:offCRC])
	return crc32.Update(sum, crc32.IEEETable, buf[HeaderSize:])
}

// Decode parses one encoded frame. Any mismatch between header and bytes
// fails with entities.ErrMalformedFrame; Decode never panics and never
// returns a frame built from corrupted input.
func Decode(buf []byte) (Frame, error) {
	var f Frame
	if len(buf) < HeaderSize {
		return f, fmt.Errorf("%w: %d bytes, want at least %d", entities.ErrMalformedFrame, len(buf), HeaderSize)
	}
	payloadLen := binary.BigEndian.Uint32(buf[offLength:offCRC])
	if payloadLen > MaxPayload {
		return f, fmt.Errorf("%w: payload length %d exceeds %d", entities.ErrMalformedFrame, payloadLen, MaxPayload)
	}
	if len(buf) != HeaderSize+int(payloadLen) {
		return f, fmt.Errorf("%w: length field %d, payload %d bytes", entities.ErrMalformedFrame, payloadLen, len(buf)-HeaderSize)
	}
	if got, want := checksum(buf), binary.BigEndian.Uint32(buf[offCRC:HeaderSize]); got != want {
		return f, fmt.Errorf("%w: checksum mismatch (computed %08x, header %08x)", entities.ErrMalformedFrame, got, want)
	}

	f.Kind = Kind(buf[0])
	copy(f.Session[:], buf[offSession:offLength])
	payload := buf[HeaderSize:]

	switch f.Kind {
	case KindAudioData:
		if len(payload) < 8 {
			return Frame{}, fmt.Errorf("%w: audio_data payload %d bytes", entities.ErrMalformedFrame, len(payload))
		}
		f.Sequence = binary.BigEndian.Uint64(payload[:8])
		if len(payload) > 8 {
			f.Audio = append([]byte(nil), payload[8:]...)
		}
	case KindUtteranceBoundary:
		if len(payload) != 9 {
			return Frame{}, fmt.Errorf("%w: boundary payload %d bytes", entities.ErrMalformedFrame, len(payload))
		}
		f.Boundary = entities.BoundaryType(payload[0])
		if !f.Boundary.IsValid() {
			return Frame{}, fmt.Errorf("%w: unknown boundary type %d", entities.ErrMalformedFrame, payload[0])
		}
		f.Utterance = entities.UtteranceID(binary.BigEndian.Uint64(payload[1:]))
	case KindTranscriptReady:
		if len(payload) < 8 {
			return Frame{}, fmt.Errorf("%w: transcript payload %d bytes", entities.ErrMalformedFrame, len(payload))
		}
		f.Utterance = entities.UtteranceID(binary.BigEndian.Uint64(payload[:8]))
		if len(payload) > 8 {
			if !utf8.Valid(payload[8:]) {
				return Frame{}, fmt.Errorf("%w: transcript is not valid UTF-8", entities.ErrMalformedFrame)
			}
			f.Text = string(payload[8:])
		}
	case KindAudioReady:
		if len(payload) < 16 {
			return Frame{}, fmt.Errorf("%w: audio_ready payload %d bytes", entities.ErrMalformedFrame, len(payload))
		}
		f.Utterance = entities.UtteranceID(binary.BigEndian.Uint64(payload[:8]))
		f.SampleRate = binary.BigEndian.Uint32(payload[8:12])
		f.DurationMs = binary.BigEndian.Uint32(payload[12:16])
		if len(payload) > 16 {
			f.Audio = append([]byte(nil), payload[16:]...)
		}
	case KindError:
		if len(payload) != 9 {
			return Frame{}, fmt.Errorf("%w: error payload %d bytes", entities.ErrMalformedFrame, len(payload))
		}
		f.Utterance = entities.UtteranceID(binary.BigEndian.Uint64(payload[:8]))
		f.ErrorKind = entities.ErrorKind(payload[8])
		if !f.ErrorKind.IsValid() {
			return Frame{}, fmt.Errorf("%w: unknown error kind %d", entities.ErrMalformedFrame, payload[8])
		}
	case KindHeartbeat, KindDrain:
		if len(payload) != 0 {
			return Frame{}, fmt.Errorf("%w: %s carries no payload, got %d bytes", entities.ErrMalformedFrame, f.Kind, len(payload))
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame kind %d", entities.ErrMalformedFrame, buf[0])
	}
	return f, nil
}
