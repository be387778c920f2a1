package device

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/audio"
)

// WAVSource replays a recorded WAV file as a capture device. Reads are not
// paced to real time, which suits offline runs and tests.
type WAVSource struct {
	format entities.AudioFormat
	data   []byte
	offset int
}

var _ repositories.AudioSource = (*WAVSource)(nil)

// NewWAVSource loads the whole file up front. The session format is taken
// from the WAV header.
func NewWAVSource(path string) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav file: %w", err)
	}
	defer f.Close()

	pcm, rate, channels, err := audio.DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	format := entities.AudioFormat{SampleRate: rate, Channels: channels}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("unsupported format in %s: %w", path, err)
	}
	return &WAVSource{format: format, data: pcm}, nil
}

// Format implements repositories.AudioSource.
func (s *WAVSource) Format() entities.AudioFormat { return s.format }

// Read implements repositories.AudioSource, returning io.EOF once the file
// is exhausted.
func (s *WAVSource) Read(p []byte) (int, error) {
	if s.offset >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.offset:])
	s.offset += n
	return n, nil
}

// Close implements repositories.AudioSource.
func (s *WAVSource) Close() error { return nil }

// WAVSink records played audio in memory and writes it out as a WAV file on
// Close.
type WAVSink struct {
	path   string
	format entities.AudioFormat

	mu     sync.Mutex
	data   []byte
	closed bool
}

var _ repositories.AudioSink = (*WAVSink)(nil)

// NewWAVSink prepares a sink that will write the given path on Close.
func NewWAVSink(path string, format entities.AudioFormat) (*WAVSink, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	return &WAVSink{path: path, format: format}, nil
}

// Format implements repositories.AudioSink.
func (s *WAVSink) Format() entities.AudioFormat { return s.format }

// Write implements repositories.AudioSink.
func (s *WAVSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("wav sink %s is closed", s.path)
	}
	s.data = append(s.data, pcm...)
	return nil
}

// Close writes the accumulated audio to disk. Subsequent calls are no-ops.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create wav file: %w", err)
	}
	err = audio.EncodeWAV(f, s.data, s.format.SampleRate, s.format.Channels)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
