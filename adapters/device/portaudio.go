// Package device provides AudioSource and AudioSink implementations over
// physical audio hardware and files.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
)

// PortAudioSource captures PCM from the default input device. Each hardware
// buffer holds one chunk of the given duration.
type PortAudioSource struct {
	stream *portaudio.Stream
	frames []int16
	carry  []byte
	format entities.AudioFormat
	logger *zap.Logger
}

var _ repositories.AudioSource = (*PortAudioSource)(nil)

// NewPortAudioSource opens and starts the default capture device.
func NewPortAudioSource(format entities.AudioFormat, chunk time.Duration, logger *zap.Logger) (*PortAudioSource, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if chunk <= 0 {
		return nil, errors.New("chunk duration must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	samplesPerChannel := int(chunk * time.Duration(format.SampleRate) / time.Second)
	frames := make([]int16, samplesPerChannel*format.Channels)

	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), samplesPerChannel, frames)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}

	logger.Info("Capture device opened",
		zap.Int("sampleRate", format.SampleRate),
		zap.Int("channels", format.Channels),
		zap.Duration("chunk", chunk))
	return &PortAudioSource{stream: stream, frames: frames, format: format, logger: logger}, nil
}

// Format implements repositories.AudioSource.
func (s *PortAudioSource) Format() entities.AudioFormat { return s.format }

// Read implements repositories.AudioSource. It blocks until the device has
// filled a buffer.
func (s *PortAudioSource) Read(p []byte) (int, error) {
	if len(s.carry) == 0 {
		if err := s.stream.Read(); err != nil {
			if !errors.Is(err, portaudio.InputOverflowed) {
				return 0, fmt.Errorf("failed to read input stream: %w", err)
			}
			// Samples were dropped upstream; the buffer we got is still good.
			s.logger.Warn("Capture overflow, audio dropped")
		}
		buf := make([]byte, len(s.frames)*entities.BytesPerSample)
		for i, v := range s.frames {
			binary.LittleEndian.PutUint16(buf[i*entities.BytesPerSample:], uint16(v))
		}
		s.carry = buf
	}
	n := copy(p, s.carry)
	s.carry = s.carry[n:]
	return n, nil
}

// Close stops the capture stream and releases portaudio.
func (s *PortAudioSource) Close() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.stream = nil
	portaudio.Terminate()
	return err
}

// PortAudioSink plays PCM on the default output device.
type PortAudioSink struct {
	stream  *portaudio.Stream
	frames  []int16
	pending []byte
	format  entities.AudioFormat
	logger  *zap.Logger
}

var _ repositories.AudioSink = (*PortAudioSink)(nil)

// NewPortAudioSink opens and starts the default playback device with
// hardware buffers of the given duration.
func NewPortAudioSink(format entities.AudioFormat, buffer time.Duration, logger *zap.Logger) (*PortAudioSink, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if buffer <= 0 {
		return nil, errors.New("buffer duration must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	samplesPerChannel := int(buffer * time.Duration(format.SampleRate) / time.Second)
	frames := make([]int16, samplesPerChannel*format.Channels)

	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), samplesPerChannel, frames)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}

	logger.Info("Playback device opened",
		zap.Int("sampleRate", format.SampleRate),
		zap.Int("channels", format.Channels),
		zap.Duration("buffer", buffer))
	return &PortAudioSink{stream: stream, frames: frames, format: format, logger: logger}, nil
}

// Format implements repositories.AudioSink.
func (s *PortAudioSink) Format() entities.AudioFormat { return s.format }

// Write implements repositories.AudioSink. Audio is written in hardware
// buffer units; a trailing remainder is held until the next call or Close.
func (s *PortAudioSink) Write(pcm []byte) error {
	s.pending = append(s.pending, pcm...)
	return s.flush(false)
}

func (s *PortAudioSink) flush(pad bool) error {
	frameBytes := len(s.frames) * entities.BytesPerSample
	if pad && len(s.pending) > 0 && len(s.pending) < frameBytes {
		s.pending = append(s.pending, make([]byte, frameBytes-len(s.pending))...)
	}
	for len(s.pending) >= frameBytes {
		for i := range s.frames {
			s.frames[i] = int16(binary.LittleEndian.Uint16(s.pending[i*entities.BytesPerSample:]))
		}
		s.pending = s.pending[frameBytes:]
		if err := s.stream.Write(); err != nil {
			if !errors.Is(err, portaudio.OutputUnderflowed) {
				return fmt.Errorf("failed to write output stream: %w", err)
			}
			s.logger.Warn("Playback underflow")
		}
	}
	return nil
}

// Close flushes buffered audio, padding the final buffer with silence, then
// stops the stream and releases portaudio.
func (s *PortAudioSink) Close() error {
	if s.stream == nil {
		return nil
	}
	err := s.flush(true)
	if serr := s.stream.Stop(); err == nil {
		err = serr
	}
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.stream = nil
	portaudio.Terminate()
	return err
}
