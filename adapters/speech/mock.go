// Package speech provides deterministic in-memory pipeline stages for tests
// and demo runs that need no external providers or API keys.
package speech

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
)

// MockTranscriber maps utterance length to a fixed phrase. Results are
// marked untranslated so demo runs exercise the Translator stage too.
type MockTranscriber struct {
	logger *zap.Logger
}

// NewMockTranscriber creates a mock transcriber.
func NewMockTranscriber(logger *zap.Logger) *MockTranscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockTranscriber{logger: logger}
}

// Transcribe implements repositories.Transcriber.
func (m *MockTranscriber) Transcribe(ctx context.Context, pcm []byte, format entities.AudioFormat) (repositories.Transcription, error) {
	if len(pcm) == 0 {
		return repositories.Transcription{}, errors.New("no audio data received")
	}

	duration := format.Duration(len(pcm))
	var text string
	switch {
	case duration > 8*time.Second:
		text = "Hari ini saya ingin bercerita tentang perjalanan saya ke pasar pagi"
	case duration > 3*time.Second:
		text = "Terima kasih banyak atas bantuannya"
	case duration > time.Second:
		text = "Selamat pagi, apa kabar?"
	default:
		text = "Halo"
	}

	m.logger.Debug("Mock transcription",
		zap.Int("audioBytes", len(pcm)),
		zap.Duration("duration", duration))
	return repositories.Transcription{Text: text, Confidence: 0.95}, nil
}

// NewMockTranslator returns a Translator that tags text with the target
// language instead of translating it, keeping demo output traceable to its
// input.
func NewMockTranslator(target string) repositories.Translator {
	return repositories.TranslatorFunc(func(ctx context.Context, text string) (string, error) {
		if strings.TrimSpace(text) == "" {
			return "", errors.New("text cannot be empty")
		}
		return fmt.Sprintf("[%s] %s", target, text), nil
	})
}

// MockSynthesizer renders a soft tone whose length tracks the text, enough
// to hear ordering and skips during demo playback.
type MockSynthesizer struct {
	format entities.AudioFormat
	logger *zap.Logger
}

// NewMockSynthesizer creates a mock synthesizer emitting PCM in the given
// format.
func NewMockSynthesizer(format entities.AudioFormat, logger *zap.Logger) (*MockSynthesizer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockSynthesizer{format: format, logger: logger}, nil
}

// Synthesize implements repositories.Synthesizer.
func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) (repositories.SynthesizedAudio, error) {
	if strings.TrimSpace(text) == "" {
		return repositories.SynthesizedAudio{}, errors.New("text cannot be empty")
	}

	duration := 50 * time.Millisecond * time.Duration(len(text))
	if duration < 200*time.Millisecond {
		duration = 200 * time.Millisecond
	}
	if duration > 3*time.Second {
		duration = 3 * time.Second
	}

	samples := int(duration * time.Duration(m.format.SampleRate) / time.Second)
	pcm := make([]byte, samples*m.format.Channels*entities.BytesPerSample)
	// 10ms attack and release ramps keep the tone click-free.
	ramp := m.format.SampleRate / 100
	for i := 0; i < samples; i++ {
		gain := 1.0
		if i < ramp {
			gain = float64(i) / float64(ramp)
		} else if left := samples - i; left < ramp {
			gain = float64(left) / float64(ramp)
		}
		value := int16(8000 * gain * math.Sin(2*math.Pi*330*float64(i)/float64(m.format.SampleRate)))
		for ch := 0; ch < m.format.Channels; ch++ {
			offset := (i*m.format.Channels + ch) * entities.BytesPerSample
			pcm[offset] = byte(value)
			pcm[offset+1] = byte(value >> 8)
		}
	}

	m.logger.Debug("Mock synthesis",
		zap.Int("textLength", len(text)),
		zap.Duration("duration", duration))
	return repositories.SynthesizedAudio{PCM: pcm, SampleRate: m.format.SampleRate}, nil
}
