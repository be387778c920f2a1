package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/audio"
)

// WhisperConfig configures the OpenAI Whisper transcriber.
type WhisperConfig struct {
	APIKey string
	// Model defaults to whisper-1.
	Model string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
}

// WhisperTranscriber recognizes and translates utterances in one call using
// the Whisper translation task. The task always targets English, so the
// result is marked Translated and the pipeline skips its Translator.
type WhisperTranscriber struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewWhisperTranscriber creates a Whisper transcriber.
func NewWhisperTranscriber(cfg WhisperConfig, logger *zap.Logger) (*WhisperTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &WhisperTranscriber{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		logger: logger,
	}, nil
}

// Transcribe implements repositories.Transcriber. The raw PCM is wrapped in
// an in-memory WAV container since the API only accepts audio files.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, pcm []byte, format entities.AudioFormat) (repositories.Transcription, error) {
	if len(pcm) == 0 {
		return repositories.Transcription{}, errors.New("no audio data received")
	}

	var wav bytes.Buffer
	if err := audio.EncodeWAV(&wav, pcm, format.SampleRate, format.Channels); err != nil {
		return repositories.Transcription{}, fmt.Errorf("failed to encode wav: %w", err)
	}

	resp, err := w.client.CreateTranslation(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "utterance.wav",
		Reader:   &wav,
	})
	if err != nil {
		return repositories.Transcription{}, fmt.Errorf("failed to translate audio: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return repositories.Transcription{}, errors.New("no speech detected in audio")
	}
	w.logger.Debug("Translated utterance", zap.Int("audioBytes", len(pcm)))

	// The API reports no confidence score.
	return repositories.Transcription{Text: text, Confidence: 1, Translated: true}, nil
}
