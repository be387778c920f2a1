// Package stt provides Transcriber implementations backed by hosted speech
// recognition services.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
)

// GoogleTranscriber recognizes utterances with Google Cloud Speech-to-Text.
// It returns source-language text, so the pipeline pairs it with a
// Translator.
type GoogleTranscriber struct {
	client   *speech.Client
	language string
	logger   *zap.Logger
}

// NewGoogleTranscriber creates a Google Cloud transcriber. Credentials come
// from the environment (GOOGLE_APPLICATION_CREDENTIALS). language is the
// BCP-47 source language code, e.g. "id-ID".
func NewGoogleTranscriber(ctx context.Context, language string, logger *zap.Logger) (*GoogleTranscriber, error) {
	if language == "" {
		return nil, errors.New("source language is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleTranscriber{client: client, language: language, logger: logger}, nil
}

// Transcribe implements repositories.Transcriber. Utterances are capped well
// below the one-minute limit of the synchronous Recognize call, so no
// long-running operation is needed.
func (g *GoogleTranscriber) Transcribe(ctx context.Context, pcm []byte, format entities.AudioFormat) (repositories.Transcription, error) {
	if len(pcm) == 0 {
		return repositories.Transcription{}, errors.New("no audio data received")
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:          speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:   int32(format.SampleRate),
			AudioChannelCount: int32(format.Channels),
			LanguageCode:      g.language,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return repositories.Transcription{}, fmt.Errorf("failed to recognize audio: %w", err)
	}

	result, err := transcriptionFromResponse(resp)
	if err != nil {
		return repositories.Transcription{}, err
	}
	g.logger.Debug("Recognized utterance",
		zap.Int("audioBytes", len(pcm)),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}

// transcriptionFromResponse joins the best alternative of each result and
// keeps the lowest confidence among them.
func transcriptionFromResponse(resp *speechpb.RecognizeResponse) (repositories.Transcription, error) {
	var parts []string
	confidence := 0.0
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		parts = append(parts, alts[0].GetTranscript())
		c := float64(alts[0].GetConfidence())
		if confidence == 0 || c < confidence {
			confidence = c
		}
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return repositories.Transcription{}, errors.New("no speech detected in audio")
	}
	return repositories.Transcription{Text: text, Confidence: confidence}, nil
}

// Close releases the underlying gRPC client.
func (g *GoogleTranscriber) Close() error {
	return g.client.Close()
}
