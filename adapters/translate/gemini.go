// Package translate provides Translator implementations for the pipeline's
// text translation stage.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
)

const (
	defaultModel           = "gemini-2.0-flash"
	defaultTemperature     = 0.1
	defaultMaxOutputTokens = 512

	maxAttempts = 3
)

// GeminiConfig configures the Gemini translator.
type GeminiConfig struct {
	APIKey string
	// Model defaults to gemini-2.0-flash.
	Model string
	// SourceLanguage and TargetLanguage are language names used in the
	// prompt, e.g. "Indonesian" and "English".
	SourceLanguage string
	TargetLanguage string
	Temperature    float32
	MaxOutputTokens int
}

// Validate validates the config.
func (c GeminiConfig) Validate() error {
	if c.APIKey == "" {
		return errors.New("gemini api key is required")
	}
	if c.SourceLanguage == "" || c.TargetLanguage == "" {
		return errors.New("source and target languages are required")
	}
	if c.Temperature != 0 && (c.Temperature < 0 || c.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", c.Temperature)
	}
	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("max output tokens must be positive, got %d", c.MaxOutputTokens)
	}
	return nil
}

// Gemini translates transcripts between the configured language pair. A
// failed or empty translation is an error; the pipeline fails the utterance
// rather than playing made-up speech.
type Gemini struct {
	client          *genai.Client
	model           string
	source          string
	target          string
	temperature     float32
	maxOutputTokens int32
	logger          *zap.Logger
}

var _ repositories.Translator = (*Gemini)(nil)

// NewGemini creates a Gemini translator.
func NewGemini(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*Gemini, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = defaultModel
	}
	temperature := config.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxOutputTokens := config.MaxOutputTokens
	if maxOutputTokens == 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}

	return &Gemini{
		client:          client,
		model:           model,
		source:          config.SourceLanguage,
		target:          config.TargetLanguage,
		temperature:     temperature,
		maxOutputTokens: int32(maxOutputTokens),
		logger:          logger,
	}, nil
}

// Translate implements repositories.Translator.
func (g *Gemini) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("text cannot be empty")
	}

	contents := []*genai.Content{
		genai.NewContentFromText(translationPrompt(g.source, g.target, text), genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.temperature),
		MaxOutputTokens: g.maxOutputTokens,
	}

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err = g.client.Models.GenerateContent(ctx, g.model, contents, config)
		if err == nil {
			break
		}
		g.logger.Warn("Failed to generate translation, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to generate translation: %w", err)
	}

	translated := textFromResponse(response)
	if translated == "" {
		return "", errors.New("empty translation")
	}
	return translated, nil
}

func translationPrompt(source, target, text string) string {
	return fmt.Sprintf(
		"Translate the following %s text to %s. Reply with only the translation, no explanations.\n\n%s",
		source, target, text)
}

// textFromResponse extracts the text parts of the first candidate.
func textFromResponse(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range response.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return strings.TrimSpace(text)
}
