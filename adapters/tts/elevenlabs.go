// Package tts provides Synthesizer implementations backed by hosted speech
// synthesis services.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/audio"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM" // Rachel voice
	defaultModelID      = "eleven_multilingual_v2"
	defaultOutputFormat = "mp3_44100_128"
	defaultStability    = 0.5
	defaultClarity      = 0.75

	requestTimeout = 60 * time.Second
)

// ElevenLabsConfig configures the ElevenLabs synthesizer. Only APIKey is
// required; the remaining fields default to the values above.
type ElevenLabsConfig struct {
	APIKey     string
	APIBaseURL string
	VoiceID    string
	ModelID    string
	// OutputFormat is an ElevenLabs format code. mp3_* formats are decoded
	// locally; pcm_<rate> formats are taken as raw 16-bit mono samples.
	OutputFormat string
	Stability    float64
	Clarity      float64
}

// Validate validates the config and reports the first problem.
func (c ElevenLabsConfig) Validate() error {
	if c.APIKey == "" {
		return errors.New("eleven labs api key is required")
	}
	if c.Stability != 0 && (c.Stability < 0 || c.Stability > 1) {
		return fmt.Errorf("stability must be between 0 and 1, got %f", c.Stability)
	}
	if c.Clarity != 0 && (c.Clarity < 0 || c.Clarity > 1) {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", c.Clarity)
	}
	if c.OutputFormat != "" && !strings.HasPrefix(c.OutputFormat, "mp3_") && !strings.HasPrefix(c.OutputFormat, "pcm_") {
		return fmt.Errorf("unsupported output format: %s", c.OutputFormat)
	}
	return nil
}

// ElevenLabs synthesizes utterances with the ElevenLabs streaming API and
// normalizes the result to mono PCM at the session format's rate.
type ElevenLabs struct {
	apiKey       string
	apiBaseURL   string
	voiceID      string
	modelID      string
	outputFormat string
	stability    float64
	clarity      float64

	format     entities.AudioFormat
	httpClient *http.Client
	logger     *zap.Logger
}

var _ repositories.Synthesizer = (*ElevenLabs)(nil)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

type synthesisRequest struct {
	Text                   string        `json:"text"`
	ModelID                string        `json:"model_id"`
	VoiceSettings          voiceSettings `json:"voice_settings"`
	ApplyTextNormalization string        `json:"apply_text_normalization,omitempty"`
}

// NewElevenLabs creates an ElevenLabs synthesizer targeting the given
// session format.
func NewElevenLabs(config ElevenLabsConfig, format entities.AudioFormat, logger *zap.Logger) (*ElevenLabs, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiBaseURL := config.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}
	voiceID := config.VoiceID
	if voiceID == "" {
		voiceID = defaultVoiceID
	}
	modelID := config.ModelID
	if modelID == "" {
		modelID = defaultModelID
	}
	outputFormat := config.OutputFormat
	if outputFormat == "" {
		outputFormat = defaultOutputFormat
	}
	stability := config.Stability
	if stability == 0 {
		stability = defaultStability
	}
	clarity := config.Clarity
	if clarity == 0 {
		clarity = defaultClarity
	}

	return &ElevenLabs{
		apiKey:       config.APIKey,
		apiBaseURL:   apiBaseURL,
		voiceID:      voiceID,
		modelID:      modelID,
		outputFormat: outputFormat,
		stability:    stability,
		clarity:      clarity,
		format:       format,
		httpClient:   &http.Client{Timeout: requestTimeout},
		logger:       logger,
	}, nil
}

// Synthesize implements repositories.Synthesizer. The streaming response is
// drained fully; the pipeline wants one complete utterance, not chunks.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (repositories.SynthesizedAudio, error) {
	if strings.TrimSpace(text) == "" {
		return repositories.SynthesizedAudio{}, errors.New("text cannot be empty")
	}

	body, err := json.Marshal(synthesisRequest{
		Text:                   text,
		ModelID:                e.modelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: voiceSettings{
			Stability:       e.stability,
			SimilarityBoost: e.clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return repositories.SynthesizedAudio{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&enable_logging=false",
		e.apiBaseURL, e.voiceID, e.outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return repositories.SynthesizedAudio{}, fmt.Errorf("failed to create request: %w", err)
	}
	accept := "audio/mpeg"
	if strings.HasPrefix(e.outputFormat, "pcm_") {
		accept = "audio/pcm"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return repositories.SynthesizedAudio{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return repositories.SynthesizedAudio{}, fmt.Errorf("eleven labs returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(errorBody)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return repositories.SynthesizedAudio{}, fmt.Errorf("failed to read audio stream: %w", err)
	}
	if len(raw) == 0 {
		return repositories.SynthesizedAudio{}, errors.New("empty audio stream")
	}

	pcm, err := e.toSessionPCM(raw)
	if err != nil {
		return repositories.SynthesizedAudio{}, err
	}
	e.logger.Debug("Synthesized utterance",
		zap.Int("textLength", len(text)),
		zap.Int("rawBytes", len(raw)),
		zap.Int("pcmBytes", len(pcm)))
	return repositories.SynthesizedAudio{PCM: pcm, SampleRate: e.format.SampleRate}, nil
}

// toSessionPCM normalizes the provider payload to mono PCM at the session
// rate: mp3 is decoded (go-mp3 always yields stereo) then downmixed, raw pcm
// formats are resampled when the rates differ.
func (e *ElevenLabs) toSessionPCM(raw []byte) ([]byte, error) {
	if strings.HasPrefix(e.outputFormat, "pcm_") {
		rate, err := pcmFormatRate(e.outputFormat)
		if err != nil {
			return nil, err
		}
		if rate == e.format.SampleRate {
			return raw, nil
		}
		return audio.Resample(raw, rate, e.format.SampleRate)
	}

	decoder, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode mp3: %w", err)
	}
	stereo, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mp3 stream: %w", err)
	}
	mono, err := audio.DownmixStereo(stereo)
	if err != nil {
		return nil, err
	}
	if decoder.SampleRate() == e.format.SampleRate {
		return mono, nil
	}
	return audio.Resample(mono, decoder.SampleRate(), e.format.SampleRate)
}

// pcmFormatRate extracts the sample rate from a pcm_<rate> format code.
func pcmFormatRate(format string) (int, error) {
	rate, err := strconv.Atoi(strings.TrimPrefix(format, "pcm_"))
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("unsupported output format: %s", format)
	}
	return rate, nil
}
