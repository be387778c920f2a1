// Package config loads and validates the relay configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
)

// Config represents the complete relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Session   SessionConfig   `yaml:"session"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Providers ProvidersConfig `yaml:"providers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the listener configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
	TokenSecret string `yaml:"token_secret"`
	// TokenTTLHours bounds how long a session token stays valid.
	TokenTTLHours int `yaml:"token_ttl_hours"`
}

// AudioConfig describes the PCM layout both directions share
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	ChunkMs    int `yaml:"chunk_ms"`
}

// SegmenterConfig contains utterance boundary detection parameters
type SegmenterConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
	StartHoldMs     int     `yaml:"start_hold_ms"`
	EndSilenceMs    int     `yaml:"end_silence_ms"`
	MaxUtteranceMs  int     `yaml:"max_utterance_ms"`
}

// PipelineConfig bounds the per-session translation pipeline
type PipelineConfig struct {
	StageTimeoutMs int `yaml:"stage_timeout_ms"`
	QueueBound     int `yaml:"queue_bound"`
}

// SessionConfig contains connection liveness parameters
type SessionConfig struct {
	HeartbeatMs      int `yaml:"heartbeat_ms"`
	ReconnectGraceMs int `yaml:"reconnect_grace_ms"`
}

// PlaybackConfig tunes the client-side ordering buffer
type PlaybackConfig struct {
	MinUtterances int `yaml:"min_utterances"`
	StarvationMs  int `yaml:"starvation_ms"`
	SilenceBeatMs int `yaml:"silence_beat_ms"`
}

// ProvidersConfig selects and credentials the speech providers
type ProvidersConfig struct {
	Transcriber    string `yaml:"transcriber"` // mock, google, whisper
	Synthesizer    string `yaml:"synthesizer"` // mock, elevenlabs
	Translator     string `yaml:"translator"`  // none, mock, gemini
	SourceLanguage string `yaml:"source_language"`
	TargetLanguage string `yaml:"target_language"`

	OpenAIAPIKey      string `yaml:"openai_api_key"`
	ElevenLabsAPIKey  string `yaml:"elevenlabs_api_key"`
	ElevenLabsVoiceID string `yaml:"elevenlabs_voice_id"`
	GeminiAPIKey      string `yaml:"gemini_api_key"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns a configuration with every knob at its documented default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          4444,
			BindAddress:   "0.0.0.0",
			TokenTTLHours: 24,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			ChunkMs:    80,
		},
		Segmenter: SegmenterConfig{
			EnergyThreshold: 0.015,
			StartHoldMs:     100,
			EndSilenceMs:    600,
			MaxUtteranceMs:  15000,
		},
		Pipeline: PipelineConfig{
			StageTimeoutMs: 8000,
			QueueBound:     8,
		},
		Session: SessionConfig{
			HeartbeatMs:      5000,
			ReconnectGraceMs: 10000,
		},
		Playback: PlaybackConfig{
			MinUtterances: 1,
			StarvationMs:  300,
			SilenceBeatMs: 200,
		},
		Providers: ProvidersConfig{
			Transcriber:    "mock",
			Synthesizer:    "mock",
			Translator:     "none",
			SourceLanguage: "es-ES",
			TargetLanguage: "en-US",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration file, applies environment overrides for
// secrets and validates the result. Fields absent from the file keep their
// defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

/// LoadOrDefault behaves like Load, but a missing file is not an error:
// built-in defaults plus environment overrides apply instead.
func LoadOrDefault(path string) (*Config, error) {
	config, err := Load(path)
	if err == nil {
		return config, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	config = Default()
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides secrets from the environment. Environment values win
// over file values so deployments never need credentials on disk.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RELAY_TOKEN_SECRET"); v != "" {
		c.Server.TokenSecret = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		c.Providers.ElevenLabsAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.GeminiAPIKey = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}
	if err := c.Providers.Validate(); err != nil {
		return fmt.Errorf("providers config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates the listener configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}
	// TokenSecret may stay empty; the server falls back to an ephemeral
	// per-process secret, which suffices because sessions never outlive
	// the process.
	if s.TokenTTLHours < 1 {
		return fmt.Errorf("token_ttl_hours must be at least 1, got %d", s.TokenTTLHours)
	}
	return nil
}

// Validate validates the shared PCM layout
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 {
		return fmt.Errorf("sample_rate must be at least 8000 Hz, got %d", a.SampleRate)
	}
	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}
	if a.ChunkMs < 20 || a.ChunkMs > 100 {
		return fmt.Errorf("chunk_ms must be between 20 and 100, got %d", a.ChunkMs)
	}
	return nil
}

// Validate validates boundary detection parameters
func (s *SegmenterConfig) Validate() error {
	if s.EnergyThreshold <= 0 || s.EnergyThreshold >= 1 {
		return fmt.Errorf("energy_threshold must be between 0 and 1 (exclusive), got %f", s.EnergyThreshold)
	}
	if s.StartHoldMs < 1 {
		return fmt.Errorf("start_hold_ms must be positive, got %d", s.StartHoldMs)
	}
	if s.EndSilenceMs < 1 {
		return fmt.Errorf("end_silence_ms must be positive, got %d", s.EndSilenceMs)
	}
	if s.MaxUtteranceMs <= s.EndSilenceMs {
		return fmt.Errorf("max_utterance_ms (%d) must be greater than end_silence_ms (%d)",
			s.MaxUtteranceMs, s.EndSilenceMs)
	}
	return nil
}

// Validate validates pipeline bounds
func (p *PipelineConfig) Validate() error {
	if p.StageTimeoutMs < 100 {
		return fmt.Errorf("stage_timeout_ms must be at least 100, got %d", p.StageTimeoutMs)
	}
	if p.QueueBound < 1 {
		return fmt.Errorf("queue_bound must be at least 1, got %d", p.QueueBound)
	}
	return nil
}

// Validate validates liveness parameters
func (s *SessionConfig) Validate() error {
	if s.HeartbeatMs < 100 {
		return fmt.Errorf("heartbeat_ms must be at least 100, got %d", s.HeartbeatMs)
	}
	if s.ReconnectGraceMs < 1 {
		return fmt.Errorf("reconnect_grace_ms must be positive, got %d", s.ReconnectGraceMs)
	}
	return nil
}

// Validate validates playback buffer parameters
func (p *PlaybackConfig) Validate() error {
	if p.MinUtterances < 1 {
		return fmt.Errorf("min_utterances must be at least 1, got %d", p.MinUtterances)
	}
	if p.StarvationMs < 1 {
		return fmt.Errorf("starvation_ms must be positive, got %d", p.StarvationMs)
	}
	if p.SilenceBeatMs < 1 {
		return fmt.Errorf("silence_beat_ms must be positive, got %d", p.SilenceBeatMs)
	}
	return nil
}

// Validate validates provider selection and credentials
func (p *ProvidersConfig) Validate() error {
	switch p.Transcriber {
	case "mock", "google":
	case "whisper":
		if p.OpenAIAPIKey == "" {
			return fmt.Errorf("openai_api_key required for whisper transcriber, set OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("transcriber must be one of [mock, google, whisper], got '%s'", p.Transcriber)
	}

	switch p.Synthesizer {
	case "mock":
	case "elevenlabs":
		if p.ElevenLabsAPIKey == "" {
			return fmt.Errorf("elevenlabs_api_key required for elevenlabs synthesizer, set ELEVENLABS_API_KEY")
		}
	default:
		return fmt.Errorf("synthesizer must be one of [mock, elevenlabs], got '%s'", p.Synthesizer)
	}

	switch p.Translator {
	case "none", "mock":
	case "gemini":
		if p.GeminiAPIKey == "" {
			return fmt.Errorf("gemini_api_key required for gemini translator, set GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("translator must be one of [none, mock, gemini], got '%s'", p.Translator)
	}

	if p.SourceLanguage == "" {
		return fmt.Errorf("source_language cannot be empty")
	}
	if p.TargetLanguage == "" {
		return fmt.Errorf("target_language cannot be empty")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	if l.Format != "json" && l.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got '%s'", l.Format)
	}
	return nil
}

// BuildLogger constructs a zap logger matching the logging configuration.
func (l *LoggingConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zapCfg zap.Config
	if l.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// Format returns the shared PCM layout as an entity.
func (a *AudioConfig) Format() entities.AudioFormat {
	return entities.AudioFormat{SampleRate: a.SampleRate, Channels: a.Channels}
}

// GetChunkDuration returns the capture chunk length as a time.Duration
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkMs) * time.Millisecond
}

// GetStartHold returns the start confirmation window as a time.Duration
func (s *SegmenterConfig) GetStartHold() time.Duration {
	return time.Duration(s.StartHoldMs) * time.Millisecond
}

// GetEndSilence returns the end silence window as a time.Duration
func (s *SegmenterConfig) GetEndSilence() time.Duration {
	return time.Duration(s.EndSilenceMs) * time.Millisecond
}

// GetMaxUtterance returns the utterance length cap as a time.Duration
func (s *SegmenterConfig) GetMaxUtterance() time.Duration {
	return time.Duration(s.MaxUtteranceMs) * time.Millisecond
}

// GetStageTimeout returns the per-stage deadline as a time.Duration
func (p *PipelineConfig) GetStageTimeout() time.Duration {
	return time.Duration(p.StageTimeoutMs) * time.Millisecond
}

// GetHeartbeat returns the heartbeat interval as a time.Duration
func (s *SessionConfig) GetHeartbeat() time.Duration {
	return time.Duration(s.HeartbeatMs) * time.Millisecond
}

// GetReconnectGrace returns the reconnect grace as a time.Duration
func (s *SessionConfig) GetReconnectGrace() time.Duration {
	return time.Duration(s.ReconnectGraceMs) * time.Millisecond
}

// GetStarvation returns the playback starvation window as a time.Duration
func (p *PlaybackConfig) GetStarvation() time.Duration {
	return time.Duration(p.StarvationMs) * time.Millisecond
}

// GetSilenceBeat returns the starvation filler length as a time.Duration
func (p *PlaybackConfig) GetSilenceBeat() time.Duration {
	return time.Duration(p.SilenceBeatMs) * time.Millisecond
}

// GetTokenTTL returns the session token lifetime as a time.Duration
func (s *ServerConfig) GetTokenTTL() time.Duration {
	return time.Duration(s.TokenTTLHours) * time.Hour
}
