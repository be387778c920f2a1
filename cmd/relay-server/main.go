package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/adapters/speech"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/adapters/stt"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/adapters/translate"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/adapters/tts"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/api"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/auth"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/config"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/metrics"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/websocket"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to the relay configuration file")
	demo := flag.Bool("demo", false, "run with mock providers, no API keys needed")
	flag.Parse()

	// Env files are optional; real deployments inject the environment.
	godotenv.Load()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *demo {
		cfg.Providers.Transcriber = "mock"
		cfg.Providers.Synthesizer = "mock"
		cfg.Providers.Translator = "mock"
	}

	logger, err := cfg.Logging.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	secret := cfg.Server.TokenSecret
	if secret == "" {
		secret, err = auth.EphemeralSecret()
		if err != nil {
			logger.Fatal("Failed to generate ephemeral secret", zap.Error(err))
		}
		logger.Warn("No token secret configured, using an ephemeral per-process secret")
	}
	tokens, err := auth.NewTokenService(secret, cfg.Server.GetTokenTTL())
	if err != nil {
		logger.Fatal("Failed to initialize token service", zap.Error(err))
	}

	ctx := context.Background()
	transcriber, synthesizer, translator, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize providers", zap.Error(err))
	}

	m := metrics.New()
	hub, err := websocket.NewHub(websocket.HubConfig{
		Transcriber:    transcriber,
		Synthesizer:    synthesizer,
		Translator:     translator,
		Format:         cfg.Audio.Format(),
		StageTimeout:   cfg.Pipeline.GetStageTimeout(),
		QueueBound:     cfg.Pipeline.QueueBound,
		Heartbeat:      cfg.Session.GetHeartbeat(),
		ReconnectGrace: cfg.Session.GetReconnectGrace(),
	}, logger, m)
	if err != nil {
		logger.Fatal("Failed to initialize hub", zap.Error(err))
	}

	hubCtx, hubCancel := context.WithCancel(ctx)
	go hub.Run(hubCtx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, hub, tokens, m, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Relay server started",
		zap.String("addr", addr),
		zap.String("transcriber", cfg.Providers.Transcriber),
		zap.String("synthesizer", cfg.Providers.Synthesizer),
		zap.String("translator", cfg.Providers.Translator))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	hubCancel()

	logger.Info("Server exited")
}

// buildProviders constructs the pipeline stages named by the configuration.
func buildProviders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.Transcriber, repositories.Synthesizer, repositories.Translator, error) {
	format := cfg.Audio.Format()

	var transcriber repositories.Transcriber
	switch cfg.Providers.Transcriber {
	case "google":
		t, err := stt.NewGoogleTranscriber(ctx, cfg.Providers.SourceLanguage, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("google transcriber: %w", err)
		}
		transcriber = t
	case "whisper":
		t, err := stt.NewWhisperTranscriber(stt.WhisperConfig{
			APIKey: cfg.Providers.OpenAIAPIKey,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("whisper transcriber: %w", err)
		}
		transcriber = t
	default:
		transcriber = speech.NewMockTranscriber(logger)
	}

	var synthesizer repositories.Synthesizer
	switch cfg.Providers.Synthesizer {
	case "elevenlabs":
		s, err := tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:  cfg.Providers.ElevenLabsAPIKey,
			VoiceID: cfg.Providers.ElevenLabsVoiceID,
		}, format, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("elevenlabs synthesizer: %w", err)
		}
		synthesizer = s
	default:
		s, err := speech.NewMockSynthesizer(format, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mock synthesizer: %w", err)
		}
		synthesizer = s
	}

	// A nil translator is valid; the pipeline passes transcripts through.
	// Whisper marks its output translated, so it pairs with "none".
	var translator repositories.Translator
	switch cfg.Providers.Translator {
	case "gemini":
		tr, err := translate.NewGemini(ctx, translate.GeminiConfig{
			APIKey:         cfg.Providers.GeminiAPIKey,
			SourceLanguage: cfg.Providers.SourceLanguage,
			TargetLanguage: cfg.Providers.TargetLanguage,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("gemini translator: %w", err)
		}
		translator = tr
	case "mock":
		translator = speech.NewMockTranslator(cfg.Providers.TargetLanguage)
	}

	return transcriber, synthesizer, translator, nil
}
