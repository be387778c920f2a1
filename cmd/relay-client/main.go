package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/adapters/device"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/repositories"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/client"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/config"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/jitter"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/segmenter"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to the relay configuration file")
	server := flag.String("server", "http://localhost:4444", "relay server base URL")
	input := flag.String("input", "mic", "audio input: mic or a WAV file path")
	output := flag.String("output", "speaker", "audio output: speaker or a WAV file path")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Logging.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sessionID, token, err := mintSession(*server)
	if err != nil {
		logger.Fatal("Session handshake failed", zap.Error(err))
	}
	logger.Info("Session minted", zap.String("sessionID", sessionID.String()))

	endpoint, err := websocketURL(*server)
	if err != nil {
		logger.Fatal("Invalid server URL", zap.Error(err))
	}

	source, sink, err := openDevices(cfg, *input, *output, logger)
	if err != nil {
		logger.Fatal("Failed to open audio devices", zap.Error(err))
	}

	format := cfg.Audio.Format()
	c, err := client.New(client.Config{
		URL:           endpoint,
		Token:         token,
		SessionID:     sessionID,
		Source:        source,
		Sink:          sink,
		Format:        format,
		ChunkDuration: cfg.Audio.GetChunkDuration(),
		Endpointing: segmenter.Params{
			EnergyThreshold: cfg.Segmenter.EnergyThreshold,
			StartHold:       cfg.Segmenter.GetStartHold(),
			EndSilence:      cfg.Segmenter.GetEndSilence(),
			MaxUtterance:    cfg.Segmenter.GetMaxUtterance(),
		},
		Playback: jitter.Config{
			MinUtterances: cfg.Playback.MinUtterances,
			Starvation:    cfg.Playback.GetStarvation(),
			SilenceBeat:   cfg.Playback.GetSilenceBeat(),
			Format:        format,
		},
		Heartbeat:      cfg.Session.GetHeartbeat(),
		ReconnectGrace: cfg.Session.GetReconnectGrace(),
		OnTranscript: func(id entities.UtteranceID, text string) {
			fmt.Printf("[%d] %s\n", id, text)
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Failed to initialize client", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First interrupt drains the session so in-flight speech still plays;
	// a second one aborts.
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("Draining session, interrupt again to abort")
		c.Drain()
		<-quit
		cancel()
	}()

	if err := c.Run(ctx); err != nil {
		logger.Fatal("Session failed", zap.Error(err))
	}
	if *output != "speaker" {
		logger.Info("Playback written", zap.String("path", *output))
	}
	logger.Info("Session complete")
}

// mintSession performs the POST /v1/sessions handshake.
func mintSession(server string) (uuid.UUID, string, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(strings.TrimRight(server, "/")+"/v1/sessions", "application/json", nil)
	if err != nil {
		return uuid.Nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return uuid.Nil, "", fmt.Errorf("unexpected status %d from session endpoint", resp.StatusCode)
	}
	var session struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to decode session response: %w", err)
	}
	id, err := uuid.Parse(session.SessionID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid session id %q: %w", session.SessionID, err)
	}
	return id, session.Token, nil
}

// websocketURL derives the ws endpoint from the server base URL.
func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

// openDevices resolves the input and output flags into audio devices. The
// capture format follows the device; the client converts to the relay format.
func openDevices(cfg *config.Config, input, output string, logger *zap.Logger) (repositories.AudioSource, repositories.AudioSink, error) {
	format := cfg.Audio.Format()
	chunk := cfg.Audio.GetChunkDuration()

	var source repositories.AudioSource
	var err error
	if input == "mic" {
		source, err = device.NewPortAudioSource(format, chunk, logger)
	} else {
		source, err = device.NewWAVSource(input)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("input %s: %w", input, err)
	}

	var sink repositories.AudioSink
	if output == "speaker" {
		sink, err = device.NewPortAudioSink(format, chunk, logger)
	} else {
		sink, err = device.NewWAVSink(output, format)
	}
	if err != nil {
		source.Close()
		return nil, nil, fmt.Errorf("output %s: %w", output, err)
	}
	return source, sink, nil
}
