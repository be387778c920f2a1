package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/adapters/speech"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/domain/entities"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/auth"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/metrics"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/websocket"
)

func newTestServer(t *testing.T) (*httptest.Server, *websocket.Hub, *auth.TokenService) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	format := entities.AudioFormat{SampleRate: 16000, Channels: 1}

	synth, err := speech.NewMockSynthesizer(format, logger)
	if err != nil {
		t.Fatalf("NewMockSynthesizer failed: %v", err)
	}
	hub, err := websocket.NewHub(websocket.HubConfig{
		Transcriber:    speech.NewMockTranscriber(logger),
		Synthesizer:    synth,
		Format:         format,
		StageTimeout:   2 * time.Second,
		QueueBound:     4,
		Heartbeat:      time.Second,
		ReconnectGrace: 5 * time.Second,
	}, logger, nil)
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}

	tokens, err := auth.NewTokenService("routes-test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService failed: %v", err)
	}

	e := echo.New()
	InitRoutes(e, hub, tokens, metrics.New(), logger)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, hub, tokens
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("Expected status ok, got %q", health.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if !strings.Contains(string(body), "relay_active_sessions") {
		t.Error("Expected relay metrics in the exposition")
	}
}

func TestCreateSessionMintsValidToken(t *testing.T) {
	srv, _, tokens := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/sessions failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	id, err := uuid.Parse(session.SessionID)
	if err != nil {
		t.Fatalf("Expected a UUID session id, got %q", session.SessionID)
	}
	validated, err := tokens.ValidateSessionToken(session.Token)
	if err != nil {
		t.Fatalf("Minted token failed validation: %v", err)
	}
	if validated != id {
		t.Errorf("Expected token bound to %s, got %s", id, validated)
	}
	if !session.ExpiresAt.After(time.Now()) {
		t.Errorf("Expected expiry in the future, got %v", session.ExpiresAt)
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestWebSocketRejectsInvalidToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Authorization", "Bearer not-a-token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /ws failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestSessionHandshake(t *testing.T) {
	srv, hub, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/sessions failed: %v", err)
	}
	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.Token)

	conn, upgradeResp, err := gorilla.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	if upgradeResp != nil {
		upgradeResp.Body.Close()
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 live session, got %d", hub.SessionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
