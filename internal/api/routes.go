// Package api wires the relay's HTTP surface: session minting, the
// websocket upgrade, health and metrics.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/auth"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/metrics"
	"github.com/ngngardner/Realtime-Speech-to-Speech-Translation/internal/websocket"
)

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, tokens *auth.TokenService, m *metrics.Metrics, logger *zap.Logger) {
	// Health check
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "ok",
			Service: "relay-server",
		})
	})

	// Prometheus metrics
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	// Session handshake
	v1 := e.Group("/v1")
	v1.POST("/sessions", func(c echo.Context) error {
		return createSession(c, tokens, logger)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, c, tokens, logger)
	})
}

// createSession mints a session id and the token that authorizes its
// websocket connection. Reconnects within the grace window present the same
// token, so the token lifetime only needs to cover one conversation.
func createSession(c echo.Context, tokens *auth.TokenService, logger *zap.Logger) error {
	sessionID := uuid.New()

	token, err := tokens.GenerateSessionToken(sessionID)
	if err != nil {
		logger.Error("Failed to generate session token",
			zap.String("sessionID", sessionID.String()),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate session token",
		})
	}

	logger.Info("Session minted", zap.String("sessionID", sessionID.String()))

	return c.JSON(http.StatusCreated, SessionResponse{
		SessionID: sessionID.String(),
		Token:     token,
		ExpiresAt: time.Now().Add(tokens.TTL()),
	})
}

// websocketWithAuth validates the bearer token and hands the connection to
// the session it names.
func websocketWithAuth(hub *websocket.Hub, c echo.Context, tokens *auth.TokenService, logger *zap.Logger) error {
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}

	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "Session token is required in Authorization header",
		})
	}

	sessionID, err := tokens.ValidateSessionToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired session token",
		})
	}

	return websocket.HandleSession(hub, c, sessionID)
}
