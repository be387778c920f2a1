package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionRole = "session"

// SessionClaims represents the claims in a session token
type SessionClaims struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService mints and validates session tokens. A token authorizes the
// websocket upgrade and, within the reconnect grace, re-attachment to the
// same session.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a token service with the given signing secret
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("token secret cannot be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// TTL returns the lifetime of freshly minted tokens.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// GenerateSessionToken generates a JWT bound to one session
func (s *TokenService) GenerateSessionToken(sessionID uuid.UUID) (string, error) {
	claims := &SessionClaims{
		SessionID: sessionID.String(),
		Role:      sessionRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateSessionToken validates a token and returns the session it names
func (s *TokenService) ValidateSessionToken(tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return uuid.Nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Role != sessionRole {
		return uuid.Nil, fmt.Errorf("unexpected role %q", claims.Role)
	}

	id, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id in token: %w", err)
	}
	return id, nil
}

// EphemeralSecret returns a random per-process signing secret for
// deployments that do not configure one. Tokens minted with it die with
// the process, which is acceptable because sessions do too.
func EphemeralSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
