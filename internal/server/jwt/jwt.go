// Package jwt выпускает и проверяет токены сервера.
package jwt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer - значение iss в выпущенных токенах
const Issuer = "sessionguard"

// ErrInvalidToken indicates a token that failed validation
var ErrInvalidToken = errors.New("invalid access token")

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service provides JWT token generation and validation
type Service struct {
	now             func() time.Time
	parser          *jwt.Parser
	secret          []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

// NewService creates a new JWT service
// secret should be a cryptographically secure random string
func NewService(secret string, accessTokenTTL, refreshTokenTTL time.Duration) *Service {
	s := &Service{
		secret:          []byte(secret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		now:             time.Now,
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	return s
}

// SetClock подменяет источник времени (для тестов)
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// AccessTokenTTL returns the lifetime of issued access tokens
func (s *Service) AccessTokenTTL() time.Duration {
	return s.accessTokenTTL
}

// GenerateAccessToken creates a new JWT access token and returns it with its lifetime in seconds
func (s *Service) GenerateAccessToken(userID, username string) (string, int64, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTokenTTL)

	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, int64(s.accessTokenTTL.Seconds()), nil
}

// ValidateAccessToken validates and parses JWT access token
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GenerateRefreshToken creates a new random refresh token
func (s *Service) GenerateRefreshToken() (string, time.Time, error) {
	// Генерируем случайные 32 байта
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate random token: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(tokenBytes)
	expiresAt := s.now().Add(s.refreshTokenTTL)

	return token, expiresAt, nil
}
