package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates that the access token cannot be decoded or has no expiry
var ErrInvalidToken = errors.New("invalid access token")

// Identity идентифицирует пользователя сессии
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Credential - пара токенов и пользователь.
// IssuedAt, ExpiresAt и Identity всегда выводятся из AccessToken.
type Credential struct {
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     Identity  `json:"identity"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
}

// CredentialUpdate - новые значения токенов после refresh. Пустые поля не меняются.
type CredentialUpdate struct {
	AccessToken  string
	RefreshToken string
}

// tokenClaims повторяет claims, которые выдает сервер
type tokenClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenInfo - то, что клиент может узнать из access token без проверки подписи
type TokenInfo struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
	Identity  Identity
}

// DecodeToken читает claims access token без проверки подписи.
// Подпись проверяет сервер; клиенту нужен только exp.
func DecodeToken(accessToken string) (TokenInfo, error) {
	if accessToken == "" {
		return TokenInfo{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.ExpiresAt == nil {
		return TokenInfo{}, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}

	info := TokenInfo{
		ExpiresAt: claims.ExpiresAt.Time,
		Identity: Identity{
			UserID:   claims.UserID,
			Username: claims.Username,
		},
	}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if info.Identity.UserID == "" {
		info.Identity.UserID = claims.Subject
	}

	return info, nil
}

// NewCredential собирает Credential из пары токенов
func NewCredential(accessToken, refreshToken string) (Credential, error) {
	info, err := DecodeToken(accessToken)
	if err != nil {
		return Credential{}, err
	}

	return Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Identity:     info.Identity,
		IssuedAt:     info.IssuedAt,
		ExpiresAt:    info.ExpiresAt,
	}, nil
}

// apply выводит поля из токена поверх cred; identity из токена побеждает, если она есть
func (c *Credential) apply(info TokenInfo) {
	c.IssuedAt = info.IssuedAt
	c.ExpiresAt = info.ExpiresAt
	if info.Identity.UserID != "" {
		c.Identity.UserID = info.Identity.UserID
	}
	if info.Identity.Username != "" {
		c.Identity.Username = info.Identity.Username
	}
}
