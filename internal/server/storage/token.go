package storage

import (
	"context"
	"time"

	"github.com/iudanet/sessionguard/internal/models"
)

//go:generate moq -out token_mock.go . TokenStorage

// TokenStorage defines interface for refresh token persistence
type TokenStorage interface {
	// SaveRefreshToken stores a new refresh token
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error

	// ConsumeRefreshToken deletes the token and returns it.
	// Two concurrent calls with the same token cannot both succeed.
	// Returns ErrTokenNotFound if token doesn't exist
	ConsumeRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)

	// DeleteUserTokens deletes all refresh tokens for a user
	// Returns number of deleted tokens
	DeleteUserTokens(ctx context.Context, userID string) (int, error)

	// DeleteExpiredTokens removes tokens that expired before now
	// Returns number of deleted tokens
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
}
