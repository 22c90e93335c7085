// Package handlers содержит HTTP обработчики сервера.
package handlers

import "context"

type contextKey string

const (
	// UserIDKey - ключ контекста с ID пользователя из access token
	UserIDKey contextKey = "user_id"
	// UsernameKey - ключ контекста с username из access token
	UsernameKey contextKey = "username"
)

// WithUser returns ctx carrying the authenticated user
func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

// GetUserID extracts the authenticated user ID
func GetUserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(UserIDKey).(string)
	return v, ok && v != ""
}

// GetUsername extracts the authenticated username
func GetUsername(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(UsernameKey).(string)
	return v, ok && v != ""
}
