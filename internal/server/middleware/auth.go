package middleware

import (
	"log/slog"
	"net/http"

	"github.com/iudanet/sessionguard/internal/server/handlers"
	"github.com/iudanet/sessionguard/internal/server/jwt"
)

// TokenValidator проверяет access token
type TokenValidator interface {
	ValidateAccessToken(token string) (*jwt.Claims, error)
}

// Auth создает middleware для проверки JWT access token.
// Любая ошибка дает 401: клиент по нему завершает сессию.
func Auth(logger *slog.Logger, validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := handlers.BearerToken(r)
			if !ok {
				logger.WarnContext(r.Context(), "missing or malformed Authorization header", "path", r.URL.Path)
				w.Header().Set("WWW-Authenticate", `Bearer realm="sessionguard"`)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := validator.ValidateAccessToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "invalid access token", "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="sessionguard", error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			logger.DebugContext(r.Context(), "user authenticated", "user_id", claims.UserID)

			ctx := handlers.WithUser(r.Context(), claims.UserID, claims.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
