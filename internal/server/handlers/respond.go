package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/sessionguard/internal/apperr"
	"github.com/iudanet/sessionguard/pkg/api"
)

// maxBodySize ограничивает тело запроса
const maxBodySize = 1 << 20

// sendJSON отправляет JSON ответ
func sendJSON(logger *slog.Logger, w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

// sendError отправляет JSON ответ с ошибкой
func sendError(logger *slog.Logger, w http.ResponseWriter, message string, statusCode int) {
	sendJSON(logger, w, api.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	}, statusCode)
}

// sendValidationError отвечает 422 с ошибками по полям, если они есть
func sendValidationError(logger *slog.Logger, w http.ResponseWriter, err error) {
	var vErr *apperr.ValidationError
	if !errors.As(err, &vErr) {
		sendError(logger, w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	sendJSON(logger, w, api.ErrorResponse{
		Error:   http.StatusText(http.StatusUnprocessableEntity),
		Message: vErr.Message,
		Fields:  vErr.Fields,
	}, http.StatusUnprocessableEntity)
}

// decodeJSON читает тело запроса с ограничением размера
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// bearerToken извлекает токен из заголовка "Authorization: Bearer <token>"
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// BearerToken is exported for the auth middleware
func BearerToken(r *http.Request) (string, bool) {
	return bearerToken(r)
}
