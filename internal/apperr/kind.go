// Package apperr классифицирует ошибки клиентского слоя по видам
// и решает, какие из них стоит повторять.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"syscall"
)

// Kind is the error taxonomy shared by the session, retry and queue components.
type Kind int

const (
	KindNone        Kind = iota // нет ошибки
	KindValidation              // локальная проверка не прошла, не повторяем
	KindNetwork                 // ответ от сервера не получен
	KindTimeout                 // таймаут запроса
	KindServer                  // 5xx
	KindRateLimit               // 429
	KindClient                  // прочие 4xx
	KindAuthExpired             // 401, сессия должна быть закрыта
	KindStorage                 // ошибка локального хранилища
	KindCorruptData             // повреждённые сохранённые данные
	KindUnknown                 // не удалось классифицировать
)

var kindNames = map[Kind]string{
	KindNone:        "none",
	KindValidation:  "validation",
	KindNetwork:     "network",
	KindTimeout:     "timeout",
	KindServer:      "server",
	KindRateLimit:   "rate_limit",
	KindClient:      "client",
	KindAuthExpired: "auth_expired",
	KindStorage:     "storage",
	KindCorruptData: "corrupt_data",
	KindUnknown:     "unknown",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel errors for component-internal failures.
var (
	// ErrStorage wraps persistence failures (always logged, never surfaced to the user)
	ErrStorage = errors.New("storage error")

	// ErrCorruptData indicates malformed persisted state
	ErrCorruptData = errors.New("corrupt persisted data")

	// ErrUnauthenticated indicates that there is no usable session for the request
	ErrUnauthenticated = errors.New("not authenticated")
)

// StatusError is implemented by transport errors that carry an HTTP status code.
type StatusError interface {
	error
	StatusCode() int
}

// ValidationError is a local precondition failure, optionally with per-field messages.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Message == "" {
			return "validation failed"
		}
		return e.Message
	}

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Classify maps an error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return KindValidation
	}

	switch {
	case errors.Is(err, ErrCorruptData):
		return KindCorruptData
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrUnauthenticated):
		return KindAuthExpired
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	// Статус проверяем раньше сетевых ошибок: ответ от сервера получен
	var sErr StatusError
	if errors.As(err, &sErr) {
		return classifyStatus(sErr.StatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetwork
	}

	return KindUnknown
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuthExpired
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// ShouldRetry reports whether a failed submission is worth another attempt.
// Unclassified errors are retried.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	switch Classify(err) {
	case KindNetwork, KindTimeout, KindServer, KindRateLimit, KindUnknown:
		return true
	default:
		return false
	}
}
