package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/iudanet/sessionguard/internal/apperr"
)

// UsernamePattern - логин начинается с буквы, дальше буквы, цифры, '_', '.' и '-'
var UsernamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)

const (
	MinUsernameLen = 3
	MaxUsernameLen = 32

	MinPasswordLen = 12
	// MaxPasswordLen ограничивает работу argon2 на одном запросе
	MaxPasswordLen = 128
)

// ValidateUsername checks the account name used at register and login
func ValidateUsername(username string) error {
	switch n := len(username); {
	case n == 0:
		return fmt.Errorf("username is required")
	case n < MinUsernameLen || n > MaxUsernameLen:
		return fmt.Errorf("username must be %d-%d characters long", MinUsernameLen, MaxUsernameLen)
	}

	if !UsernamePattern.MatchString(username) {
		return fmt.Errorf("username must start with a letter and contain only letters, digits, '_', '.' or '-'")
	}

	return nil
}

// ValidatePassword checks length in characters, not bytes
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	switch {
	case n == 0:
		return fmt.Errorf("password is required")
	case n < MinPasswordLen:
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLen)
	case n > MaxPasswordLen:
		return fmt.Errorf("password must not exceed %d characters", MaxPasswordLen)
	case strings.TrimSpace(password) == "":
		return fmt.Errorf("password must not be blank")
	}

	return nil
}

// ValidateCredentials проверяет оба поля сразу и возвращает ошибки по каждому
func ValidateCredentials(username, password string) error {
	problems := make(map[string]string)
	if err := ValidateUsername(username); err != nil {
		problems["username"] = err.Error()
	}
	if err := ValidatePassword(password); err != nil {
		problems["password"] = err.Error()
	}

	if len(problems) == 0 {
		return nil
	}
	return &apperr.ValidationError{Message: "invalid credentials", Fields: problems}
}
