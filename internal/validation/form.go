package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/iudanet/sessionguard/internal/apperr"
)

// FieldNamePattern - имена форм и полей: строчные латинские буквы, цифры, '_' и '-'
var FieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

const (
	// MaxFields ограничивает число полей в одной форме
	MaxFields = 64
	// MaxValueLen ограничивает длину значения поля
	MaxValueLen = 4096
)

// ValidateFormName проверяет имя формы из URL
func ValidateFormName(form string) error {
	if !FieldNamePattern.MatchString(form) {
		return fmt.Errorf("invalid form name %q", form)
	}
	return nil
}

// ValidateFields проверяет поля формы и возвращает ошибки по каждому полю.
// Поля с "email" в имени должны содержать адрес.
func ValidateFields(fields map[string]string) error {
	if len(fields) == 0 {
		return &apperr.ValidationError{Message: "form has no fields"}
	}
	if len(fields) > MaxFields {
		return &apperr.ValidationError{Message: fmt.Sprintf("form has more than %d fields", MaxFields)}
	}

	problems := make(map[string]string)
	for name, value := range fields {
		switch {
		case !FieldNamePattern.MatchString(name):
			problems[name] = "invalid field name"
		case strings.TrimSpace(value) == "":
			problems[name] = "required"
		case len(value) > MaxValueLen:
			problems[name] = fmt.Sprintf("must not exceed %d characters", MaxValueLen)
		case strings.Contains(name, "email"):
			if _, err := mail.ParseAddress(value); err != nil {
				problems[name] = "invalid email address"
			}
		}
	}

	if len(problems) > 0 {
		return &apperr.ValidationError{Fields: problems}
	}
	return nil
}
