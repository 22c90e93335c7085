package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/sessionguard/internal/apperr"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		errMsg   string
	}{
		{name: "lowercase", username: "alice"},
		{name: "mixed case with digits", username: "Alice2"},
		{name: "dot and dash", username: "alice.smith-2"},
		{name: "underscore", username: "alice_smith"},
		{name: "max length", username: "a" + strings.Repeat("1", MaxUsernameLen-1)},
		{name: "empty", username: "", errMsg: "username is required"},
		{name: "too short", username: "ab", errMsg: "3-32 characters"},
		{name: "too long", username: "a" + strings.Repeat("1", MaxUsernameLen), errMsg: "3-32 characters"},
		{name: "starts with digit", username: "1alice", errMsg: "start with a letter"},
		{name: "starts with dot", username: ".alice", errMsg: "start with a letter"},
		{name: "at sign", username: "user@name", errMsg: "start with a letter"},
		{name: "space", username: "alice smith", errMsg: "start with a letter"},
		{name: "cyrillic", username: "алиса", errMsg: "start with a letter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		errMsg   string
	}{
		{name: "min length", password: "correct-hors"},
		{name: "passphrase", password: "correct horse battery staple"},
		{name: "multibyte counted as characters", password: strings.Repeat("пароль", 2)},
		{name: "max length", password: strings.Repeat("x", MaxPasswordLen)},
		{name: "empty", password: "", errMsg: "password is required"},
		{name: "too short", password: "short", errMsg: "at least 12"},
		{name: "multibyte too short", password: "пароль", errMsg: "at least 12"},
		{name: "too long", password: strings.Repeat("x", MaxPasswordLen+1), errMsg: "must not exceed"},
		{name: "blank", password: strings.Repeat(" ", MinPasswordLen), errMsg: "blank"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateCredentials(t *testing.T) {
	require.NoError(t, ValidateCredentials("alice", "correct-horse-battery"))

	err := ValidateCredentials("1a", "short")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.Classify(err))

	var vErr *apperr.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields, "username")
	assert.Contains(t, vErr.Fields, "password")

	err = ValidateCredentials("alice", "short")
	require.ErrorAs(t, err, &vErr)
	assert.NotContains(t, vErr.Fields, "username")
}
