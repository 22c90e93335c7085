package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/sessionguard/internal/crypto"
	"github.com/iudanet/sessionguard/internal/models"
	"github.com/iudanet/sessionguard/internal/server/jwt"
	"github.com/iudanet/sessionguard/internal/server/storage"
	"github.com/iudanet/sessionguard/pkg/api"
)

const testPassword = "correct-horse-battery"

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockUserStorage is a mock implementation of UserStorage for testing
type mockUserStorage struct {
	users        map[string]*models.User // username -> User
	createError  error
	getUserError error
	lastLogin    map[string]time.Time
	mu           sync.Mutex
}

func newMockUserStorage(users ...*models.User) *mockUserStorage {
	m := &mockUserStorage{
		users:     make(map[string]*models.User),
		lastLogin: make(map[string]time.Time),
	}
	for _, u := range users {
		m.users[u.Username] = u
	}
	return m
}

func (m *mockUserStorage) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createError != nil {
		return m.createError
	}
	if _, exists := m.users[user.Username]; exists {
		return storage.ErrUserAlreadyExists
	}
	m.users[user.Username] = user
	return nil
}

func (m *mockUserStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getUserError != nil {
		return nil, m.getUserError
	}
	user, ok := m.users[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return user, nil
}

func (m *mockUserStorage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getUserError != nil {
		return nil, m.getUserError
	}
	for _, user := range m.users {
		if user.ID == id {
			return user, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (m *mockUserStorage) UpdateLastLogin(ctx context.Context, userID string, loginTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLogin[userID] = loginTime
	return nil
}

// mockTokenStorage is a mock implementation of TokenStorage for testing
type mockTokenStorage struct {
	tokens      map[string]*models.RefreshToken // token -> RefreshToken
	saveError   error
	deleteError error
	mu          sync.Mutex
}

func newMockTokenStorage() *mockTokenStorage {
	return &mockTokenStorage{tokens: make(map[string]*models.RefreshToken)}
}

func (m *mockTokenStorage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.tokens[token.Token] = token
	return nil
}

func (m *mockTokenStorage) ConsumeRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.tokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	delete(m.tokens, token)
	return rt, nil
}

func (m *mockTokenStorage) DeleteUserTokens(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteError != nil {
		return 0, m.deleteError
	}
	count := 0
	for token, rt := range m.tokens {
		if rt.UserID == userID {
			delete(m.tokens, token)
			count++
		}
	}
	return count, nil
}

func (m *mockTokenStorage) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (m *mockTokenStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

type authFixture struct {
	handler *AuthHandler
	users   *mockUserStorage
	tokens  *mockTokenStorage
	jwt     *jwt.Service
}

func newAuthFixture(t *testing.T, users ...*models.User) *authFixture {
	t.Helper()

	f := &authFixture{
		users:  newMockUserStorage(users...),
		tokens: newMockTokenStorage(),
		jwt:    jwt.NewService("test-secret", 15*time.Minute, 24*time.Hour),
	}
	f.handler = NewAuthHandler(setupTestLogger(), f.users, f.tokens, f.jwt)
	return f
}

func existingUser(t *testing.T) *models.User {
	t.Helper()

	hash, err := crypto.HashPassword(testPassword)
	require.NoError(t, err)
	return &models.User{
		ID:           "user-1",
		Username:     "alice",
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func TestAuthHandler_Register_Success(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
		jsonBody(t, api.RegisterRequest{Username: "testuser", Password: testPassword}))
	w := httptest.NewRecorder()
	f.handler.Register(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var response api.RegisterResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.NotEmpty(t, response.UserID)

	user, err := f.users.GetUserByUsername(context.Background(), "testuser")
	require.NoError(t, err)
	assert.Equal(t, response.UserID, user.ID)
	assert.NotEqual(t, testPassword, user.PasswordHash, "password must be stored hashed")

	ok, err := crypto.VerifyPassword(testPassword, user.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthHandler_Register_InvalidJSON(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader([]byte("invalid json")))
	w := httptest.NewRecorder()
	f.handler.Register(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandler_Register_InvalidInput(t *testing.T) {
	f := newAuthFixture(t)

	tests := []struct {
		name     string
		username string
		password string
		fields   []string
	}{
		{"empty username", "", testPassword, []string{"username"}},
		{"too short", "ab", testPassword, []string{"username"}},
		{"invalid chars", "user@name", testPassword, []string{"username"}},
		{"empty password", "testuser", "", []string{"password"}},
		{"short password", "testuser", "short", []string{"password"}},
		{"both invalid", "1x", "short", []string{"username", "password"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
				jsonBody(t, api.RegisterRequest{Username: tt.username, Password: tt.password}))
			w := httptest.NewRecorder()
			f.handler.Register(w, req)

			require.Equal(t, http.StatusUnprocessableEntity, w.Code)

			var resp api.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Len(t, resp.Fields, len(tt.fields))
			for _, field := range tt.fields {
				assert.Contains(t, resp.Fields, field)
			}
		})
	}

	_, err := f.users.GetUserByUsername(context.Background(), "testuser")
	assert.Error(t, err, "invalid input must not create a user")
}

func TestAuthHandler_Register_DuplicateUsername(t *testing.T) {
	f := newAuthFixture(t, existingUser(t))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
		jsonBody(t, api.RegisterRequest{Username: "alice", Password: testPassword}))
	w := httptest.NewRecorder()
	f.handler.Register(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAuthHandler_Register_StorageError(t *testing.T) {
	f := newAuthFixture(t)
	f.users.createError = errors.New("disk full")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
		jsonBody(t, api.RegisterRequest{Username: "testuser", Password: testPassword}))
	w := httptest.NewRecorder()
	f.handler.Register(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAuthHandler_Login_Success(t *testing.T) {
	f := newAuthFixture(t, existingUser(t))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		jsonBody(t, api.LoginRequest{Username: "alice", Password: testPassword}))
	w := httptest.NewRecorder()
	f.handler.Login(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response api.TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.NotEmpty(t, response.RefreshToken)
	assert.Equal(t, int64(15*60), response.ExpiresIn)

	claims, err := f.jwt.ValidateAccessToken(response.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	assert.Equal(t, 1, f.tokens.count())
	assert.Contains(t, f.users.lastLogin, "user-1")
}

func TestAuthHandler_Login_InvalidCredentials(t *testing.T) {
	f := newAuthFixture(t, existingUser(t))

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "wrong-password-123"},
		{"unknown user", "bob", testPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
				jsonBody(t, api.LoginRequest{Username: tt.username, Password: tt.password}))
			w := httptest.NewRecorder()
			f.handler.Login(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var response api.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, "invalid credentials", response.Message)
		})
	}
	assert.Zero(t, f.tokens.count())
}

func TestAuthHandler_Login_TokenSaveError(t *testing.T) {
	f := newAuthFixture(t, existingUser(t))
	f.tokens.saveError = errors.New("db locked")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		jsonBody(t, api.LoginRequest{Username: "alice", Password: testPassword}))
	w := httptest.NewRecorder()
	f.handler.Login(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func login(t *testing.T, f *authFixture) api.TokenResponse {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		jsonBody(t, api.LoginRequest{Username: "alice", Password: testPassword}))
	w := httptest.NewRecorder()
	f.handler.Login(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var tokens api.TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tokens))
	return tokens
}

func refresh(f *authFixture, refreshToken string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	if refreshToken != "" {
		req.Header.Set("Authorization", "Bearer "+refreshToken)
	}
	w := httptest.NewRecorder()
	f.handler.Refresh(w, req)
	return w
}

func TestAuthHandler_Refresh_Rotates(t *testing.T) {
	f := newAuthFixture(t, existingUser(t))
	tokens := login(t, f)

	w := refresh(f, tokens.RefreshToken)
	require.Equal(t, http.StatusOK, w.Code)

	var rotated api.TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rotated))
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)
	_, err := f.jwt.ValidateAccessToken(rotated.AccessToken)
	require.NoError(t, err)

	// Старый refresh token одноразовый
	w = refresh(f, tokens.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = refresh(f, rotated.RefreshToken)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthHandler_Refresh_Rejected(t *testing.T) {
	f := newAuthFixture(t, existingUser(t))

	assert.Equal(t, http.StatusUnauthorized, refresh(f, "").Code)
	assert.Equal(t, http.StatusUnauthorized, refresh(f, "unknown-token").Code)

	require.NoError(t, f.tokens.SaveRefreshToken(context.Background(), &models.RefreshToken{
		Token:     "expired",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	assert.Equal(t, http.StatusUnauthorized, refresh(f, "expired").Code)

	require.NoError(t, f.tokens.SaveRefreshToken(context.Background(), &models.RefreshToken{
		Token:     "orphan",
		UserID:    "deleted-user",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	assert.Equal(t, http.StatusUnauthorized, refresh(f, "orphan").Code)
}

func TestAuthHandler_Refresh_WrongScheme(t *testing.T) {
	f := newAuthFixture(t, existingUser(t))
	tokens := login(t, f)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.Header.Set("Authorization", "Basic "+tokens.RefreshToken)
	w := httptest.NewRecorder()
	f.handler.Refresh(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 1, f.tokens.count(), "token must not be consumed")
}

func TestAuthHandler_Logout(t *testing.T) {
	f := newAuthFixture(t, existingUser(t))
	login(t, f)
	login(t, f)
	require.Equal(t, 2, f.tokens.count())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req = req.WithContext(WithUser(req.Context(), "user-1", "alice"))
	w := httptest.NewRecorder()
	f.handler.Logout(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, f.tokens.count())
}

func TestAuthHandler_Logout_Errors(t *testing.T) {
	f := newAuthFixture(t, existingUser(t))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	w := httptest.NewRecorder()
	f.handler.Logout(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	f.tokens.deleteError = errors.New("db locked")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req = req.WithContext(WithUser(req.Context(), "user-1", "alice"))
	w = httptest.NewRecorder()
	f.handler.Logout(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc", ok: true},
		{name: "lowercase scheme", header: "bearer abc", want: "abc", ok: true},
		{name: "missing", header: "", ok: false},
		{name: "no token", header: "Bearer ", ok: false},
		{name: "basic", header: "Basic abc", ok: false},
		{name: "no space", header: "Bearerabc", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, ok := BearerToken(req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
