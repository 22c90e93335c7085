// Package session хранит текущие учетные данные клиента и переживает перезапуск процесса.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/sessionguard/internal/apperr"
	"github.com/iudanet/sessionguard/internal/client/storage"
)

// ErrNoSession indicates that there is no credential to update
var ErrNoSession = errors.New("no active session")

// State - наблюдаемое состояние сессии.
// IsAuthenticated истинно, только если Credential есть и не истек на момент последней проверки.
type State struct {
	Credential      *Credential
	LastLoginAt     *time.Time
	LastError       apperr.Kind
	IsAuthenticated bool
	IsLoading       bool
}

// persistedState - формат blob'а в KV
type persistedState struct {
	Credential  *Credential `json:"credential"`
	LastLoginAt *time.Time  `json:"last_login_at,omitempty"`
}

// Store владеет Credential. In-memory состояние - источник истины для текущего процесса,
// запись в KV идет в фоне и ее ошибки только логируются.
type Store struct {
	kv             storage.KV
	logger         *slog.Logger
	now            func() time.Time
	listeners      map[int]func(State)
	state          State
	persistTimeout time.Duration
	generation     uint64
	nextListener   int
	mu             sync.Mutex
	persistMu      sync.Mutex
	pending        sync.WaitGroup
}

// Option настраивает Store
type Option func(*Store)

// WithClock подменяет источник времени (для тестов)
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithPersistTimeout ограничивает фоновую запись в KV
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.persistTimeout = d
	}
}

// New creates a session store backed by kv
func New(kv storage.KV, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		kv:             kv,
		logger:         logger,
		now:            time.Now,
		persistTimeout: 5 * time.Second,
		listeners:      make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// State returns a snapshot of the current state
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Credential возвращает копию credential и поколение сессии без побочных эффектов
func (s *Store) Credential() (Credential, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Credential == nil {
		return Credential{}, s.generation, false
	}
	return *s.state.Credential, s.generation, true
}

// Generation меняется при каждом login, logout и hydrate, но не при обновлении токенов
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// OnChange registers fn to be called after every state change.
// fn is invoked outside the store lock and may call back into the store.
func (s *Store) OnChange(fn func(State)) (remove func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Login installs cred as the current session and marks it authenticated.
// Expiry and identity are re-derived from the access token; an undecodable token is rejected.
// An already expired token is caught by the next IsExpired check.
func (s *Store) Login(cred Credential) error {
	info, err := DecodeToken(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	cred.apply(info)

	s.mu.Lock()
	now := s.now()
	s.state = State{
		Credential:      &cred,
		IsAuthenticated: true,
		LastLoginAt:     &now,
		LastError:       apperr.KindNone,
	}
	s.generation++
	snapshot, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.logger.Info("session started",
		"user_id", cred.Identity.UserID,
		"expires_at", cred.ExpiresAt.Format(time.RFC3339))

	s.persistAsync()
	notify(listeners, snapshot)
	return nil
}

// Logout clears the session synchronously. Calling it on an empty session is a no-op.
func (s *Store) Logout() {
	s.logout(apperr.KindNone)
}

func (s *Store) logout(reason apperr.Kind) {
	s.mu.Lock()
	if s.state.Credential == nil && !s.state.IsAuthenticated {
		s.mu.Unlock()
		return
	}

	s.state = State{LastError: reason}
	s.generation++
	snapshot, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.logger.Info("session ended", "reason", reason.String())

	s.persistAsync()
	notify(listeners, snapshot)
}

// UpdateCredential merges refreshed tokens into the current credential.
// Identity and LastLoginAt are kept. A token that cannot be decoded ends the session.
func (s *Store) UpdateCredential(u CredentialUpdate) error {
	_, err := s.update(nil, u)
	return err
}

// UpdateCredentialIf применяет обновление, только если сессия не сменилась с поколения gen.
// Так завершившийся после logout refresh не воскрешает сессию.
func (s *Store) UpdateCredentialIf(gen uint64, u CredentialUpdate) (bool, error) {
	return s.update(&gen, u)
}

func (s *Store) update(gen *uint64, u CredentialUpdate) (bool, error) {
	s.mu.Lock()
	if gen != nil && *gen != s.generation {
		s.mu.Unlock()
		return false, nil
	}
	if s.state.Credential == nil {
		s.mu.Unlock()
		return false, ErrNoSession
	}

	cred := *s.state.Credential
	if u.AccessToken != "" {
		cred.AccessToken = u.AccessToken
	}
	if u.RefreshToken != "" {
		cred.RefreshToken = u.RefreshToken
	}

	info, err := DecodeToken(cred.AccessToken)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("refreshed token is invalid, ending session", "error", err)
		s.logout(apperr.KindAuthExpired)
		return false, err
	}
	cred.IssuedAt = info.IssuedAt
	cred.ExpiresAt = info.ExpiresAt

	s.state.Credential = &cred
	s.state.IsAuthenticated = s.now().Before(cred.ExpiresAt)
	s.state.LastError = apperr.KindNone
	snapshot, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.logger.Debug("credential updated", "expires_at", cred.ExpiresAt.Format(time.RFC3339))

	s.persistAsync()
	notify(listeners, snapshot)
	return true, nil
}

// IsExpired reports whether the access token is absent, malformed or past expiry.
// Reading expiry mutates state: an expired session is logged out.
func (s *Store) IsExpired() bool {
	s.mu.Lock()
	cred := s.state.Credential
	if cred == nil {
		s.mu.Unlock()
		s.logout(apperr.KindNone)
		return true
	}

	info, err := DecodeToken(cred.AccessToken)
	if err != nil || !s.now().Before(info.ExpiresAt) {
		s.mu.Unlock()
		s.logger.Info("access token expired", "error", err)
		s.logout(apperr.KindAuthExpired)
		return true
	}

	s.state.IsAuthenticated = true
	s.mu.Unlock()
	return false
}

// Hydrate loads the persisted session. Missing, unreadable or corrupt data leaves
// the store logged out; only context cancellation is returned as an error.
func (s *Store) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	s.state.IsLoading = true
	startGen := s.generation
	s.mu.Unlock()

	cred, lastLogin, kind := s.load(ctx)

	s.mu.Lock()
	s.state.IsLoading = false
	if s.generation != startGen {
		// Пока читали, состоялся login/logout: он новее сохраненных данных
		snapshot, listeners := s.snapshotLocked(), s.listenersLocked()
		s.mu.Unlock()
		notify(listeners, snapshot)
		return ctx.Err()
	}

	s.state = State{
		Credential:  cred,
		LastLoginAt: lastLogin,
		LastError:   kind,
	}
	if cred != nil {
		s.state.IsAuthenticated = s.now().Before(cred.ExpiresAt)
	}
	s.generation++
	snapshot, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	if kind == apperr.KindCorruptData {
		// Испорченный blob больше не нужен
		if err := s.kv.Remove(ctx, storage.KeySession); err != nil {
			s.logger.Warn("failed to remove corrupt session", "error", err)
		}
	}

	notify(listeners, snapshot)
	return ctx.Err()
}

func (s *Store) load(ctx context.Context) (*Credential, *time.Time, apperr.Kind) {
	data, err := s.kv.Get(ctx, storage.KeySession)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperr.KindNone
		}
		if errors.Is(err, apperr.ErrCorruptData) {
			s.logger.Warn("persisted session is unreadable, starting logged out", "error", err)
			return nil, nil, apperr.KindCorruptData
		}
		s.logger.Warn("failed to read persisted session", "error", err)
		return nil, nil, apperr.KindStorage
	}

	var persisted persistedState
	if err := json.Unmarshal(data, &persisted); err != nil {
		s.logger.Warn("persisted session is corrupt, starting logged out", "error", err)
		return nil, nil, apperr.KindCorruptData
	}

	if persisted.Credential == nil {
		return nil, nil, apperr.KindNone
	}

	cred := *persisted.Credential
	info, err := DecodeToken(cred.AccessToken)
	if err != nil {
		s.logger.Warn("persisted access token is invalid, starting logged out", "error", err)
		return nil, nil, apperr.KindCorruptData
	}
	cred.apply(info)

	return &cred, persisted.LastLoginAt, apperr.KindNone
}

// Persist writes the current state to the KV store and waits for the write.
func (s *Store) Persist(ctx context.Context) error {
	// Пишем под отдельным мьютексом и берем снимок уже внутри:
	// последняя запись всегда отражает последнее состояние
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	persisted := persistedState{LastLoginAt: s.state.LastLoginAt}
	if s.state.Credential != nil {
		cred := *s.state.Credential
		persisted.Credential = &cred
	}
	s.mu.Unlock()

	if persisted.Credential == nil {
		if err := s.kv.Remove(ctx, storage.KeySession); err != nil {
			return fmt.Errorf("failed to clear session: %w: %w", apperr.ErrStorage, err)
		}
		return nil
	}

	data, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.kv.Set(ctx, storage.KeySession, data); err != nil {
		return fmt.Errorf("failed to save session: %w: %w", apperr.ErrStorage, err)
	}

	return nil
}

// Wait blocks until background writes started so far have finished
func (s *Store) Wait() {
	s.pending.Wait()
}

func (s *Store) persistAsync() {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()

		if err := s.Persist(ctx); err != nil {
			s.logger.Warn("failed to persist session", "error", err)
		}
	}()
}

func (s *Store) snapshotLocked() State {
	st := s.state
	if st.Credential != nil {
		cred := *st.Credential
		st.Credential = &cred
	}
	if st.LastLoginAt != nil {
		t := *st.LastLoginAt
		st.LastLoginAt = &t
	}
	return st
}

func (s *Store) listenersLocked() []func(State) {
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(listeners []func(State), st State) {
	for _, fn := range listeners {
		fn(st)
	}
}
