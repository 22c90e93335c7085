// Package refresh обновляет access token заранее, до его истечения,
// и гарантирует не больше одного запроса обновления одновременно.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iudanet/sessionguard/internal/client/metrics"
	"github.com/iudanet/sessionguard/internal/client/session"
	"github.com/iudanet/sessionguard/pkg/api"
)

//go:generate moq -out refresher_mock.go . Refresher

// Refresher exchanges a refresh token for a new token pair
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*api.TokenResponse, error)
}

var (
	// ErrNoSession indicates that there is no session to refresh
	ErrNoSession = errors.New("no active session")

	// ErrRefreshFailed wraps the cause of a failed refresh; the session has been logged out
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrClosed is returned after Cleanup
	ErrClosed = errors.New("refresh scheduler is closed")
)

// DefaultSafetyMargin - за сколько до истечения обновлять токен
const DefaultSafetyMargin = 5 * time.Minute

// State of the scheduler
type State int

const (
	StateIdle       State = iota // нет сессии, таймер не взведен
	StateScheduled               // таймер взведен на ExpiresAt - margin
	StateRefreshing              // идет запрос обновления
	StateLoggedOut               // сессия закрыта (logout или ошибка обновления)
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Scheduler keeps the session's access token fresh
type Scheduler struct {
	store          *session.Store
	refresher      Refresher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	timer          *time.Timer
	removeListener func()
	group          singleflight.Group
	margin         time.Duration
	timeout        time.Duration
	state          State
	armedGen       uint64
	mu             sync.Mutex
	closed         bool
}

// Option настраивает Scheduler
type Option func(*Scheduler)

// WithSafetyMargin sets how long before expiry the token is refreshed
func WithSafetyMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		s.margin = d
	}
}

// WithMetrics records refresh results
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithRequestTimeout bounds a single refresh round trip
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// New creates a scheduler. Call Start to follow session changes.
func New(store *session.Store, r Refresher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		store:     store,
		refresher: r,
		logger:    logger,
		now:       time.Now,
		margin:    DefaultSafetyMargin,
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start subscribes to the session store and arms the timer for the current session, if any
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.closed || s.removeListener != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	remove := s.store.OnChange(s.onSessionChange)

	s.mu.Lock()
	s.removeListener = remove
	s.mu.Unlock()

	cred, gen, ok := s.store.Credential()
	if ok {
		s.arm(gen, s.refreshAt(cred))
	}
}

// State returns the current scheduler state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnsureFreshToken returns an access token valid for at least the safety margin.
// Concurrent callers share one refresh. Cancelling ctx abandons the wait, not the refresh.
func (s *Scheduler) EnsureFreshToken(ctx context.Context) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}

	cred, gen, ok := s.store.Credential()
	if !ok {
		return "", ErrNoSession
	}

	// Без IsExpired: проверка не должна закрывать сессию, ее мы обновим
	if s.fresh(cred) {
		return cred.AccessToken, nil
	}

	return s.refresh(ctx, gen)
}

// Cleanup stops the timer and detaches from the store. A refresh still in
// flight completes but its result is ignored.
func (s *Scheduler) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	remove := s.removeListener
	s.removeListener = nil
	gen := s.armedGen
	s.mu.Unlock()

	if remove != nil {
		remove()
	}
	s.group.Forget(key(gen))
}

// refresh выполняет обновление или присоединяется к уже идущему для поколения gen
func (s *Scheduler) refresh(ctx context.Context, gen uint64) (string, error) {
	leader := false
	ch := s.group.DoChan(key(gen), func() (any, error) {
		leader = true
		return s.doRefresh(gen)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if !leader {
			s.metrics.RefreshJoined()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Scheduler) doRefresh(gen uint64) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	// Credential читаем заново: предыдущий refresh мог завершиться, пока вызывающий ждал,
	// и его refresh token уже израсходован
	cred, current, ok := s.store.Credential()
	if !ok || current != gen {
		s.mu.Unlock()
		return "", ErrNoSession
	}
	if s.fresh(cred) {
		s.mu.Unlock()
		return cred.AccessToken, nil
	}
	s.state = StateRefreshing
	s.mu.Unlock()
	defer s.settle()

	s.logger.Debug("refreshing access token")

	// Собственный контекст: отмена одного из ожидающих не прерывает общий запрос
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp, err := s.refresher.Refresh(ctx, cred.RefreshToken)

	if s.isClosed() {
		return "", ErrClosed
	}

	if err != nil {
		s.metrics.RefreshDone(false)
		s.logger.Warn("token refresh failed, logging out", "error", err)
		if s.store.Generation() == gen {
			s.store.Logout()
			s.setState(StateLoggedOut)
		}
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	applied, err := s.store.UpdateCredentialIf(gen, session.CredentialUpdate{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	})
	if err != nil {
		// Невалидный токен от сервера: store уже закрыл сессию
		s.metrics.RefreshDone(false)
		s.setState(StateLoggedOut)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if !applied {
		s.logger.Info("session changed during refresh, discarding result")
		return "", ErrNoSession
	}

	s.metrics.RefreshDone(true)
	s.logger.Info("access token refreshed")
	return resp.AccessToken, nil
}

// settle возвращает Idle, если за время запроса никто не сменил состояние
func (s *Scheduler) settle() {
	s.mu.Lock()
	if s.state == StateRefreshing {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *Scheduler) onSessionChange(st session.State) {
	if st.Credential == nil {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.stopTimerLocked()
		gen := s.armedGen
		s.state = StateLoggedOut
		s.mu.Unlock()

		// Висящий тикет больше не нужен новым вызовам
		s.group.Forget(key(gen))
		return
	}

	s.arm(s.store.Generation(), s.refreshAt(*st.Credential))
}

// fresh - токен действует дольше safety margin
func (s *Scheduler) fresh(cred session.Credential) bool {
	return s.now().Before(cred.ExpiresAt.Add(-s.margin))
}

// refreshAt - момент срабатывания таймера: ExpiresAt - margin.
// Если токен живет меньше margin, таймер ставится на середину его жизни, иначе он срабатывал бы непрерывно.
func (s *Scheduler) refreshAt(cred session.Credential) time.Time {
	at := cred.ExpiresAt.Add(-s.margin)
	if !cred.IssuedAt.IsZero() && !at.After(cred.IssuedAt) {
		at = cred.IssuedAt.Add(cred.ExpiresAt.Sub(cred.IssuedAt) / 2)
	}
	return at
}

// arm взводит одноразовый таймер на момент at
func (s *Scheduler) arm(gen uint64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.stopTimerLocked()
	s.armedGen = gen

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
	s.state = StateScheduled

	s.logger.Debug("token refresh scheduled", "in", delay.String())
}

func (s *Scheduler) fire(gen uint64) {
	if s.isClosed() {
		return
	}

	cred, current, ok := s.store.Credential()
	if !ok || current != gen {
		return
	}
	if s.fresh(cred) {
		// Таймер сработал раньше срока (сдвиг часов): взводим заново
		s.arm(gen, s.refreshAt(cred))
		return
	}

	if _, err := s.refresh(context.Background(), gen); err != nil {
		s.logger.Debug("scheduled refresh finished with error", "error", err)
	}
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func key(gen uint64) string {
	return strconv.FormatUint(gen, 10)
}
