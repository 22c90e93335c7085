// Package app собирает клиентские компоненты в одном месте и раздает их
// командам CLI. Глобальных синглтонов нет: каждый App владеет своими сервисами.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iudanet/sessionguard/internal/apperr"
	"github.com/iudanet/sessionguard/internal/client/api"
	"github.com/iudanet/sessionguard/internal/client/connectivity"
	"github.com/iudanet/sessionguard/internal/client/connectivity/httpprobe"
	"github.com/iudanet/sessionguard/internal/client/metrics"
	"github.com/iudanet/sessionguard/internal/client/queue"
	"github.com/iudanet/sessionguard/internal/client/refresh"
	"github.com/iudanet/sessionguard/internal/client/retry"
	"github.com/iudanet/sessionguard/internal/client/session"
	"github.com/iudanet/sessionguard/internal/client/storage"
	"github.com/iudanet/sessionguard/internal/client/storage/boltdb"
	"github.com/iudanet/sessionguard/internal/client/storage/memory"
	"github.com/iudanet/sessionguard/internal/client/storage/sealed"
	"github.com/iudanet/sessionguard/internal/config"
	pkgapi "github.com/iudanet/sessionguard/pkg/api"
)

// API is the server surface the client needs
type API interface {
	refresh.Refresher
	Register(ctx context.Context, req pkgapi.RegisterRequest) (*pkgapi.RegisterResponse, error)
	Login(ctx context.Context, req pkgapi.LoginRequest) (*pkgapi.TokenResponse, error)
	Logout(ctx context.Context, accessToken string) error
	SubmitForm(ctx context.Context, accessToken, form string, req pkgapi.SubmitRequest) (*pkgapi.SubmitResponse, error)
}

// App owns every client service
type App struct {
	Config    *config.Client
	Logger    *slog.Logger
	API       API
	Store     *session.Store
	Monitor   *connectivity.Monitor
	Scheduler *refresh.Scheduler
	Engine    *retry.Engine
	Queue     *queue.Queue
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry

	closer io.Closer
	detach func()
}

// Option настраивает App
type Option func(*options)

type options struct {
	api    API
	source connectivity.Source
	kv     storage.KV
}

// WithAPI replaces the HTTP client
func WithAPI(a API) Option {
	return func(o *options) {
		o.api = a
	}
}

// WithSource replaces the connectivity source
func WithSource(src connectivity.Source) Option {
	return func(o *options) {
		o.source = src
	}
}

// WithKV replaces the persistent store
func WithKV(kv storage.KV) Option {
	return func(o *options) {
		o.kv = kv
	}
}

// New builds the services, restores the persisted session and queue.
// Background work starts only with Start.
func New(ctx context.Context, cfg *config.Client, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg, Logger: logger}
	a.Registry, a.Metrics = metrics.NewRegistry()

	kv, err := a.openKV(ctx, o.kv)
	if err != nil {
		return nil, err
	}

	if o.api == nil {
		o.api = api.NewClient(cfg.ServerURL)
	}
	a.API = o.api

	if o.source == nil {
		o.source = httpprobe.New(cfg.HealthURL(), cfg.ProbeInterval, logger.With("component", "probe"))
	}

	a.Store = session.New(kv, logger.With("component", "session"))
	a.Monitor = connectivity.New(o.source, logger.With("component", "connectivity"),
		connectivity.WithMetrics(a.Metrics))
	a.Scheduler = refresh.New(a.Store, a.API, logger.With("component", "refresh"),
		refresh.WithSafetyMargin(cfg.SafetyMargin),
		refresh.WithMetrics(a.Metrics))
	a.Queue = queue.New(kv, logger.With("component", "queue"), queue.WithMetrics(a.Metrics))
	a.Engine = retry.New(a.Monitor, a.Queue, logger.With("component", "retry"),
		retry.WithMetrics(a.Metrics),
		retry.WithAuthExpiredHandler(a.Store.Logout),
		retry.WithDefaults(retry.Options{
			MaxAttempts:  cfg.MaxAttempts,
			BaseDelay:    cfg.BaseDelay,
			QueueOffline: cfg.QueueOffline,
		}))

	a.Queue.Register(KindForm, a.replayForm)

	if err := a.Store.Hydrate(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	if err := a.Queue.Load(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to restore offline queue: %w", err)
	}

	return a, nil
}

func (a *App) openKV(ctx context.Context, kv storage.KV) (storage.KV, error) {
	if kv == nil {
		if a.Config.DBPath == "" {
			a.Logger.Warn("no database path configured, session will not survive restart")
			kv = memory.New()
		} else {
			db, err := boltdb.New(ctx, a.Config.DBPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}
			a.closer = db
			kv = db
		}
	}

	if a.Config.StoragePassphrase == "" {
		return kv, nil
	}

	sealedKV, err := sealed.Open(ctx, kv, a.Config.StoragePassphrase)
	if err != nil {
		if a.closer != nil {
			_ = a.closer.Close()
		}
		return nil, fmt.Errorf("failed to open encrypted storage: %w", err)
	}
	return sealedKV, nil
}

// Start arms the refresh timer, wires auto-replay and starts watching connectivity
func (a *App) Start(ctx context.Context) error {
	a.Scheduler.Start()
	// Подписываемся до Start монитора: первый замер offline->online запустит replay
	a.detach = a.Queue.AttachMonitor(a.Monitor, a.Config.AutoRecover)

	if err := a.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	return nil
}

// Close stops background work, waits for pending writes and closes the database
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Cleanup()
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.detach != nil {
		a.detach()
		a.detach = nil
	}
	if a.Queue != nil {
		a.Queue.Wait()
	}
	if a.Store != nil {
		a.Store.Wait()
	}

	if a.closer != nil {
		closer := a.closer
		a.closer = nil
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// Register creates an account on the server
func (a *App) Register(ctx context.Context, username, password string) (string, error) {
	resp, err := a.API.Register(ctx, pkgapi.RegisterRequest{Username: username, Password: password})
	if err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// Login authenticates and installs the session
func (a *App) Login(ctx context.Context, username, password string) error {
	resp, err := a.API.Login(ctx, pkgapi.LoginRequest{Username: username, Password: password})
	if err != nil {
		return err
	}

	cred, err := session.NewCredential(resp.AccessToken, resp.RefreshToken)
	if err != nil {
		return fmt.Errorf("server returned an unusable token: %w", err)
	}

	if err := a.Store.Login(cred); err != nil {
		return err
	}
	return a.Store.Persist(ctx)
}

// Logout ends the session locally and on the server and drops queued submissions
func (a *App) Logout(ctx context.Context) error {
	cred, _, ok := a.Store.Credential()

	a.Store.Logout()
	a.Queue.Clear()

	if ok {
		// Сервер может быть недоступен: локальный выход важнее
		if err := a.API.Logout(ctx, cred.AccessToken); err != nil {
			a.Logger.Warn("server logout failed", "error", err)
		}
	}

	a.Queue.Wait()
	return a.Store.Persist(ctx)
}

// Status summarizes the client state
type Status struct {
	Session      session.State
	Connectivity connectivity.Snapshot
	Scheduler    refresh.State
	QueueLen     int
}

// Status returns the current state without side effects
func (a *App) Status() Status {
	return Status{
		Session:      a.Store.State(),
		Connectivity: a.Monitor.Snapshot(),
		Scheduler:    a.Scheduler.State(),
		QueueLen:     a.Queue.Len(),
	}
}

// Replay runs one pass over the offline queue
func (a *App) Replay(ctx context.Context) error {
	if err := a.Queue.ProcessQueue(ctx); err != nil {
		return err
	}
	a.Queue.Wait()
	return nil
}

// freshToken возвращает токен или ошибку, которую не стоит повторять
func (a *App) freshToken(ctx context.Context) (string, error) {
	token, err := a.Scheduler.EnsureFreshToken(ctx)
	if err == nil {
		return token, nil
	}

	if errors.Is(err, refresh.ErrNoSession) || errors.Is(err, refresh.ErrRefreshFailed) || errors.Is(err, refresh.ErrClosed) {
		return "", fmt.Errorf("%w: %w", apperr.ErrUnauthenticated, err)
	}
	return "", err
}
