// Package server собирает HTTP сервер: маршруты, middleware, метрики и фоновую очистку токенов.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iudanet/sessionguard/internal/config"
	"github.com/iudanet/sessionguard/internal/server/handlers"
	"github.com/iudanet/sessionguard/internal/server/jwt"
	"github.com/iudanet/sessionguard/internal/server/middleware"
	"github.com/iudanet/sessionguard/internal/server/storage"
)

const (
	healthPath  = "/api/v1/health"
	metricsPath = "/metrics"
)

// Storage - все, что серверу нужно от хранилища
type Storage interface {
	storage.UserStorage
	storage.TokenStorage
	storage.SubmissionStorage
	handlers.Pinger
}

// Server - HTTP сервер
type Server struct {
	cfg      *config.Server
	logger   *slog.Logger
	store    Storage
	jwt      *jwt.Service
	registry *prometheus.Registry
	limiter  *middleware.PathRateLimiter
	handler  http.Handler
}

// New wires handlers and middleware. Call Close to stop background limiter cleanup.
func New(cfg *config.Server, logger *slog.Logger, store Storage, version string) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		jwt:      jwt.NewService(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		registry: prometheus.NewRegistry(),
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Логин и регистрация - цели перебора паролей, лимит строже
	authLimits := make([]middleware.PathRateLimit, 0, 3)
	for _, p := range []string{"/api/v1/auth/register", "/api/v1/auth/login", "/api/v1/auth/refresh"} {
		authLimits = append(authLimits, middleware.PathRateLimit{Path: p, Requests: cfg.AuthRateLimit, Window: cfg.RateWindow})
	}
	s.limiter = middleware.NewPathRateLimiter(authLimits,
		middleware.PathRateLimit{Requests: cfg.RateLimit, Window: cfg.RateWindow}, logger)

	s.handler = s.routes(version)
	return s
}

func (s *Server) routes(version string) http.Handler {
	authHandler := handlers.NewAuthHandler(s.logger, s.store, s.store, s.jwt)
	formsHandler := handlers.NewFormsHandler(s.logger, s.store)
	healthHandler := handlers.NewHealthHandler(s.logger, s.store, version)
	requireAuth := middleware.Auth(s.logger, s.jwt)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)
	mux.HandleFunc("POST /api/v1/auth/refresh", authHandler.Refresh)
	mux.Handle("POST /api/v1/auth/logout", requireAuth(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("POST /api/v1/forms/{form}", requireAuth(http.HandlerFunc(formsHandler.Submit)))
	mux.HandleFunc("GET "+healthPath, healthHandler.Health)

	if s.cfg.MetricsEnabled {
		mux.Handle("GET "+metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	httpMetrics := middleware.NewHTTPMetrics(s.registry)

	var h http.Handler = mux
	h = s.limiter.Middleware(h)
	h = httpMetrics.Middleware(h)
	h = middleware.Recovery(s.logger)(h)
	h = middleware.Logging(s.logger, healthPath, metricsPath)(h)
	return h
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the server metrics registry
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Run слушает cfg.Addr до отмены ctx, затем корректно останавливается
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve обслуживает ln до отмены ctx. Параллельно раз в cfg.TokenCleanup
// удаляет истекшие refresh tokens.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		s.cleanupTokens(cleanupCtx)
	}()
	defer func() {
		stopCleanup()
		<-cleanupDone
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) cleanupTokens(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TokenCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.purgeExpired(ctx, now)
		}
	}
}

func (s *Server) purgeExpired(ctx context.Context, now time.Time) {
	deleted, err := s.store.DeleteExpiredTokens(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to delete expired refresh tokens", "error", err)
		}
		return
	}
	if deleted > 0 {
		s.logger.Info("expired refresh tokens deleted", "count", deleted)
	}
}

// Close освобождает ресурсы, не связанные с соединениями
func (s *Server) Close() {
	s.limiter.Stop()
}
