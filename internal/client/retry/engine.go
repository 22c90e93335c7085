// Package retry выполняет отправку с повторами, экспоненциальной паузой
// и переводом в офлайн-очередь при потере сети.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/iudanet/sessionguard/internal/apperr"
	"github.com/iudanet/sessionguard/internal/client/metrics"
)

//go:generate moq -out deps_mock.go . Connectivity Enqueuer

// Connectivity reports whether the client is online
type Connectivity interface {
	IsOnline() bool
}

// Enqueuer stores a submission for later replay
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error)
}

// SubmitFunc performs one submission attempt
type SubmitFunc func(ctx context.Context) (json.RawMessage, error)

// Defaults
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

var errWentOffline = errors.New("connectivity lost")

// Status is the terminal state of an attempt
type Status int

const (
	StatusSuccess Status = iota
	StatusQueued
	StatusFailed
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusQueued:
		return "queued"
	case StatusFailed:
		return "failed"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Request describes one logical submission
type Request struct {
	// Submit performs the call; required
	Submit SubmitFunc
	// Validate is checked once before any network call
	Validate func() error
	// Kind and Payload are what the offline queue stores
	Kind    string
	Payload json.RawMessage
}

// Options tune a single call; zero values take defaults
type Options struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	QueueOffline bool
	// NoQueue отключает очередь для вызова, даже если она включена по умолчанию
	NoQueue bool
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	return o
}

// Context - сведения о попытках одного вызова Attempt
type Context struct {
	Attempt     int
	MaxAttempts int
	LastError   apperr.Kind
}

// Outcome is the result of Attempt
type Outcome struct {
	Err     error
	Data    json.RawMessage
	QueueID string
	Context Context
	Status  Status
}

// Engine runs submissions with retries
type Engine struct {
	monitor       Connectivity
	queue         Enqueuer
	logger        *slog.Logger
	metrics       *metrics.Metrics
	onAuthExpired func()
	defaults      Options
}

// Option настраивает Engine
type Option func(*Engine)

// WithMetrics records attempts and outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithAuthExpiredHandler is called when a submission is rejected with 401
func WithAuthExpiredHandler(fn func()) Option {
	return func(e *Engine) {
		e.onAuthExpired = fn
	}
}

// WithDefaults sets options used for zero fields of per-call Options
func WithDefaults(o Options) Option {
	return func(e *Engine) {
		e.defaults = o
	}
}

// New creates an engine. A nil monitor means always online; a nil queue disables offline queueing.
func New(monitor Connectivity, q Enqueuer, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		monitor: monitor,
		queue:   q,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Attempt runs req: validate, queue if offline, otherwise try up to MaxAttempts
// times with capped exponential backoff. Non-retryable errors stop immediately.
func (e *Engine) Attempt(ctx context.Context, req Request, opts Options) Outcome {
	opts = e.merge(opts)
	rc := Context{MaxAttempts: opts.MaxAttempts}

	if err := validate(req); err != nil {
		rc.LastError = apperr.KindValidation
		return e.finish(Outcome{Status: StatusInvalid, Err: err, Context: rc})
	}

	if e.shouldQueue(opts) {
		return e.enqueue(ctx, req, rc)
	}

	var (
		data        json.RawMessage
		wentOffline bool
	)

	b := NewBackoff(opts.BaseDelay, opts.MaxAttempts, true)
	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		// Сеть могла пропасть во время паузы
		if rc.Attempt > 0 && e.shouldQueue(opts) {
			wentOffline = true
			return errWentOffline
		}

		rc.Attempt++
		e.metrics.SubmitAttempt(req.Kind)

		result, err := req.Submit(ctx)
		if err == nil {
			data = result
			rc.LastError = apperr.KindNone
			return nil
		}

		rc.LastError = apperr.Classify(err)
		if rc.LastError == apperr.KindAuthExpired && e.onAuthExpired != nil {
			e.onAuthExpired()
		}

		if !apperr.ShouldRetry(err) {
			return err
		}

		e.logger.Debug("submission failed, will retry",
			"kind", req.Kind,
			"attempt", rc.Attempt,
			"max_attempts", rc.MaxAttempts,
			"error", err)
		return goretry.RetryableError(err)
	})

	if wentOffline {
		e.logger.Info("connectivity lost between attempts, queueing", "kind", req.Kind, "attempt", rc.Attempt)
		return e.enqueue(ctx, req, rc)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			rc.LastError = apperr.Classify(ctxErr)
		}
		e.logger.Warn("submission failed",
			"kind", req.Kind,
			"attempts", rc.Attempt,
			"error_kind", rc.LastError.String(),
			"error", err)
		return e.finish(Outcome{Status: StatusFailed, Err: err, Context: rc})
	}

	return e.finish(Outcome{Status: StatusSuccess, Data: data, Context: rc})
}

func (e *Engine) merge(o Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = e.defaults.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = e.defaults.BaseDelay
	}
	switch {
	case o.NoQueue:
		o.QueueOffline = false
	case !o.QueueOffline:
		o.QueueOffline = e.defaults.QueueOffline
	}
	return o.withDefaults()
}

func (e *Engine) shouldQueue(opts Options) bool {
	return opts.QueueOffline && e.queue != nil && e.monitor != nil && !e.monitor.IsOnline()
}

func (e *Engine) enqueue(ctx context.Context, req Request, rc Context) Outcome {
	id, err := e.queue.Enqueue(ctx, req.Kind, req.Payload)
	if err != nil {
		e.logger.Error("failed to queue submission", "kind", req.Kind, "error", err)
		return e.finish(Outcome{Status: StatusFailed, Err: fmt.Errorf("queue submission: %w", err), Context: rc})
	}

	e.logger.Info("submission queued until connectivity returns", "kind", req.Kind, "id", id)
	return e.finish(Outcome{Status: StatusQueued, QueueID: id, Context: rc})
}

func (e *Engine) finish(out Outcome) Outcome {
	e.metrics.SubmitOutcome(out.Status.String())
	return out
}

func validate(req Request) error {
	if req.Submit == nil {
		return &apperr.ValidationError{Message: "submit function is required"}
	}
	if req.Validate == nil {
		return nil
	}

	err := req.Validate()
	if err == nil {
		return nil
	}

	var vErr *apperr.ValidationError
	if errors.As(err, &vErr) {
		return err
	}
	return &apperr.ValidationError{Message: err.Error()}
}
