// Package connectivity отслеживает состояние сети и раздает его подписчикам.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iudanet/sessionguard/internal/client/metrics"
)

//go:generate moq -out source_mock.go . Source

// Source is the platform connectivity API
type Source interface {
	// Fetch actively queries the current state
	Fetch(ctx context.Context) (Snapshot, error)

	// Watch calls fn on every platform event until stop is called
	Watch(ctx context.Context, fn func(Snapshot)) (stop func(), err error)
}

// Monitor хранит последний Snapshot и уведомляет подписчиков об изменениях.
// Колбэки подписчиков вызываются последовательно и не должны синхронно
// вызывать Subscribe или Refresh того же монитора.
type Monitor struct {
	src         Source
	logger      *slog.Logger
	metrics     *metrics.Metrics
	subscribers map[int]func(Snapshot)
	stopWatch   func()
	snapshot    Snapshot
	nextID      int
	mu          sync.Mutex
	deliverMu   sync.Mutex
	queryFailed bool // запрос к платформе падал, а измерений еще не было
}

// Option настраивает Monitor
type Option func(*Monitor)

// WithMetrics exports the online flag as a gauge
func WithMetrics(m *metrics.Metrics) Option {
	return func(mon *Monitor) {
		mon.metrics = m
	}
}

// New creates a monitor over src. It reports the unknown snapshot until Start or Refresh.
func New(src Source, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		src:         src,
		logger:      logger,
		subscribers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start subscribes to platform events and performs the initial query.
// A failed initial query is logged and leaves the unknown snapshot in place.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	running := m.stopWatch != nil
	m.mu.Unlock()
	if running {
		return nil
	}

	stop, err := m.src.Watch(ctx, func(s Snapshot) {
		m.publish(s, false)
	})
	if err != nil {
		return fmt.Errorf("failed to watch connectivity: %w", err)
	}

	m.mu.Lock()
	m.stopWatch = stop
	m.mu.Unlock()

	s, err := m.src.Fetch(ctx)
	if err != nil {
		m.logger.Warn("initial connectivity query failed", "error", err)
		m.markFailed()
		return nil
	}
	m.publish(s, false)

	return nil
}

// Stop stops watching the platform. Subscribers stay registered.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stopWatch
	m.stopWatch = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Snapshot returns the last known state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// IsOnline reports Snapshot().IsOnline(). If every platform query so far has
// failed, it reports true: a failed query is not evidence of being offline.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryFailed && m.snapshot == (Snapshot{}) {
		return true
	}
	return m.snapshot.IsOnline()
}

func (m *Monitor) markFailed() {
	m.mu.Lock()
	m.queryFailed = true
	m.mu.Unlock()
}

// Subscribe registers fn. It is called immediately with the current snapshot,
// then on every change. The returned function is safe to call more than once.
func (m *Monitor) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	current := m.snapshot
	m.mu.Unlock()

	fn(current)

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Refresh re-queries the platform and notifies every subscriber, even if nothing changed.
// On failure the previous snapshot is kept and returned.
func (m *Monitor) Refresh(ctx context.Context) Snapshot {
	s, err := m.src.Fetch(ctx)
	if err != nil {
		m.logger.Warn("connectivity refresh failed, keeping previous state", "error", err)
		m.markFailed()
		return m.Snapshot()
	}

	m.publish(s, true)
	return s
}

// publish сохраняет s и рассылает его; одинаковые события от платформы отбрасываются
func (m *Monitor) publish(s Snapshot, force bool) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	prev := m.snapshot
	if s == prev && !force {
		m.mu.Unlock()
		return
	}
	m.snapshot = s
	subscribers := make([]func(Snapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subscribers = append(subscribers, fn)
	}
	m.mu.Unlock()

	if prev.IsOnline() != s.IsOnline() || prev == (Snapshot{}) {
		m.logger.Info("connectivity changed",
			"online", s.IsOnline(),
			"type", string(s.Kind()),
			"reachable", s.IsInternetReachable.String())
	}
	m.metrics.SetOnline(s.IsOnline())

	for _, fn := range subscribers {
		fn(s)
	}
}
