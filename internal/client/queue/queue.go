// Package queue хранит отправки, сделанные без сети, и воспроизводит их
// в порядке постановки, когда сеть возвращается.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/sessionguard/internal/apperr"
	"github.com/iudanet/sessionguard/internal/client/connectivity"
	"github.com/iudanet/sessionguard/internal/client/metrics"
	"github.com/iudanet/sessionguard/internal/client/storage"
)

//go:generate moq -out monitor_mock.go . Monitor

var (
	// ErrUnknownKind indicates that no SubmitFunc is registered for the entry kind
	ErrUnknownKind = errors.New("unknown submission kind")
)

// SubmitFunc replays one queued payload
type SubmitFunc func(ctx context.Context, payload json.RawMessage) error

// Monitor is the part of connectivity.Monitor the queue depends on
type Monitor interface {
	IsOnline() bool
	Subscribe(fn func(connectivity.Snapshot)) (unsubscribe func())
}

// Entry - отложенная отправка.
// Функцию отправки сохранить нельзя, поэтому храним Kind и ищем ее в реестре.
type Entry struct {
	EnqueuedAt time.Time       `json:"enqueued_at"`
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	LastError  string          `json:"last_error,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
}

// Queue is a persistent FIFO of deferred submissions
type Queue struct {
	kv         storage.KV
	logger     *slog.Logger
	metrics    *metrics.Metrics
	monitor    Monitor
	now        func() time.Time
	handlers   map[string]SubmitFunc
	entries    []Entry
	mu         sync.Mutex
	persistMu  sync.Mutex
	pending    sync.WaitGroup
	processing bool
}

// Option настраивает Queue
type Option func(*Queue)

// WithMetrics records queue depth and replay results
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates an empty queue backed by kv. Call Load to restore persisted entries.
func New(kv storage.KV, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		kv:       kv,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]SubmitFunc),
	}
	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Register sets the replay function for kind
func (q *Queue) Register(kind string, fn SubmitFunc) {
	q.mu.Lock()
	q.handlers[kind] = fn
	q.mu.Unlock()
}

// Load restores persisted entries ahead of anything enqueued in this process.
// Call it before the first Enqueue: an earlier background write replaces the stored blob.
// Unreadable or corrupt data is logged and dropped; only ctx errors are returned.
func (q *Queue) Load(ctx context.Context) error {
	data, err := q.kv.Get(ctx, storage.KeyOfflineQueue)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			q.logger.Warn("failed to read offline queue", "error", err)
		}
		return ctx.Err()
	}

	var loaded []Entry
	if err := json.Unmarshal(data, &loaded); err != nil {
		q.logger.Warn("offline queue is corrupt, starting empty", "error", err)
		if err := q.kv.Remove(ctx, storage.KeyOfflineQueue); err != nil {
			q.logger.Warn("failed to remove corrupt offline queue", "error", err)
		}
		return ctx.Err()
	}

	q.mu.Lock()
	seen := make(map[string]struct{}, len(q.entries))
	for _, e := range q.entries {
		seen[e.ID] = struct{}{}
	}
	merged := make([]Entry, 0, len(loaded)+len(q.entries))
	for _, e := range loaded {
		if _, ok := seen[e.ID]; ok || e.ID == "" {
			continue
		}
		merged = append(merged, e)
	}
	q.entries = append(merged, q.entries...)
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	if len(loaded) > 0 {
		q.logger.Info("offline queue restored", "entries", len(loaded))
	}

	return ctx.Err()
}

// Enqueue appends a submission and returns its id. Persistence happens in the background.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	q.mu.Lock()
	if _, ok := q.handlers[kind]; !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	entry := Entry{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: q.now(),
	}
	q.entries = append(q.entries, entry)
	depth := len(q.entries)
	q.mu.Unlock()

	q.logger.Info("submission deferred", "id", entry.ID, "kind", kind, "queue_depth", depth)
	q.metrics.SetQueueDepth(depth)
	q.persistAsync()

	return entry.ID, nil
}

// ProcessQueue replays entries in enqueue order. It is a no-op when offline,
// when the queue is empty or when another pass is running. Successful entries are
// removed; failed ones keep their place with Attempts incremented. The pass stops
// early if connectivity is lost.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	if !q.online() {
		return nil
	}

	q.mu.Lock()
	if q.processing || len(q.entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.processing = true
	batch := make([]Entry, len(q.entries))
	copy(batch, q.entries)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	q.logger.Info("replaying offline queue", "entries", len(batch))

	var delivered, failed int
	for _, entry := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !q.online() {
			q.logger.Info("connectivity lost, replay paused", "remaining", len(batch)-delivered-failed)
			break
		}

		err := q.replay(ctx, entry)
		q.settle(entry.ID, err)
		q.metrics.Replayed(err == nil)

		if err != nil {
			failed++
			q.logger.Warn("queued submission failed",
				"id", entry.ID,
				"kind", entry.Kind,
				"attempts", entry.Attempts+1,
				"error_kind", apperr.Classify(err).String(),
				"error", err)
			continue
		}
		delivered++
	}

	q.logger.Info("offline queue replay finished", "delivered", delivered, "failed", failed, "remaining", q.Len())
	return nil
}

func (q *Queue) replay(ctx context.Context, entry Entry) error {
	q.mu.Lock()
	fn, ok := q.handlers[entry.Kind]
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, entry.Kind)
	}
	return fn(ctx, entry.Payload)
}

// settle удаляет доставленную запись или увеличивает счетчик попыток.
// Запись могла исчезнуть во время отправки (Clear), тогда ничего не делаем.
func (q *Queue) settle(id string, err error) {
	q.mu.Lock()
	idx := -1
	for i := range q.entries {
		if q.entries[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return
	}

	if err == nil {
		q.entries = append(q.entries[:idx:idx], q.entries[idx+1:]...)
	} else {
		q.entries[idx].Attempts++
		q.entries[idx].LastError = err.Error()
	}
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.persistAsync()
}

// Entries returns a copy of the queued entries in FIFO order
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]Entry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops every entry
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := len(q.entries)
	q.entries = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("offline queue cleared", "dropped", dropped)
	}
	q.metrics.SetQueueDepth(0)
	q.persistAsync()
}

// AttachMonitor makes replay depend on m. With autoRecover, every offline to online
// transition triggers ProcessQueue in the background.
func (q *Queue) AttachMonitor(m Monitor, autoRecover bool) (detach func()) {
	q.mu.Lock()
	q.monitor = m
	q.mu.Unlock()

	if !autoRecover {
		return func() {}
	}

	var (
		mu         sync.Mutex
		wasOnline  bool
		subscribed bool
	)
	unsubscribe := m.Subscribe(func(s connectivity.Snapshot) {
		mu.Lock()
		online := s.IsOnline()
		transition := subscribed && online && !wasOnline
		wasOnline = online
		subscribed = true
		mu.Unlock()

		if !transition {
			return
		}

		q.logger.Info("connectivity restored, replaying offline queue")
		q.pending.Add(1)
		go func() {
			defer q.pending.Done()
			if err := q.ProcessQueue(context.Background()); err != nil {
				q.logger.Warn("offline queue replay failed", "error", err)
			}
		}()
	})

	return unsubscribe
}

// Persist writes the current entries to the KV store
func (q *Queue) Persist(ctx context.Context) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	snapshot := make([]Entry, len(q.entries))
	copy(snapshot, q.entries)
	q.mu.Unlock()

	if len(snapshot) == 0 {
		if err := q.kv.Remove(ctx, storage.KeyOfflineQueue); err != nil {
			return fmt.Errorf("failed to clear offline queue: %w: %w", apperr.ErrStorage, err)
		}
		return nil
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal offline queue: %w", err)
	}

	if err := q.kv.Set(ctx, storage.KeyOfflineQueue, data); err != nil {
		return fmt.Errorf("failed to save offline queue: %w: %w", apperr.ErrStorage, err)
	}

	return nil
}

// Wait blocks until background writes and triggered replays have finished
func (q *Queue) Wait() {
	q.pending.Wait()
}

func (q *Queue) persistAsync() {
	q.pending.Add(1)
	go func() {
		defer q.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := q.Persist(ctx); err != nil {
			q.logger.Warn("failed to persist offline queue", "error", err)
		}
	}()
}

// online - без монитора считаем, что сеть есть
func (q *Queue) online() bool {
	q.mu.Lock()
	m := q.monitor
	q.mu.Unlock()

	return m == nil || m.IsOnline()
}
