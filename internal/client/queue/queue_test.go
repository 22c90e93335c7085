package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/sessionguard/internal/client/connectivity"
	"github.com/iudanet/sessionguard/internal/client/storage"
	"github.com/iudanet/sessionguard/internal/client/storage/boltdb"
	"github.com/iudanet/sessionguard/internal/client/storage/memory"
)

var (
	online  = connectivity.Snapshot{IsConnected: connectivity.True, IsInternetReachable: connectivity.True, Type: connectivity.TypeWiFi}
	offline = connectivity.Snapshot{IsConnected: connectivity.False, IsInternetReachable: connectivity.False, Type: connectivity.TypeNone}
)

// fakeMonitor эмулирует connectivity.Monitor
type fakeMonitor struct {
	subscribers map[int]func(connectivity.Snapshot)
	current     connectivity.Snapshot
	next        int
	mu          sync.Mutex
}

func newFakeMonitor(s connectivity.Snapshot) *fakeMonitor {
	return &fakeMonitor{current: s, subscribers: make(map[int]func(connectivity.Snapshot))}
}

func (m *fakeMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.IsOnline()
}

func (m *fakeMonitor) Subscribe(fn func(connectivity.Snapshot)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subscribers[id] = fn
	current := m.current
	m.mu.Unlock()

	fn(current)
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *fakeMonitor) set(s connectivity.Snapshot) {
	m.mu.Lock()
	m.current = s
	fns := make([]func(connectivity.Snapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// collector запоминает порядок доставленных payload
type collector struct {
	fail map[string]error
	got  []string
	mu   sync.Mutex
}

func (c *collector) submit(ctx context.Context, payload json.RawMessage) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[body.Name]; err != nil {
		return err
	}
	c.got = append(c.got, body.Name)
	return nil
}

func (c *collector) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func payload(name string) json.RawMessage {
	return json.RawMessage(`{"name":"` + name + `"}`)
}

func enqueueAll(t *testing.T, q *Queue, names ...string) []string {
	t.Helper()

	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, err := q.Enqueue(context.Background(), "contact", payload(name))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestEnqueue(t *testing.T) {
	q := New(memory.New(), nil)
	q.Register("contact", (&collector{}).submit)

	ids := enqueueAll(t, q, "a", "b")
	q.Wait()

	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, ids[0], entries[0].ID)
	assert.Equal(t, "contact", entries[0].Kind)
	assert.Equal(t, 0, entries[0].Attempts)
	assert.JSONEq(t, `{"name":"a"}`, string(entries[0].Payload))
	assert.False(t, entries[0].EnqueuedAt.IsZero())
}

func TestEnqueue_UnknownKind(t *testing.T) {
	q := New(memory.New(), nil)

	_, err := q.Enqueue(context.Background(), "nope", payload("a"))
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, 0, q.Len())
}

func TestAutoRecover_ReplaysFIFO(t *testing.T) {
	c := &collector{}
	q := New(memory.New(), nil)
	q.Register("contact", c.submit)

	m := newFakeMonitor(offline)
	detach := q.AttachMonitor(m, true)
	defer detach()

	enqueueAll(t, q, "first", "second", "third")

	// Пока офлайн, ProcessQueue ничего не делает
	require.NoError(t, q.ProcessQueue(context.Background()))
	assert.Empty(t, c.delivered())
	assert.Equal(t, 3, q.Len())

	m.set(online)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	q.Wait()

	assert.Equal(t, []string{"first", "second", "third"}, c.delivered())
}

func TestAutoRecover_Disabled(t *testing.T) {
	c := &collector{}
	q := New(memory.New(), nil)
	q.Register("contact", c.submit)

	m := newFakeMonitor(offline)
	detach := q.AttachMonitor(m, false)
	defer detach()

	enqueueAll(t, q, "a")
	m.set(online)
	q.Wait()

	assert.Empty(t, c.delivered())
	assert.Equal(t, 1, q.Len())

	// Ручной запуск работает
	require.NoError(t, q.ProcessQueue(context.Background()))
	assert.Equal(t, []string{"a"}, c.delivered())
	q.Wait()
}

func TestAutoRecover_OnlyOnTransition(t *testing.T) {
	var calls atomic.Int32
	q := New(memory.New(), nil)
	q.Register("contact", func(ctx context.Context, payload json.RawMessage) error {
		calls.Add(1)
		return errors.New("server down")
	})

	m := newFakeMonitor(online)
	detach := q.AttachMonitor(m, true)
	enqueueAll(t, q, "a")

	// online -> online не переход
	m.set(online)
	q.Wait()
	assert.Equal(t, int32(0), calls.Load())

	m.set(offline)
	m.set(online)
	q.Wait()
	assert.Equal(t, int32(1), calls.Load())

	detach()
	m.set(offline)
	m.set(online)
	q.Wait()
	assert.Equal(t, int32(1), calls.Load(), "detached queue must not replay")
}

func TestProcessQueue_FailureKeepsEntry(t *testing.T) {
	c := &collector{fail: map[string]error{"b": errors.New("503 service unavailable")}}
	q := New(memory.New(), nil)
	q.Register("contact", c.submit)

	ids := enqueueAll(t, q, "a", "b", "c")

	require.NoError(t, q.ProcessQueue(context.Background()))
	q.Wait()

	assert.Equal(t, []string{"a", "c"}, c.delivered())
	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ids[1], entries[0].ID)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "503 service unavailable", entries[0].LastError)

	// Следующий проход снова пробует ту же запись
	require.NoError(t, q.ProcessQueue(context.Background()))
	q.Wait()
	assert.Equal(t, 2, q.Entries()[0].Attempts)
}

func TestProcessQueue_UnregisteredKind(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	blob := `[{"id":"x1","kind":"legacy","payload":{"name":"a"},"attempts":0,"enqueued_at":"2025-01-01T00:00:00Z"}]`
	require.NoError(t, kv.Set(ctx, storage.KeyOfflineQueue, []byte(blob)))

	q := New(kv, nil)
	require.NoError(t, q.Load(ctx))
	require.NoError(t, q.ProcessQueue(ctx))
	q.Wait()

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "unknown submission kind")
}

func TestProcessQueue_NotReentrant(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	var calls atomic.Int32

	q := New(memory.New(), nil)
	q.Register("contact", func(ctx context.Context, payload json.RawMessage) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})
	enqueueAll(t, q, "a", "b")

	done := make(chan error, 1)
	go func() { done <- q.ProcessQueue(context.Background()) }()
	<-started

	// Второй проход, пока идет первый, ничего не отправляет
	require.NoError(t, q.ProcessQueue(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.NoError(t, <-done)
	q.Wait()

	assert.Equal(t, int32(2), calls.Load(), "each entry is submitted exactly once")
	assert.Equal(t, 0, q.Len())
}

func TestProcessQueue_StopsWhenOffline(t *testing.T) {
	m := newFakeMonitor(online)
	var calls atomic.Int32

	q := New(memory.New(), nil)
	q.Register("contact", func(ctx context.Context, payload json.RawMessage) error {
		calls.Add(1)
		m.set(offline)
		return nil
	})
	q.AttachMonitor(m, false)
	enqueueAll(t, q, "a", "b", "c")

	require.NoError(t, q.ProcessQueue(context.Background()))
	q.Wait()

	assert.Equal(t, int32(1), calls.Load())
	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].Attempts, "untouched entries keep their attempt count")
}

func TestProcessQueue_ClearDuringReplay(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	q := New(memory.New(), nil)
	q.Register("contact", func(ctx context.Context, payload json.RawMessage) error {
		close(started)
		<-release
		return errors.New("failed")
	})
	enqueueAll(t, q, "a")

	done := make(chan error, 1)
	go func() { done <- q.ProcessQueue(context.Background()) }()
	<-started

	q.Clear()
	close(release)
	require.NoError(t, <-done)
	q.Wait()

	assert.Equal(t, 0, q.Len())
}

func TestQueue_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	db, err := boltdb.New(ctx, dbPath)
	require.NoError(t, err)

	first := New(db, nil)
	first.Register("contact", (&collector{}).submit)
	ids := enqueueAll(t, first, "a", "b")
	first.Wait()
	require.NoError(t, db.Close())

	db, err = boltdb.New(ctx, dbPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	c := &collector{}
	second := New(db, nil)
	second.Register("contact", c.submit)
	require.NoError(t, second.Load(ctx))
	enqueueAll(t, second, "c")

	entries := second.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, ids[0], entries[0].ID)
	assert.Equal(t, ids[1], entries[1].ID)

	require.NoError(t, second.ProcessQueue(ctx))
	second.Wait()
	assert.Equal(t, []string{"a", "b", "c"}, c.delivered())

	// После доставки ключ удален
	_, err = db.Get(ctx, storage.KeyOfflineQueue)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueue_LoadCorrupt(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	require.NoError(t, kv.Set(ctx, storage.KeyOfflineQueue, []byte("not json")))

	q := New(kv, nil)
	require.NoError(t, q.Load(ctx))
	assert.Equal(t, 0, q.Len())

	_, err := kv.Get(ctx, storage.KeyOfflineQueue)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueue_Clear(t *testing.T) {
	q := New(memory.New(), nil)
	q.Register("contact", (&collector{}).submit)
	enqueueAll(t, q, "a", "b")

	q.Clear()
	q.Wait()

	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Entries())
}
