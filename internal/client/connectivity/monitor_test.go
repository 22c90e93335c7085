package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	wifiOnline = Snapshot{IsConnected: True, IsInternetReachable: True, Type: TypeWiFi}
	offline    = Snapshot{IsConnected: False, IsInternetReachable: False, Type: TypeNone}
)

// fakeSource позволяет тесту эмулировать события платформы
type fakeSource struct {
	fetchErr error
	emit     func(Snapshot)
	fetched  Snapshot
	stopped  bool
	mu       sync.Mutex
}

func (f *fakeSource) Fetch(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return Snapshot{}, f.fetchErr
	}
	return f.fetched, nil
}

func (f *fakeSource) Watch(ctx context.Context, fn func(Snapshot)) (func(), error) {
	f.mu.Lock()
	f.emit = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) set(s Snapshot, err error) {
	f.mu.Lock()
	f.fetched = s
	f.fetchErr = err
	f.mu.Unlock()
}

// recorder собирает полученные снимки
type recorder struct {
	got []Snapshot
	mu  sync.Mutex
}

func (r *recorder) add(s Snapshot) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.got...)
}

func TestSnapshot_IsOnline(t *testing.T) {
	tests := []struct {
		name string
		s    Snapshot
		want bool
	}{
		{name: "unknown default", s: Snapshot{}, want: false},
		{name: "connected reachable", s: wifiOnline, want: true},
		{name: "connected reachability unknown", s: Snapshot{IsConnected: True}, want: true},
		{name: "connected not reachable", s: Snapshot{IsConnected: True, IsInternetReachable: False}, want: false},
		{name: "disconnected", s: offline, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.IsOnline())
		})
	}
}

func TestMonitor_UnknownBeforeStart(t *testing.T) {
	m := New(&fakeSource{}, nil)

	s := m.Snapshot()
	assert.Equal(t, Unknown, s.IsConnected)
	assert.Equal(t, Unknown, s.IsInternetReachable)
	assert.Equal(t, TypeUnknown, s.Kind())
	assert.False(t, m.IsOnline())
}

func TestMonitor_SubscribeFiresImmediately(t *testing.T) {
	src := &fakeSource{fetched: wifiOnline}
	m := New(src, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.add)
	defer unsubscribe()

	assert.Equal(t, []Snapshot{wifiOnline}, rec.all())
}

func TestMonitor_DeduplicatesEvents(t *testing.T) {
	src := &fakeSource{fetched: wifiOnline}
	m := New(src, nil)
	require.NoError(t, m.Start(context.Background()))

	rec := &recorder{}
	m.Subscribe(rec.add)

	src.emit(wifiOnline)
	src.emit(wifiOnline)
	src.emit(offline)
	src.emit(offline)
	src.emit(wifiOnline)

	assert.Equal(t, []Snapshot{wifiOnline, offline, wifiOnline}, rec.all())
}

func TestMonitor_IndependentSubscribers(t *testing.T) {
	src := &fakeSource{fetched: offline}
	m := New(src, nil)
	require.NoError(t, m.Start(context.Background()))

	first, second := &recorder{}, &recorder{}
	unsubFirst := m.Subscribe(first.add)
	unsubSecond := m.Subscribe(second.add)

	unsubFirst()
	unsubFirst()

	src.emit(wifiOnline)

	assert.Equal(t, []Snapshot{offline}, first.all())
	assert.Equal(t, []Snapshot{offline, wifiOnline}, second.all())
	unsubSecond()
}

func TestMonitor_RefreshNotifies(t *testing.T) {
	src := &fakeSource{fetched: wifiOnline}
	m := New(src, nil)
	require.NoError(t, m.Start(context.Background()))

	rec := &recorder{}
	m.Subscribe(rec.add)

	// Refresh уведомляет даже без изменений
	got := m.Refresh(context.Background())
	assert.Equal(t, wifiOnline, got)
	assert.Len(t, rec.all(), 2)
}

func TestMonitor_RefreshFailureKeepsSnapshot(t *testing.T) {
	src := &fakeSource{fetched: wifiOnline}
	m := New(src, nil)
	require.NoError(t, m.Start(context.Background()))

	rec := &recorder{}
	m.Subscribe(rec.add)

	src.set(Snapshot{}, errors.New("platform unavailable"))
	got := m.Refresh(context.Background())

	assert.Equal(t, wifiOnline, got)
	assert.True(t, m.IsOnline(), "query failure must not be treated as offline")
	assert.Len(t, rec.all(), 1)
}

func TestMonitor_StartFetchFailure(t *testing.T) {
	src := &fakeSource{fetchErr: errors.New("boom")}
	m := New(src, nil)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, Snapshot{}, m.Snapshot())
	assert.True(t, m.IsOnline(), "failed query must not block requests")

	// Первое реальное измерение снова решает
	src.emit(offline)
	assert.False(t, m.IsOnline())

	src.emit(wifiOnline)
	assert.True(t, m.IsOnline())
}

func TestMonitor_RefreshFailureBeforeMeasurement(t *testing.T) {
	src := &fakeSource{fetchErr: errors.New("platform unavailable")}
	m := New(src, nil)
	assert.False(t, m.IsOnline(), "not measured yet")

	got := m.Refresh(context.Background())
	assert.Equal(t, Snapshot{}, got)
	assert.True(t, m.IsOnline())
}

func TestMonitor_Stop(t *testing.T) {
	src := &fakeSource{fetched: wifiOnline}
	m := New(src, nil)
	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	m.Stop()

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.True(t, src.stopped)
}
