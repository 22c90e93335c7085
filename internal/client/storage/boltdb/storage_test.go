package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/iudanet/sessionguard/internal/client/storage"
)

// создаём тестовое BoltDB хранилище во временной директории
func createTestStorage(t *testing.T) *Storage {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "testdb.db")
	store, err := New(context.Background(), dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func TestNew_Success(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "testdb.db")

	store, err := New(context.Background(), dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)
	defer func() {
		require.NoError(t, store.Close())
	}()

	// Проверяем что файл БД действительно создан
	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	// Проверяем, что бакет существует
	err = store.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketKV) == nil {
			return os.ErrNotExist
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNew_InvalidPath(t *testing.T) {
	// Директории не существует, bbolt не сможет создать файл
	invalidPath := filepath.Join(t.TempDir(), "missing", "dir", "db.db")
	store, err := New(context.Background(), invalidPath)
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestClose(t *testing.T) {
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "testdb.db"))
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.Nil(t, store.db)

	// Второй вызов Close не должен падать
	assert.NoError(t, store.Close())

	// Операции после закрытия возвращают ErrStorageClosed
	_, err = store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	assert.ErrorIs(t, store.Set(context.Background(), "k", []byte("v")), storage.ErrStorageClosed)
	assert.ErrorIs(t, store.Remove(context.Background(), "k"), storage.ErrStorageClosed)
}

func TestStorage_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	// До сохранения ключа нет
	_, err := store.Get(ctx, storage.KeySession)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Set(ctx, storage.KeySession, []byte(`{"a":1}`)))

	got, err := store.Get(ctx, storage.KeySession)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)

	// Перезапись
	require.NoError(t, store.Set(ctx, storage.KeySession, []byte(`{"a":2}`)))
	got, err = store.Get(ctx, storage.KeySession)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":2}`), got)

	// Удаление, в том числе повторное
	require.NoError(t, store.Remove(ctx, storage.KeySession))
	require.NoError(t, store.Remove(ctx, storage.KeySession))

	_, err = store.Get(ctx, storage.KeySession)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStorage_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	store, err := New(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, storage.KeyOfflineQueue, []byte("[]")))
	require.NoError(t, store.Close())

	reopened, err := New(ctx, dbPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, storage.KeyOfflineQueue)
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), got)
}

func TestStorage_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	require.NoError(t, store.Set(ctx, "k", []byte("value")))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}
