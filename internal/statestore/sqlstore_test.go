package statestore

import (
	"context"
	"testing"

	"fundingarb/pkg/logging"

	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	l, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return l
}

func TestSQLStore_GetMissingKeyReturnsNotFound(t *testing.T) {
	store, err := NewSQLite(":memory:", testLogger(t))
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Get(context.Background(), "portfolio/state")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLStore_BatchWriteIsAtomicAndReadable(t *testing.T) {
	store, err := NewSQLite(":memory:", testLogger(t))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	err = store.BatchWrite(ctx, map[string][]byte{
		"portfolio/state":      []byte(`{"equity":1000}`),
		"persistence/counters": []byte(`{}`),
	})
	require.NoError(t, err)

	val, ok, err := store.Get(ctx, "portfolio/state")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"equity":1000}`, string(val))
}

func TestSQLStore_AcquireLockExclusiveUntilReleased(t *testing.T) {
	store, err := NewSQLite(":memory:", testLogger(t))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	ok, err := store.AcquireLock(ctx, "instance-a", 60)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireLock(ctx, "instance-b", 60)
	require.NoError(t, err)
	require.False(t, ok, "a second owner must not acquire a held, unexpired lock")

	require.NoError(t, store.ReleaseLock(ctx, "instance-a"))

	ok, err = store.AcquireLock(ctx, "instance-b", 60)
	require.NoError(t, err)
	require.True(t, ok, "lock is acquirable once released")
}

func TestSQLStore_AcquireLockReentrantForSameOwner(t *testing.T) {
	store, err := NewSQLite(":memory:", testLogger(t))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	ok, err := store.AcquireLock(ctx, "instance-a", 60)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireLock(ctx, "instance-a", 60)
	require.NoError(t, err)
	require.True(t, ok, "the current owner can renew its own lease")
}
