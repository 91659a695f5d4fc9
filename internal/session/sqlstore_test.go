package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DukeRupert/guardpost/internal"
	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps every query on the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, internal.RunMigrations(db, internal.DriverSQLite))
	return NewSQLStore(db)
}

func TestSQLStore_PutGet(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	in := &domain.Session{
		Username:         "alice",
		Credentials:      json.RawMessage(`{"token":"t"}`),
		ProxyCredentials: json.RawMessage(`{"roles":["r"]}`),
		ExpiryTime:       &expiry,
	}
	require.NoError(t, store.Put(ctx, "id-1", in))

	got, err := store.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.JSONEq(t, `{"token":"t"}`, string(got.Credentials))
	assert.JSONEq(t, `{"roles":["r"]}`, string(got.ProxyCredentials))
	require.NotNil(t, got.ExpiryTime)
	assert.True(t, expiry.Equal(*got.ExpiryTime))
}

func TestSQLStore_NullableColumns(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "id-1", &domain.Session{
		Username:    "bob",
		Credentials: json.RawMessage(`"c"`),
	}))

	got, err := store.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Nil(t, got.ProxyCredentials)
	assert.Nil(t, got.ExpiryTime)
}

func TestSQLStore_PutOverwrites(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "id-1", &domain.Session{Username: "a", Credentials: json.RawMessage(`1`)}))
	require.NoError(t, store.Put(ctx, "id-1", &domain.Session{Username: "b", Credentials: json.RawMessage(`2`)}))

	got, err := store.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Username)
	assert.Equal(t, "2", string(got.Credentials))
}

func TestSQLStore_GetUnknown(t *testing.T) {
	store := newTestSQLStore(t)

	_, err := store.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestSQLStore_Delete(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "id-1", testSession()))
	require.NoError(t, store.Delete(ctx, "id-1"))
	require.NoError(t, store.Delete(ctx, "id-1"), "deleting twice is fine")

	_, err := store.Get(ctx, "id-1")
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestSQLStore_DeleteExpired(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	expired := testSession()
	expired.ExpiryTime = &past
	live := testSession()
	live.ExpiryTime = &future

	require.NoError(t, store.Put(ctx, "expired", expired))
	require.NoError(t, store.Put(ctx, "live", live))
	require.NoError(t, store.Put(ctx, "forever", testSession()))

	n, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "expired")
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
	_, err = store.Get(ctx, "live")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	store := newTestSQLStore(t)
	past := time.Now().Add(-time.Minute)
	expired := testSession()
	expired.ExpiryTime = &past
	require.NoError(t, store.Put(context.Background(), "expired", expired))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(store, time.Hour, newTestLogger()).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "expired")
		return err != nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
