package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	key := Key("test-session", time.Now().Format(time.RFC3339Nano))
	rec := Record{
		StatusCode: 202,
		Response:   []byte("payload"),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
	}
	require.NoError(t, store.Save(ctx, key, rec))

	second := rec
	second.Response = []byte("other")
	require.NoError(t, store.Save(ctx, key, second))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "payload", string(got.Response), "live record is not overwritten")

	_, err = store.Purge(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}
