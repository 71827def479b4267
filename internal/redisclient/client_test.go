package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockLifecycle(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Integration test - set REDIS_TEST_ADDR")
	}

	client, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	key := "test-lock-" + time.Now().Format("150405.000000")

	token, ok, err := client.AcquireLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = client.AcquireLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "lock must not be acquired twice")

	// a stale token does not release someone else's lock
	require.NoError(t, client.ReleaseLock(ctx, key, "not-the-owner"))
	_, ok, err = client.AcquireLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.ReleaseLock(ctx, key, token))
	token, ok, err = client.AcquireLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, client.ReleaseLock(ctx, key, token))
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "lock:idempotency:order:abc", lockKey("idempotency:order:abc"))
}
