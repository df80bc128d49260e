package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshLeaseWithoutRedisAlwaysAcquires(t *testing.T) {
	repo := NewRefreshLeaseRepository(nil)
	token, ok, err := repo.Acquire(context.Background(), "default", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)
	require.NoError(t, repo.Release(context.Background(), "default", token))
}

func newLeaseRepo(t *testing.T) (*RefreshLeaseRepository, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRefreshLeaseRepository(client), srv
}

func TestRefreshLeaseIsExclusiveUntilReleased(t *testing.T) {
	repo, srv := newLeaseRepo(t)
	ctx := context.Background()

	token, ok, err := repo.Acquire(ctx, "default", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, token, mustGet(t, srv, "crm:refresh-lease:default"))
	assert.Equal(t, 30*time.Second, srv.TTL("crm:refresh-lease:default"))

	_, ok, err = repo.Acquire(ctx, "default", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second replica must not take a held lease")

	_, ok, err = repo.Acquire(ctx, "other", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "leases are per connection")

	require.NoError(t, repo.Release(ctx, "default", token))
	assert.False(t, srv.Exists("crm:refresh-lease:default"))

	_, ok, err = repo.Acquire(ctx, "default", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefreshLeaseReleaseKeepsForeignLease(t *testing.T) {
	repo, srv := newLeaseRepo(t)
	ctx := context.Background()

	stale, ok, err := repo.Acquire(ctx, "default", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The lease expires and another replica takes it.
	srv.FastForward(2 * time.Second)
	current, ok, err := repo.Acquire(ctx, "default", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.Release(ctx, "default", stale))
	assert.Equal(t, current, mustGet(t, srv, "crm:refresh-lease:default"))

	require.NoError(t, repo.Release(ctx, "default", current))
	assert.False(t, srv.Exists("crm:refresh-lease:default"))
}

func TestRefreshLeaseReleaseOfMissingLeaseIsNoop(t *testing.T) {
	repo, _ := newLeaseRepo(t)
	require.NoError(t, repo.Release(context.Background(), "default", "never-acquired"))
}

func TestRefreshLeaseSurfacesRedisErrors(t *testing.T) {
	repo, srv := newLeaseRepo(t)
	srv.SetError("LOADING")

	_, ok, err := repo.Acquire(context.Background(), "default", time.Second)
	require.Error(t, err)
	assert.False(t, ok)
	require.Error(t, repo.Release(context.Background(), "default", "token"))
}

func mustGet(t *testing.T, srv *miniredis.Miniredis, key string) string {
	t.Helper()
	value, err := srv.Get(key)
	require.NoError(t, err)
	return value
}
