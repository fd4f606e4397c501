package throttle

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, maxActive, hourlyCap int) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, maxActive, hourlyCap, time.Hour)
}

func TestAllowCapsActiveExports(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, 2, 100)

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "org-1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "slot %d", i)
	}

	d, err := l.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "in progress")

	// Another tenant is unaffected.
	d, err = l.Allow(ctx, "org-2")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestReleaseFreesSlot(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, 1, 100)

	d, err := l.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, l.Release(ctx, "org-1"))

	d, err = l.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestHourlyCap(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, 100, 3)

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "org-1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "submission %d", i)
		require.NoError(t, l.Release(ctx, "org-1"))
	}

	d, err := l.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "hourly")
}

func TestFailsOpenWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	l := New(client, 1, 1, time.Hour)

	d, err := l.Allow(context.Background(), "org-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}
