package capacity

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

func newTestRedisTracker(t *testing.T) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tr := NewRedisTracker(client, map[domain.Model]int{domain.ModelOpus: 2})
	return tr, mr
}

func TestRedisTracker_ReserveUpToLimit(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestRedisTracker(t)

	ok, err := tr.TryReserve(ctx, domain.ModelOpus)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.TryReserve(ctx, domain.ModelOpus)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.TryReserve(ctx, domain.ModelOpus)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisTracker_ReleaseFreesSlot(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestRedisTracker(t)

	_, _ = tr.TryReserve(ctx, domain.ModelOpus)
	_, _ = tr.TryReserve(ctx, domain.ModelOpus)

	require.NoError(t, tr.Release(ctx, domain.ModelOpus))

	ok, err := tr.TryReserve(ctx, domain.ModelOpus)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisTracker_ReleaseFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestRedisTracker(t)

	require.NoError(t, tr.Release(ctx, domain.ModelOpus))
	require.NoError(t, tr.Release(ctx, domain.ModelOpus))

	snap, err := tr.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, 0, snap[0].Current)
}

func TestRedisTracker_UnknownModelRejected(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestRedisTracker(t)
	ok, err := tr.TryReserve(ctx, domain.ModelHaiku)
	require.False(t, ok)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
