package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"fundmgr/lock"
)

func TestMemoryAcquireRelease(t *testing.T) {
	ctx := context.Background()
	svc := lock.NewMemory()

	first, err := svc.Acquire(ctx, "lightning-disbursement", time.Minute)
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, "lightning-disbursement", time.Minute)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	other, err := svc.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, other))

	require.NoError(t, svc.Release(ctx, first))
	require.ErrorIs(t, svc.Release(ctx, first), lock.ErrNotHeld)

	again, err := svc.Acquire(ctx, "lightning-disbursement", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first.Owner, again.Owner)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	svc := lock.NewMemory().WithClock(func() time.Time { return now })

	stale, err := svc.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := svc.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	require.ErrorIs(t, svc.Release(ctx, stale), lock.ErrNotHeld, "expired holder must not release the new owner")
	require.NoError(t, svc.Release(ctx, fresh))
}

func TestMemoryRejectsInvalid(t *testing.T) {
	svc := lock.NewMemory()
	_, err := svc.Acquire(context.Background(), " ", time.Second)
	require.ErrorIs(t, err, lock.ErrInvalidKey)
	_, err = svc.Acquire(context.Background(), "k", 0)
	require.ErrorIs(t, err, lock.ErrInvalidKey)
}

func TestMemorySingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	svc := lock.NewMemory()
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := svc.Acquire(ctx, "shared", time.Minute); err == nil {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func newRedisLock(t *testing.T) (*lock.Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	svc, err := lock.DialRedis(context.Background(), srv.Addr(), "", 0, "fundmgr-test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, srv
}

func TestRedisAcquireRelease(t *testing.T) {
	ctx := context.Background()
	svc, srv := newRedisLock(t)

	token, err := svc.Acquire(ctx, "lightning-disbursement", 5*time.Second)
	require.NoError(t, err)
	owner, err := srv.Get("fundmgr-test:lightning-disbursement")
	require.NoError(t, err)
	require.Equal(t, token.Owner, owner)
	require.Equal(t, 5*time.Second, srv.TTL("fundmgr-test:lightning-disbursement"))

	_, err = svc.Acquire(ctx, "lightning-disbursement", 5*time.Second)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	forged := *token
	forged.Owner = "someone-else"
	require.ErrorIs(t, svc.Release(ctx, &forged), lock.ErrNotHeld)
	require.True(t, srv.Exists("fundmgr-test:lightning-disbursement"), "a foreign owner must not delete the key")

	require.NoError(t, svc.Release(ctx, token))
	require.False(t, srv.Exists("fundmgr-test:lightning-disbursement"))
	require.ErrorIs(t, svc.Release(ctx, token), lock.ErrNotHeld)
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	svc, srv := newRedisLock(t)

	stale, err := svc.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	srv.FastForward(2 * time.Second)

	fresh, err := svc.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, svc.Release(ctx, stale), lock.ErrNotHeld, "expired holder must not release the new owner")
	require.NoError(t, svc.Release(ctx, fresh))
}

func TestRedisSingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRedisLock(t)
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := svc.Acquire(ctx, "shared", time.Minute); err == nil {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestDialRedisFailsFast(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	_, err := lock.DialRedis(context.Background(), addr, "", 0, "")
	require.Error(t, err)
}
