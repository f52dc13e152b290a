package quota_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"fundmgr/quota"
)

func TestWindowResetsOnPeriodBoundary(t *testing.T) {
	w, err := quota.NewWindow(60000*time.Millisecond, big.NewInt(1000))
	require.NoError(t, err)

	start := time.UnixMilli(60000 * 28_000_000)
	require.True(t, w.Reserve(big.NewInt(600), start))
	require.False(t, w.Reserve(big.NewInt(500), start.Add(10*time.Second)))
	require.Equal(t, "600", w.Cumulative.String())

	next := start.Add(60 * time.Second)
	require.True(t, w.Reserve(big.NewInt(500), next))
	require.Equal(t, "500", w.Cumulative.String())
	require.Equal(t, w.Index(next), w.PeriodIndex)
}

func TestWindowExactCapAndRefund(t *testing.T) {
	w, err := quota.NewWindow(time.Minute, big.NewInt(1000))
	require.NoError(t, err)
	now := time.UnixMilli(1_700_000_000_000)

	require.True(t, w.Reserve(big.NewInt(1000), now))
	require.Equal(t, "0", w.Remaining(now).String())
	require.False(t, w.Reserve(big.NewInt(1), now))

	w.Refund(big.NewInt(400), now)
	require.Equal(t, "400", w.Remaining(now).String())

	w.Refund(big.NewInt(400), now.Add(-2*time.Minute))
	require.Equal(t, "600", w.Cumulative.String(), "refunds from another period are ignored")

	require.Equal(t, "1000", w.Remaining(now.Add(time.Hour)).String())
}

func TestWindowRejectsNonPositive(t *testing.T) {
	w, err := quota.NewWindow(time.Minute, big.NewInt(10))
	require.NoError(t, err)
	require.False(t, w.Reserve(big.NewInt(0), time.Now()))
	require.False(t, w.Reserve(nil, time.Now()))

	_, err = quota.NewWindow(0, big.NewInt(10))
	require.ErrorIs(t, err, quota.ErrInvalidWindow)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemory()
	_, err := store.Load(ctx, "lightning")
	require.ErrorIs(t, err, quota.ErrNotConfigured)

	require.NoError(t, store.Ensure(ctx, "lightning", time.Minute, big.NewInt(1000)))
	w, err := store.Load(ctx, "lightning")
	require.NoError(t, err)
	require.True(t, w.Reserve(big.NewInt(300), time.Now()))

	reloaded, err := store.Load(ctx, "lightning")
	require.NoError(t, err)
	require.Equal(t, "0", reloaded.Cumulative.String(), "loaded windows are copies")

	require.NoError(t, store.Save(ctx, "lightning", w))
	require.NoError(t, store.Ensure(ctx, "lightning", time.Minute, big.NewInt(2000)))
	reloaded, err = store.Load(ctx, "lightning")
	require.NoError(t, err)
	require.Equal(t, "300", reloaded.Cumulative.String())
	require.Equal(t, "2000", reloaded.Cap.String())
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestGormStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := quota.NewGormStore(setupDB(t))
	require.NoError(t, err)

	_, err = store.Load(ctx, "lightning")
	require.ErrorIs(t, err, quota.ErrNotConfigured)

	require.NoError(t, store.Ensure(ctx, "lightning", time.Minute, big.NewInt(1000)))
	w, err := store.Load(ctx, "lightning")
	require.NoError(t, err)
	require.Equal(t, time.Minute, w.PeriodLength)

	now := time.UnixMilli(1_700_000_000_000)
	require.True(t, w.Reserve(big.NewInt(600), now))
	require.NoError(t, store.Save(ctx, "lightning", w))

	loaded, err := store.Load(ctx, "lightning")
	require.NoError(t, err)
	require.False(t, loaded.Reserve(big.NewInt(500), now))
	require.Equal(t, "600", loaded.Cumulative.String())
	require.Equal(t, w.PeriodIndex, loaded.PeriodIndex)

	require.NoError(t, store.Ensure(ctx, "lightning", time.Minute, big.NewInt(5000)))
	loaded, err = store.Load(ctx, "lightning")
	require.NoError(t, err)
	require.Equal(t, "600", loaded.Cumulative.String())
	require.Equal(t, "5000", loaded.Cap.String())
}
