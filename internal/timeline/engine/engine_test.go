package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aristath/timeline/internal/database"
	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/aristath/timeline/internal/timeline/engine"
	"github.com/aristath/timeline/internal/timeline/granularity"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, gs []granularity.Granularity) *engine.Engine {
	t.Helper()
	db, err := database.New(database.Config{
		Path: fmt.Sprintf("%s/timeline.db", t.TempDir()),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	e, err := engine.New(db, gs, 100, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func domainPriceUpdate(productID uuid.UUID, t time.Time, price string) domain.PriceUpdate {
	return domain.PriceUpdate{ProductID: productID, T: t, Price: d(price)}
}

func buyInput(id uuid.UUID, userID, productID uuid.UUID, t time.Time, units, price string) engine.CashflowInput {
	return engine.CashflowInput{
		ID: id, UserID: userID, ProductID: productID, T: t,
		UnitsDelta: dp(units),
		ExecPrice:  dp(price),
		Fees:       dp("0"),
	}
}

func TestAppendCashflowsAndQueryUserProductTimeline(t *testing.T) {
	gs := []granularity.Granularity{{Suffix: "1d", Interval: 24 * time.Hour, CacheRetention: granularity.Infinite}}
	e := newTestEngine(t, gs)
	ctx := context.Background()

	userID, productID := uuid.New(), uuid.New()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	require.NoError(t, e.AppendPriceUpdates(ctx, []domain.PriceUpdate{domainPriceUpdate(productID, t0, "10")}))
	require.NoError(t, e.AppendPriceUpdates(ctx, []domain.PriceUpdate{domainPriceUpdate(productID, t1, "12")}))

	require.NoError(t, e.AppendCashflows(ctx, []engine.CashflowInput{
		buyInput(uuid.New(), userID, productID, t0, "5", "10"),
	}))
	require.NoError(t, e.Refresh(ctx))

	entries, err := e.QueryUserProductTimeline(ctx, userID, productID, gs[0])
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.True(t, last.Units.Equal(d("5")))
}

func TestAppendCashflowsOutOfOrderRepairsCache(t *testing.T) {
	gs := []granularity.Granularity{{Suffix: "1d", Interval: 24 * time.Hour, CacheRetention: granularity.Infinite}}
	e := newTestEngine(t, gs)
	ctx := context.Background()

	userID, productID := uuid.New(), uuid.New()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)
	t2 := t0.Add(48 * time.Hour)

	require.NoError(t, e.AppendPriceUpdates(ctx, []domain.PriceUpdate{domainPriceUpdate(productID, t0, "10")}))
	require.NoError(t, e.AppendPriceUpdates(ctx, []domain.PriceUpdate{domainPriceUpdate(productID, t2, "15")}))

	require.NoError(t, e.AppendCashflows(ctx, []engine.CashflowInput{
		buyInput(uuid.New(), userID, productID, t0, "5", "10"),
	}))
	require.NoError(t, e.AppendCashflows(ctx, []engine.CashflowInput{
		buyInput(uuid.New(), userID, productID, t2, "5", "15"),
	}))
	require.NoError(t, e.Refresh(ctx))

	before, err := e.QueryUserProductTimeline(ctx, userID, productID, gs[0])
	require.NoError(t, err)
	require.NotEmpty(t, before)

	// out-of-order insert between the two existing cashflows must invalidate
	// and repair everything at-or-after t1
	require.NoError(t, e.AppendCashflows(ctx, []engine.CashflowInput{
		buyInput(uuid.New(), userID, productID, t1, "3", "11"),
	}))

	after, err := e.QueryUserProductTimeline(ctx, userID, productID, gs[0])
	require.NoError(t, err)
	require.Len(t, after, 3)
	require.True(t, after[0].T.Equal(t0))
	require.True(t, after[1].T.Equal(t1))
	require.True(t, after[2].T.Equal(t2))
	require.True(t, after[2].Units.Equal(d("13")))
}

func TestRetentionGCKeepsLatestRowPerKey(t *testing.T) {
	gs := []granularity.Granularity{{Suffix: "15min", Interval: 15 * time.Minute, CacheRetention: time.Hour}}
	e := newTestEngine(t, gs)
	ctx := context.Background()

	userID, productID := uuid.New(), uuid.New()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, e.AppendPriceUpdates(ctx, []domain.PriceUpdate{domainPriceUpdate(productID, old, "10")}))
	require.NoError(t, e.AppendCashflows(ctx, []engine.CashflowInput{
		buyInput(uuid.New(), userID, productID, old, "1", "10"),
	}))
	require.NoError(t, e.Refresh(ctx))
	require.NoError(t, e.RetentionGC(ctx))

	entries, err := e.QueryUserProductTimeline(ctx, userID, productID, gs[0])
	require.NoError(t, err)
	require.NotEmpty(t, entries, "the only row for a key must survive retention GC even if stale")
}

func TestRefreshIsIdempotent(t *testing.T) {
	gs := []granularity.Granularity{{Suffix: "1d", Interval: 24 * time.Hour, CacheRetention: granularity.Infinite}}
	e := newTestEngine(t, gs)
	ctx := context.Background()

	userID, productID := uuid.New(), uuid.New()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, e.AppendPriceUpdates(ctx, []domain.PriceUpdate{domainPriceUpdate(productID, t0, "10")}))
	require.NoError(t, e.AppendCashflows(ctx, []engine.CashflowInput{
		buyInput(uuid.New(), userID, productID, t0, "5", "10"),
	}))
	require.NoError(t, e.Refresh(ctx))

	first, err := e.QueryUserTimeline(ctx, userID, gs[0])
	require.NoError(t, err)

	require.NoError(t, e.Refresh(ctx))
	second, err := e.QueryUserTimeline(ctx, userID, gs[0])
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	if len(first) > 0 {
		require.True(t, first[len(first)-1].MarketValue.Equal(second[len(second)-1].MarketValue))
	}
}
