// Package engine implements the five materialization operations (§4.E):
// append_price_updates, append_cashflows (with out-of-order repair),
// refresh (global incremental materialization), and the two scoped
// queries, plus the retention GC sweep. It is the only component that
// knows how the store and fold packages compose.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/aristath/timeline/internal/database"
	"github.com/aristath/timeline/internal/timeline/derive"
	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/aristath/timeline/internal/timeline/fold"
	"github.com/aristath/timeline/internal/timeline/granularity"
	"github.com/aristath/timeline/internal/timeline/iterutil"
	"github.com/aristath/timeline/internal/timeline/store"
	"github.com/aristath/timeline/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// farFuture stands in for the store contract's "Infinity" bound (§6): SQLite
// has no timestamptz infinity literal, so an upper bound this far out is the
// practical substitute for "no upper bound".
var farFuture = time.UnixMicro(1<<62 - 1)

// Publisher receives freshly materialized rows as repairUserProductTimeline,
// repairUserTimeline, and refresh write them — the engine's side channel for
// an observability surface like a streaming API, entirely optional.
type Publisher interface {
	PublishUserEntries([]domain.UserEntry)
	PublishUserProductEntries([]domain.UserProductEntry)
}

// Engine is the materialization and repair engine for one store. It holds
// no per-request state beyond an optional Publisher; every operation is
// parameterized by its arguments and runs inside its own transaction (§5:
// "the transaction is the serialization point").
type Engine struct {
	db            *sql.DB
	raw           *store.RawStore
	bucket        *store.BucketStore
	ccfCache      *store.CumulativeCache
	uptCache      *store.UPTCache
	utCache       *store.UTCache
	granularities []granularity.Granularity
	log           zerolog.Logger
	publisher     Publisher
}

// SetPublisher registers p to receive freshly materialized rows. Safe to
// call once at startup, before the engine takes any traffic.
func (e *Engine) SetPublisher(p Publisher) { e.publisher = p }

func (e *Engine) publish(upts []domain.UserProductEntry, uts []domain.UserEntry) {
	if e.publisher == nil {
		return
	}
	if len(upts) > 0 {
		e.publisher.PublishUserProductEntries(upts)
	}
	if len(uts) > 0 {
		e.publisher.PublishUserEntries(uts)
	}
}

// New constructs an Engine and ensures every granularity's derived tables
// exist.
func New(db *database.DB, granularities []granularity.Granularity, batchSize int, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		db:            db.Conn(),
		raw:           store.NewRawStore(batchSize),
		bucket:        store.NewBucketStore(batchSize),
		ccfCache:      store.NewCumulativeCache(batchSize),
		uptCache:      store.NewUPTCache(batchSize),
		utCache:       store.NewUTCache(batchSize),
		granularities: granularities,
		log:           log.With().Str("component", "engine").Logger(),
	}

	for _, g := range granularities {
		if err := e.bucket.EnsureTable(context.Background(), e.db, g); err != nil {
			return nil, err
		}
		if err := e.uptCache.EnsureTable(context.Background(), e.db, g); err != nil {
			return nil, err
		}
		if err := e.utCache.EnsureTable(context.Background(), e.db, g); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// CashflowInput is a partially-specified cashflow: exactly like
// derive.Partial, plus the identity fields every cashflow carries. Any
// sufficient subset of the five money/unit fields may be supplied; the rest
// are derived before the cashflow is appended.
type CashflowInput struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ProductID uuid.UUID
	T         time.Time

	UnitsDelta *decimal.Decimal
	ExecPrice  *decimal.Decimal
	ExecMoney  *decimal.Decimal
	UserMoney  *decimal.Decimal
	Fees       *decimal.Decimal
}

func beforeMicro(t time.Time) time.Time { return time.UnixMicro(t.UnixMicro() - 1) }

// drain2 collects an iter.Seq2[T, error] into a slice, stopping at the first
// error.
func drain2[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	var ferr error
	seq(func(v T, err error) bool {
		if err != nil {
			ferr = err
			return false
		}
		out = append(out, v)
		return true
	})
	return out, ferr
}

// AppendPriceUpdates bulk-appends raw price updates (§4.E.1). Bucketing is
// refreshed lazily by Refresh and AppendCashflows, not here — a burst of
// price updates does not itself require any cache repair.
func (e *Engine) AppendPriceUpdates(ctx context.Context, pus []domain.PriceUpdate) error {
	if len(pus) == 0 {
		return nil
	}
	return database.WithTransaction(e.db, func(tx *sql.Tx) error {
		return e.raw.InsertPriceUpdates(ctx, tx, pus)
	})
}

// AppendCashflows derives, validates, and appends cashflows, repairing every
// downstream cache layer for the affected (user, product) pairs and users
// (§4.E.2): invalidate the affected suffix, insert, then recompute exactly
// the repaired range for each fold layer, for each granularity.
func (e *Engine) AppendCashflows(ctx context.Context, inputs []CashflowInput) error {
	if len(inputs) == 0 {
		return nil
	}
	defer utils.OperationTimer("append_cashflows", e.log)()

	cfs := make([]domain.Cashflow, 0, len(inputs))
	for _, in := range inputs {
		derived, err := derive.Derive(derive.Partial{
			UnitsDelta: in.UnitsDelta,
			ExecPrice:  in.ExecPrice,
			ExecMoney:  in.ExecMoney,
			UserMoney:  in.UserMoney,
			Fees:       in.Fees,
		})
		if err != nil {
			return fmt.Errorf("cashflow %s: %w", in.ID, err)
		}
		cfs = append(cfs, derived.ApplyTo(domain.Cashflow{ID: in.ID, UserID: in.UserID, ProductID: in.ProductID, T: in.T}))
	}

	return database.WithTransaction(e.db, func(tx *sql.Tx) error {
		return e.appendCashflows(ctx, tx, cfs)
	})
}

func (e *Engine) appendCashflows(ctx context.Context, tx *sql.Tx, cfs []domain.Cashflow) error {
	minPairs := store.MinTimestampsByPair(cfs)
	minUsers := store.MinTimestampsByUser(cfs)

	for _, g := range e.granularities {
		if err := e.bucket.RefreshBucketing(ctx, tx, g); err != nil {
			return err
		}
	}

	pairs := make([]store.PairKey, 0, len(minPairs))
	for key, t := range minPairs {
		pairs = append(pairs, store.PairKey{UserID: key[0], ProductID: key[1]})
		if err := e.ccfCache.DeleteAtOrAfter(ctx, tx, key[0], key[1], t); err != nil {
			return err
		}
		for _, g := range e.granularities {
			if err := e.uptCache.DeleteAtOrAfter(ctx, tx, g, key[0], key[1], t); err != nil {
				return err
			}
		}
	}
	for userID, t := range minUsers {
		for _, g := range e.granularities {
			if err := e.utCache.DeleteAtOrAfter(ctx, tx, g, userID, t); err != nil {
				return err
			}
		}
	}

	if err := e.raw.InsertCashflows(ctx, tx, cfs); err != nil {
		return err
	}

	sortedCumulative, err := e.repairCumulative(ctx, tx, pairs, minPairs)
	if err != nil {
		return err
	}

	for _, g := range e.granularities {
		upts, err := e.repairUserProductTimeline(ctx, tx, g, pairs, minPairs, sortedCumulative)
		if err != nil {
			return err
		}
		if err := e.repairUserTimeline(ctx, tx, g, minUsers, upts); err != nil {
			return err
		}
	}

	return e.retentionSweep(ctx, tx, time.Now())
}

// repairCumulative recomputes the C.1 layer for every affected pair,
// bounded above by the post-invalidation cache watermark — mirrors
// original_source's "WHERE cf.timestamp <= COALESCE(MAX(timestamp),
// Infinity) FROM cumulative_cashflow_cache" bound.
func (e *Engine) repairCumulative(ctx context.Context, tx *sql.Tx, pairs []store.PairKey, minPairs map[[2]uuid.UUID]time.Time) ([]domain.CumulativeCashflow, error) {
	seedRows, err := e.ccfCache.LatestForPairs(ctx, tx, pairs)
	if err != nil {
		return nil, err
	}
	seed := fold.NewCumulativeSeed()
	for _, row := range seedRows {
		seed.Set(row)
	}

	bound, ok, err := e.ccfCache.Watermark(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !ok {
		bound = farFuture
	}

	streams := make([]iter.Seq[domain.Cashflow], 0, len(pairs))
	for key, minT := range minPairs {
		all, err := drain2(e.raw.StreamCashflowsForPairAfter(ctx, tx, key[0], key[1], beforeMicro(minT)))
		if err != nil {
			return nil, err
		}
		bounded := make([]domain.Cashflow, 0, len(all))
		for _, cf := range all {
			if cf.T.After(bound) {
				break
			}
			bounded = append(bounded, cf)
		}
		streams = append(streams, iterutil.FromSlice(bounded))
	}

	sorted := iterutil.Collect(fold.CumulativeCashflows(iterutil.MergeSorted(streams...), seed))
	if err := e.insertCumulativeChunked(ctx, tx, sorted); err != nil {
		return nil, err
	}
	return sorted, nil
}

// repairUserProductTimeline recomputes the C.2 layer for granularity g over
// the affected products, re-feeding the full repaired cumulative-cashflow
// sequence (idempotent via conflict-ignore) alongside this granularity's
// bucketed prices since each product's earliest affected timestamp.
func (e *Engine) repairUserProductTimeline(ctx context.Context, tx *sql.Tx, g granularity.Granularity, pairs []store.PairKey, minPairs map[[2]uuid.UUID]time.Time, sortedCumulative []domain.CumulativeCashflow) ([]domain.UserProductEntry, error) {
	bound, ok, err := e.uptCache.Watermark(ctx, tx, g)
	if err != nil {
		return nil, err
	}
	if !ok {
		bound = farFuture
	}

	minProductTS := make(map[uuid.UUID]time.Time)
	for key, t := range minPairs {
		productID := key[1]
		if cur, seen := minProductTS[productID]; !seen || t.Before(cur) {
			minProductTS[productID] = t
		}
	}

	priceStreams := make([]iter.Seq[domain.PriceUpdate], 0, len(minProductTS))
	for productID, minT := range minProductTS {
		all, err := drain2(e.bucket.StreamBucketedPricesForProductAfter(ctx, tx, g, productID, beforeMicro(minT)))
		if err != nil {
			return nil, err
		}
		bounded := make([]domain.PriceUpdate, 0, len(all))
		for _, pu := range all {
			if pu.T.After(bound) {
				break
			}
			bounded = append(bounded, pu)
		}
		priceStreams = append(priceStreams, iterutil.FromSlice(bounded))
	}

	seedRows, err := e.ccfCache.LatestForPairs(ctx, tx, pairs)
	if err != nil {
		return nil, err
	}
	seedByProduct := fold.NewCumulativeByProductSeedFrom(seedRows)

	seedPrice := fold.NewPriceSeed()
	for productID, minT := range minProductTS {
		pu, ok, err := e.bucket.LatestBucketedPriceAtOrBefore(ctx, tx, g, productID, beforeMicro(minT))
		if err != nil {
			return nil, err
		}
		if ok {
			seedPrice[productID] = pu
		}
	}

	events := fold.MergeCumulativeAndPrice(iterutil.FromSlice(sortedCumulative), iterutil.MergeSorted(priceStreams...))
	upts := iterutil.Collect(fold.UserProductTimeline(events, seedByProduct, seedPrice))
	if err := e.insertUPTChunked(ctx, tx, g, upts); err != nil {
		return nil, err
	}
	e.publish(upts, nil)
	return upts, nil
}

// repairUserTimeline recomputes the C.3 layer for granularity g. Per
// original_source, the fan-in for this step is every cached UPT row for an
// affected user at or after the minimum affected timestamp across all
// affected users — not just the rows repairUserProductTimeline just
// produced, since an unaffected product can still need to be re-summed.
func (e *Engine) repairUserTimeline(ctx context.Context, tx *sql.Tx, g granularity.Granularity, minUsers map[uuid.UUID]time.Time, _ []domain.UserProductEntry) error {
	if len(minUsers) == 0 {
		return nil
	}
	minAffected := farFuture
	users := make([]uuid.UUID, 0, len(minUsers))
	for userID, t := range minUsers {
		users = append(users, userID)
		if t.Before(minAffected) {
			minAffected = t
		}
	}

	seedUPT := fold.NewUPTSeed()
	for _, userID := range users {
		rows, err := e.uptCache.LatestForUser(ctx, tx, g, userID, beforeMicro(minAffected))
		if err != nil {
			return err
		}
		for _, row := range rows {
			seedUPT.Set(row)
		}
	}
	totals := fold.BuildRunningTotals(seedUPT)

	fresh, err := e.uptCache.StreamForUsersAtOrAfter(ctx, tx, g, users, minAffected)
	if err != nil {
		return err
	}

	entries := fold.UserTimeline(iterutil.FromSlice(fresh), seedUPT, totals)
	if err := e.insertUTChunked(ctx, tx, g, entries); err != nil {
		return err
	}
	e.publish(nil, entries)
	return nil
}

// Refresh performs the global incremental materialization pass (§4.E.3):
// every cashflow and price update since the last watermark, for every
// granularity, folded forward from the persisted seed state.
func (e *Engine) Refresh(ctx context.Context) error {
	defer utils.OperationTimer("refresh", e.log)()
	return database.WithTransaction(e.db, func(tx *sql.Tx) error {
		return e.refresh(ctx, tx)
	})
}

func (e *Engine) refresh(ctx context.Context, tx *sql.Tx) error {
	seedRows, watermark, err := e.ccfCache.LatestPerPair(ctx, tx)
	if err != nil {
		return err
	}
	seed := fold.NewCumulativeSeed()
	for _, row := range seedRows {
		seed.Set(row)
	}

	cfs, err := drain2(e.raw.StreamAllCashflowsAfter(ctx, tx, watermark))
	if err != nil {
		return err
	}
	sortedCumulative := iterutil.Collect(fold.CumulativeCashflows(iterutil.FromSlice(cfs), seed))
	if err := e.insertCumulativeChunked(ctx, tx, sortedCumulative); err != nil {
		return err
	}

	for _, g := range e.granularities {
		if err := e.bucket.RefreshBucketing(ctx, tx, g); err != nil {
			return err
		}

		seedPriceRows, err := e.bucket.LatestPerProduct(ctx, tx, g)
		if err != nil {
			return err
		}
		seedPrice := fold.NewPriceSeed()
		for _, pu := range seedPriceRows {
			seedPrice[pu.ProductID] = pu
		}

		wmUPT, ok, err := e.uptCache.Watermark(ctx, tx, g)
		if err != nil {
			return err
		}
		if !ok {
			wmUPT = time.Time{}
		}
		freshPrices, err := drain2(e.bucket.StreamBucketedPricesAfter(ctx, tx, g, wmUPT))
		if err != nil {
			return err
		}

		seedByProduct := fold.NewCumulativeByProductSeedFrom(seedRows)
		events := fold.MergeCumulativeAndPrice(iterutil.FromSlice(sortedCumulative), iterutil.FromSlice(freshPrices))
		upts := iterutil.Collect(fold.UserProductTimeline(events, seedByProduct, seedPrice))
		if err := e.insertUPTChunked(ctx, tx, g, upts); err != nil {
			return err
		}

		wmUT, ok, err := e.utCache.Watermark(ctx, tx, g)
		if err != nil {
			return err
		}
		var bound *time.Time
		if ok {
			bound = &wmUT
		}
		seedUPTRows, err := e.uptCache.LatestPerPair(ctx, tx, g, bound)
		if err != nil {
			return err
		}
		seedUPT := fold.NewUPTSeed()
		for _, row := range seedUPTRows {
			seedUPT.Set(row)
		}
		totals := fold.BuildRunningTotals(seedUPT)

		entries := fold.UserTimeline(iterutil.FromSlice(upts), seedUPT, totals)
		if err := e.insertUTChunked(ctx, tx, g, entries); err != nil {
			return err
		}
		e.publish(upts, entries)
	}
	return nil
}

// QueryUserProductTimeline returns the full (user, product) timeline at
// granularity g: every cached entry, plus freshly computed entries for
// anything since the cache watermark, optionally spliced with raw
// (unbucketed) prices newer than the newest bucket edge when g requires it
// (§4.E.4).
func (e *Engine) QueryUserProductTimeline(ctx context.Context, userID, productID uuid.UUID, g granularity.Granularity) ([]domain.UserProductEntry, error) {
	var result []domain.UserProductEntry
	err := database.WithTransaction(e.db, func(tx *sql.Tx) error {
		cached, err := e.uptCache.StreamForPair(ctx, tx, g, userID, productID)
		if err != nil {
			return err
		}
		watermark := time.Time{}
		if len(cached) > 0 {
			watermark = cached[len(cached)-1].T
		}

		ccf, haveCCF, err := e.ccfCache.LatestForPair(ctx, tx, userID, productID, watermark)
		if err != nil {
			return err
		}
		seedForCCF := fold.NewCumulativeSeed()
		var seedForUPT fold.CumulativeByProductSeed
		if haveCCF {
			seedForCCF.Set(ccf)
			seedForUPT = fold.NewCumulativeByProductSeedFrom([]domain.CumulativeCashflow{ccf})
		} else {
			seedForUPT = fold.NewCumulativeByProductSeed()
		}

		freshCfs, err := drain2(e.raw.StreamCashflowsForPairAfter(ctx, tx, userID, productID, watermark))
		if err != nil {
			return err
		}
		sortedCumulative := iterutil.Collect(fold.CumulativeCashflows(iterutil.FromSlice(freshCfs), seedForCCF))

		seedPrice := fold.NewPriceSeed()
		if pu, ok, err := e.bucket.LatestBucketedPriceAtOrBefore(ctx, tx, g, productID, watermark); err != nil {
			return err
		} else if ok {
			seedPrice[productID] = pu
		}

		freshPrices, err := drain2(e.bucket.StreamBucketedPricesForProductAfter(ctx, tx, g, productID, watermark))
		if err != nil {
			return err
		}

		events := fold.MergeCumulativeAndPrice(iterutil.FromSlice(sortedCumulative), iterutil.FromSlice(freshPrices))
		fresh := iterutil.Collect(fold.UserProductTimeline(events, seedForUPT, seedPrice))

		if g.IncludeRealtime {
			edge := watermark
			if len(freshPrices) > 0 {
				edge = freshPrices[len(freshPrices)-1].T
			}
			extraPrices, err := store.LatestRawPriceAfter(ctx, tx, productID, edge)
			if err != nil {
				return err
			}
			if len(extraPrices) > 0 {
				extraEvents := fold.MergeCumulativeAndPrice(iterutil.FromSlice[domain.CumulativeCashflow](nil), iterutil.FromSlice(extraPrices))
				fresh = append(fresh, iterutil.Collect(fold.UserProductTimeline(extraEvents, seedForUPT, seedPrice))...)
			}
		}

		result = append(cached, fresh...)
		return nil
	})
	return result, err
}

// QueryUserTimeline returns the full aggregated per-user timeline at
// granularity g: every cached entry, plus freshly computed entries for
// anything since the cache watermark (§4.E.5).
func (e *Engine) QueryUserTimeline(ctx context.Context, userID uuid.UUID, g granularity.Granularity) ([]domain.UserEntry, error) {
	var result []domain.UserEntry
	err := database.WithTransaction(e.db, func(tx *sql.Tx) error {
		cached, err := e.utCache.StreamForUser(ctx, tx, g, userID)
		if err != nil {
			return err
		}
		watermark := time.Time{}
		if len(cached) > 0 {
			watermark = cached[len(cached)-1].T
		}

		ccfRows, err := e.ccfCache.LatestForUser(ctx, tx, userID, watermark)
		if err != nil {
			return err
		}
		seedForCCF := fold.NewCumulativeSeed()
		for _, row := range ccfRows {
			seedForCCF.Set(row)
		}
		seedForUPT := fold.NewCumulativeByProductSeedFrom(ccfRows)

		freshCfs, err := drain2(e.raw.StreamCashflowsForUserAfter(ctx, tx, userID, watermark))
		if err != nil {
			return err
		}
		sortedCumulative := iterutil.Collect(fold.CumulativeCashflows(iterutil.FromSlice(freshCfs), seedForCCF))

		products := make(map[uuid.UUID]struct{})
		for _, row := range ccfRows {
			products[row.ProductID] = struct{}{}
		}
		for _, row := range sortedCumulative {
			products[row.ProductID] = struct{}{}
		}

		seedPrice := fold.NewPriceSeed()
		priceStreams := make([]iter.Seq[domain.PriceUpdate], 0, len(products))
		for productID := range products {
			if pu, ok, err := e.bucket.LatestBucketedPriceAtOrBefore(ctx, tx, g, productID, watermark); err != nil {
				return err
			} else if ok {
				seedPrice[productID] = pu
			}
			fresh, err := drain2(e.bucket.StreamBucketedPricesForProductAfter(ctx, tx, g, productID, watermark))
			if err != nil {
				return err
			}
			priceStreams = append(priceStreams, iterutil.FromSlice(fresh))
		}

		events := fold.MergeCumulativeAndPrice(iterutil.FromSlice(sortedCumulative), iterutil.MergeSorted(priceStreams...))
		freshUPT := iterutil.Collect(fold.UserProductTimeline(events, seedForUPT, seedPrice))

		seedUPTRows, err := e.uptCache.LatestForUser(ctx, tx, g, userID, watermark)
		if err != nil {
			return err
		}
		seedUPT := fold.NewUPTSeed()
		for _, row := range seedUPTRows {
			seedUPT.Set(row)
		}
		totals := fold.BuildRunningTotals(seedUPT)

		fresh := fold.UserTimeline(iterutil.FromSlice(freshUPT), seedUPT, totals)
		result = append(cached, fresh...)
		return nil
	})
	return result, err
}

// RetentionGC runs the retention sweep across every finite-retention
// granularity, outside of any append/refresh call — the scheduler's
// periodic cleanup pass.
func (e *Engine) RetentionGC(ctx context.Context) error {
	defer utils.OperationTimer("retention_gc", e.log)()
	return database.WithTransaction(e.db, func(tx *sql.Tx) error {
		return e.retentionSweep(ctx, tx, time.Now())
	})
}

func (e *Engine) retentionSweep(ctx context.Context, tx *sql.Tx, now time.Time) error {
	for _, g := range e.granularities {
		if !g.HasFiniteRetention() {
			continue
		}
		cutoff := now.Add(-g.CacheRetention)
		if err := e.uptCache.DeleteRetentionExceptLatest(ctx, tx, g, cutoff); err != nil {
			return err
		}
		if err := e.utCache.DeleteRetentionExceptLatest(ctx, tx, g, cutoff); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) insertCumulativeChunked(ctx context.Context, tx *sql.Tx, rows []domain.CumulativeCashflow) error {
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		if err := e.ccfCache.InsertBatch(ctx, tx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) insertUPTChunked(ctx context.Context, tx *sql.Tx, g granularity.Granularity, rows []domain.UserProductEntry) error {
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		if err := e.uptCache.InsertBatch(ctx, tx, g, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) insertUTChunked(ctx context.Context, tx *sql.Tx, g granularity.Granularity, rows []domain.UserEntry) error {
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		if err := e.utCache.InsertBatch(ctx, tx, g, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

const chunkSize = 10_000
