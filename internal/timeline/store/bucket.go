package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/aristath/timeline/internal/timeline/errs"
	"github.com/aristath/timeline/internal/timeline/granularity"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BucketStore manages the per-granularity bucketed_price[g] derived table.
// spec.md §6 treats the bucketing primitive as an external collaborator
// ("the engine calls an opaque refresh_bucketing(g) procedure"); this is
// the concrete stand-in needed to have a runnable, testable store, kept
// deliberately simple (last raw price observed in each bucket window).
type BucketStore struct {
	batchSize int
}

// NewBucketStore returns a BucketStore with the given prefetch batch size.
func NewBucketStore(batchSize int) *BucketStore {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &BucketStore{batchSize: batchSize}
}

// EnsureTable creates the bucketed_price table for g if it doesn't exist.
func (b *BucketStore) EnsureTable(ctx context.Context, db Querier, g granularity.Granularity) error {
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		product_id TEXT NOT NULL,
		t          INTEGER NOT NULL,
		price      TEXT NOT NULL,
		PRIMARY KEY (product_id, t)
	) STRICT`, bucketTable(g.Suffix)))
	if err != nil {
		return &errs.StoreUnavailableError{Message: "create bucket table " + g.Suffix, Err: err}
	}
	return nil
}

// RefreshBucketing recomputes bucketed_price[g] rows from raw price_update:
// for every bucket window across the whole price_update table, the
// representative price is the last raw price observed in that window.
// Idempotent: an existing bucket row is overwritten with the recomputed
// price (ON CONFLICT DO UPDATE).
func (b *BucketStore) RefreshBucketing(ctx context.Context, tx *sql.Tx, g granularity.Granularity) error {
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	intervalMicros := g.Interval.Microseconds()
	if intervalMicros <= 0 {
		return &errs.SchemaMismatchError{Message: fmt.Sprintf("granularity %s has non-positive interval", g.Suffix)}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (product_id, t, price)
		SELECT product_id,
		       (t / ?) * ? AS bucket_start,
		       price
		FROM price_update p1
		WHERE t = (
			SELECT MAX(p2.t) FROM price_update p2
			WHERE p2.product_id = p1.product_id
			  AND (p2.t / ?) * ? = (p1.t / ?) * ?
		)
		ON CONFLICT (product_id, t) DO UPDATE SET price = excluded.price
	`, bucketTable(g.Suffix))

	_, err := tx.ExecContext(ctx, query, intervalMicros, intervalMicros, intervalMicros, intervalMicros, intervalMicros, intervalMicros)
	if err != nil {
		return &errs.StoreUnavailableError{Message: "refresh bucketing " + g.Suffix, Err: err}
	}
	return nil
}

// StreamBucketedPricesForProductAfter yields bucketed prices for one
// product with t > after, in ascending t order.
func (b *BucketStore) StreamBucketedPricesForProductAfter(ctx context.Context, db Querier, g granularity.Granularity, productID uuid.UUID, after time.Time) iter.Seq2[domain.PriceUpdate, error] {
	return b.stream(ctx, db, g, `WHERE product_id = ? AND t > ?`, []any{productID.String(), after.UnixMicro()})
}

// StreamBucketedPricesAfter yields bucketed prices across all products with
// t > after, in ascending t order — used by the global refresh() pass.
func (b *BucketStore) StreamBucketedPricesAfter(ctx context.Context, db Querier, g granularity.Granularity, after time.Time) iter.Seq2[domain.PriceUpdate, error] {
	return b.stream(ctx, db, g, `WHERE t > ?`, []any{after.UnixMicro()})
}

func (b *BucketStore) stream(ctx context.Context, db Querier, g granularity.Granularity, whereClause string, args []any) iter.Seq2[domain.PriceUpdate, error] {
	if err := checkSuffix(g.Suffix); err != nil {
		return func(yield func(domain.PriceUpdate, error) bool) { yield(domain.PriceUpdate{}, err) }
	}
	table := bucketTable(g.Suffix)

	return func(yield func(domain.PriceUpdate, error) bool) {
		var lastT int64 = -1 << 62
		var lastProduct string

		for {
			queryArgs := append(append([]any{}, args...), lastT, lastT, lastProduct)
			query := fmt.Sprintf(`SELECT product_id, t, price FROM %s %s AND (t > ? OR (t = ? AND product_id > ?))
				ORDER BY t ASC, product_id ASC LIMIT ?`, table, whereClause)
			queryArgs = append(queryArgs, b.batchSize)

			rows, err := db.QueryContext(ctx, query, queryArgs...)
			if err != nil {
				yield(domain.PriceUpdate{}, &errs.StoreUnavailableError{Message: "query bucketed price", Err: err})
				return
			}

			count := 0
			for rows.Next() {
				count++
				var productID, priceS string
				var t int64
				if err := rows.Scan(&productID, &t, &priceS); err != nil {
					rows.Close()
					yield(domain.PriceUpdate{}, &errs.StoreUnavailableError{Message: "scan bucketed price", Err: err})
					return
				}
				pu := domain.PriceUpdate{T: time.UnixMicro(t)}
				pu.ProductID, err = uuid.Parse(productID)
				if err != nil {
					rows.Close()
					yield(domain.PriceUpdate{}, err)
					return
				}
				pu.Price, err = decimal.NewFromString(priceS)
				if err != nil {
					rows.Close()
					yield(domain.PriceUpdate{}, err)
					return
				}
				lastT, lastProduct = t, productID
				if !yield(pu, nil) {
					rows.Close()
					return
				}
			}
			if err := rows.Close(); err != nil {
				yield(domain.PriceUpdate{}, &errs.StoreUnavailableError{Message: "close cursor", Err: err})
				return
			}
			if count < b.batchSize {
				return
			}
		}
	}
}

// LatestPerProduct returns the latest bucketed price for every product that
// has one — the global seed_price_updates refresh() needs.
func (b *BucketStore) LatestPerProduct(ctx context.Context, db Querier, g granularity.Granularity) ([]domain.PriceUpdate, error) {
	if err := checkSuffix(g.Suffix); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT product_id, t, price FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY product_id ORDER BY t DESC) AS rn
			FROM %s
		) ranked WHERE rn = 1`, bucketTable(g.Suffix))

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, &errs.StoreUnavailableError{Message: "query latest bucketed price per product", Err: err}
	}
	defer rows.Close()

	var out []domain.PriceUpdate
	for rows.Next() {
		var productID, priceS string
		var t int64
		if err := rows.Scan(&productID, &t, &priceS); err != nil {
			return nil, &errs.StoreUnavailableError{Message: "scan latest bucketed price", Err: err}
		}
		pu := domain.PriceUpdate{T: time.UnixMicro(t)}
		if pu.ProductID, err = uuid.Parse(productID); err != nil {
			return nil, err
		}
		if pu.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, err
		}
		out = append(out, pu)
	}
	return out, rows.Err()
}

// LatestBucketedPriceAtOrBefore returns the most recent bucketed price for
// product at or before t, used to seed seed_price[p] for a scoped query.
func (b *BucketStore) LatestBucketedPriceAtOrBefore(ctx context.Context, db Querier, g granularity.Granularity, productID uuid.UUID, t time.Time) (domain.PriceUpdate, bool, error) {
	if err := checkSuffix(g.Suffix); err != nil {
		return domain.PriceUpdate{}, false, err
	}
	query := fmt.Sprintf(`SELECT t, price FROM %s WHERE product_id = ? AND t <= ? ORDER BY t DESC LIMIT 1`, bucketTable(g.Suffix))

	var tRaw int64
	var priceS string
	err := db.QueryRowContext(ctx, query, productID.String(), t.UnixMicro()).Scan(&tRaw, &priceS)
	if err == sql.ErrNoRows {
		return domain.PriceUpdate{}, false, nil
	}
	if err != nil {
		return domain.PriceUpdate{}, false, &errs.StoreUnavailableError{Message: "latest bucketed price", Err: err}
	}
	price, err := decimal.NewFromString(priceS)
	if err != nil {
		return domain.PriceUpdate{}, false, err
	}
	return domain.PriceUpdate{ProductID: productID, T: time.UnixMicro(tRaw), Price: price}, true, nil
}

// LatestRawPriceAfter streams raw (unbucketed) price updates for product
// strictly after t, used by include_realtime splicing of ad-hoc entries
// newer than the newest bucket edge.
func LatestRawPriceAfter(ctx context.Context, db Querier, productID uuid.UUID, after time.Time) ([]domain.PriceUpdate, error) {
	rows, err := db.QueryContext(ctx, `SELECT t, price FROM price_update WHERE product_id = ? AND t > ? ORDER BY t ASC`,
		productID.String(), after.UnixMicro())
	if err != nil {
		return nil, &errs.StoreUnavailableError{Message: "query raw prices", Err: err}
	}
	defer rows.Close()

	var out []domain.PriceUpdate
	for rows.Next() {
		var t int64
		var priceS string
		if err := rows.Scan(&t, &priceS); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceS)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.PriceUpdate{ProductID: productID, T: time.UnixMicro(t), Price: price})
	}
	return out, rows.Err()
}
