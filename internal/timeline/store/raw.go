// Package store realizes the external store contract (SPEC_FULL.md
// "DOMAIN STACK") over SQLite: append-only raw price/cashflow tables, a
// per-granularity bucketed-price view, and the three cache tables (§4.D).
// SQLite has no true server-side cursors; every "stream" here is realized
// as keyset-paginated batched reads, the idiomatic SQLite substitute.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"regexp"
	"time"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/aristath/timeline/internal/timeline/errs"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// validSuffix matches granularity suffixes safe to interpolate into table
// names (they are configuration values, not user input, but are validated
// defensively since they are never prepared-statement parameters).
var validSuffix = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func bucketTable(suffix string) string { return "bucketed_price_" + suffix }
func uptCacheTable(suffix string) string { return "user_product_timeline_cache_" + suffix }
func utCacheTable(suffix string) string { return "user_timeline_cache_" + suffix }

func checkSuffix(suffix string) error {
	if !validSuffix.MatchString(suffix) {
		return &errs.SchemaMismatchError{Message: fmt.Sprintf("invalid granularity suffix %q", suffix)}
	}
	return nil
}

const defaultBatchSize = 10_000

// Querier is satisfied by both *sql.DB and *sql.Tx. Read methods accept it
// so a caller mid-transaction (e.g. engine's repair path) can read back its
// own uncommitted writes on the same connection, which a *sql.DB handle
// cannot guarantee under SQLite's single-writer model.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RawStore provides append and cursored-read access to price_update and
// cashflow, the two append-only source-of-truth tables (§6).
type RawStore struct {
	batchSize int
}

// NewRawStore returns a RawStore with the given default batch/prefetch size.
func NewRawStore(batchSize int) *RawStore {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &RawStore{batchSize: batchSize}
}

// InsertPriceUpdates bulk-appends raw price updates, ignoring rows that
// already exist for (product_id, t).
func (s *RawStore) InsertPriceUpdates(ctx context.Context, tx *sql.Tx, pus []domain.PriceUpdate) error {
	for start := 0; start < len(pus); start += s.batchSize {
		end := min(start+s.batchSize, len(pus))
		if err := s.insertPriceUpdateBatch(ctx, tx, pus[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *RawStore) insertPriceUpdateBatch(ctx context.Context, tx *sql.Tx, batch []domain.PriceUpdate) error {
	if len(batch) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO price_update (product_id, t, price)
		VALUES (?, ?, ?) ON CONFLICT (product_id, t) DO NOTHING`)
	if err != nil {
		return &errs.StoreUnavailableError{Message: "prepare price_update insert", Err: err}
	}
	defer stmt.Close()

	for _, pu := range batch {
		if _, err := stmt.ExecContext(ctx, pu.ProductID.String(), pu.T.UnixMicro(), pu.Price.String()); err != nil {
			return &errs.StoreUnavailableError{Message: "insert price_update", Err: err}
		}
	}
	return nil
}

// InsertCashflows bulk-appends raw cashflows, ignoring rows that already
// exist for id (at-most-once semantics via conflict-ignore on the PK).
func (s *RawStore) InsertCashflows(ctx context.Context, tx *sql.Tx, cfs []domain.Cashflow) error {
	for start := 0; start < len(cfs); start += s.batchSize {
		end := min(start+s.batchSize, len(cfs))
		if err := s.insertCashflowBatch(ctx, tx, cfs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *RawStore) insertCashflowBatch(ctx context.Context, tx *sql.Tx, batch []domain.Cashflow) error {
	if len(batch) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cashflow
		(id, user_id, product_id, t, units_delta, exec_price, exec_money, user_money, fees)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return &errs.StoreUnavailableError{Message: "prepare cashflow insert", Err: err}
	}
	defer stmt.Close()

	for _, cf := range batch {
		if _, err := stmt.ExecContext(ctx, cf.ID.String(), cf.UserID.String(), cf.ProductID.String(), cf.T.UnixMicro(),
			cf.UnitsDelta.String(), cf.ExecPrice.String(), cf.ExecMoney.String(), cf.UserMoney.String(), cf.Fees.String()); err != nil {
			return &errs.StoreUnavailableError{Message: "insert cashflow", Err: err}
		}
	}
	return nil
}

// StreamAllCashflowsAfter yields every raw cashflow with t > after, in
// ascending (t, id) order, keyset-paginated in batches of the store's
// batch size. Used by refresh() to materialize the cumulative layer
// globally.
func (s *RawStore) StreamAllCashflowsAfter(ctx context.Context, db Querier, after time.Time) iter.Seq2[domain.Cashflow, error] {
	return s.streamCashflows(ctx, db, `WHERE t > ? AND (t, id) > (?, ?)`, []any{after.UnixMicro()})
}

// StreamCashflowsForPairAfter yields raw cashflows for one (user, product)
// with t > after, used by query_user_product_timeline's fresh suffix.
func (s *RawStore) StreamCashflowsForPairAfter(ctx context.Context, db Querier, userID, productID uuid.UUID, after time.Time) iter.Seq2[domain.Cashflow, error] {
	return s.streamCashflows(ctx, db,
		`WHERE user_id = ? AND product_id = ? AND t > ? AND (t, id) > (?, ?)`,
		[]any{userID.String(), productID.String(), after.UnixMicro()})
}

// StreamCashflowsForUserAfter yields raw cashflows for every product a user
// has touched with t > after, used by query_user_timeline's fresh suffix.
func (s *RawStore) StreamCashflowsForUserAfter(ctx context.Context, db Querier, userID uuid.UUID, after time.Time) iter.Seq2[domain.Cashflow, error] {
	return s.streamCashflows(ctx, db, `WHERE user_id = ? AND t > ? AND (t, id) > (?, ?)`, []any{userID.String(), after.UnixMicro()})
}

// streamCashflows is the shared keyset-pagination cursor: whereClause must
// end its own predicates such that the caller-supplied args are followed by
// the (t, id) keyset bookmark, which this function appends and advances.
func (s *RawStore) streamCashflows(ctx context.Context, db Querier, whereClause string, args []any) iter.Seq2[domain.Cashflow, error] {
	return func(yield func(domain.Cashflow, error) bool) {
		var lastT int64 = -1 << 62
		var lastID string

		for {
			queryArgs := append(append([]any{}, args...), lastT, lastID)
			query := fmt.Sprintf(`SELECT id, user_id, product_id, t, units_delta, exec_price, exec_money, user_money, fees
				FROM cashflow %s ORDER BY t ASC, id ASC LIMIT ?`, whereClause)
			queryArgs = append(queryArgs, s.batchSize)

			rows, err := db.QueryContext(ctx, query, queryArgs...)
			if err != nil {
				yield(domain.Cashflow{}, &errs.StoreUnavailableError{Message: "query cashflow", Err: err})
				return
			}

			count := 0
			for rows.Next() {
				count++
				cf, scanErr := scanCashflow(rows)
				if scanErr != nil {
					rows.Close()
					yield(domain.Cashflow{}, &errs.StoreUnavailableError{Message: "scan cashflow", Err: scanErr})
					return
				}
				lastT, lastID = cf.T.UnixMicro(), cf.ID.String()
				if !yield(cf, nil) {
					rows.Close()
					return
				}
			}
			closeErr := rows.Close()
			if closeErr != nil {
				yield(domain.Cashflow{}, &errs.StoreUnavailableError{Message: "close cursor", Err: closeErr})
				return
			}
			if count < s.batchSize {
				return
			}
		}
	}
}

func scanCashflow(rows *sql.Rows) (domain.Cashflow, error) {
	var (
		id, userID, productID                                     string
		t                                                          int64
		unitsDeltaS, execPriceS, execMoneyS, userMoneyS, feesS     string
	)
	if err := rows.Scan(&id, &userID, &productID, &t, &unitsDeltaS, &execPriceS, &execMoneyS, &userMoneyS, &feesS); err != nil {
		return domain.Cashflow{}, err
	}

	cf := domain.Cashflow{T: time.UnixMicro(t)}
	var err error
	if cf.ID, err = uuid.Parse(id); err != nil {
		return domain.Cashflow{}, err
	}
	if cf.UserID, err = uuid.Parse(userID); err != nil {
		return domain.Cashflow{}, err
	}
	if cf.ProductID, err = uuid.Parse(productID); err != nil {
		return domain.Cashflow{}, err
	}
	if cf.UnitsDelta, err = decimal.NewFromString(unitsDeltaS); err != nil {
		return domain.Cashflow{}, err
	}
	if cf.ExecPrice, err = decimal.NewFromString(execPriceS); err != nil {
		return domain.Cashflow{}, err
	}
	if cf.ExecMoney, err = decimal.NewFromString(execMoneyS); err != nil {
		return domain.Cashflow{}, err
	}
	if cf.UserMoney, err = decimal.NewFromString(userMoneyS); err != nil {
		return domain.Cashflow{}, err
	}
	if cf.Fees, err = decimal.NewFromString(feesS); err != nil {
		return domain.Cashflow{}, err
	}
	return cf, nil
}

// MinTimestampsByPair returns, for each distinct (user, product) present in
// cfs, the minimum timestamp — used by append_cashflows to compute m_up.
func MinTimestampsByPair(cfs []domain.Cashflow) map[[2]uuid.UUID]time.Time {
	out := make(map[[2]uuid.UUID]time.Time)
	for _, cf := range cfs {
		key := [2]uuid.UUID{cf.UserID, cf.ProductID}
		if cur, ok := out[key]; !ok || cf.T.Before(cur) {
			out[key] = cf.T
		}
	}
	return out
}

// MinTimestampsByUser returns, for each distinct user present in cfs, the
// minimum timestamp — used by append_cashflows to compute m_u.
func MinTimestampsByUser(cfs []domain.Cashflow) map[uuid.UUID]time.Time {
	out := make(map[uuid.UUID]time.Time)
	for _, cf := range cfs {
		if cur, ok := out[cf.UserID]; !ok || cf.T.Before(cur) {
			out[cf.UserID] = cf.T
		}
	}
	return out
}
