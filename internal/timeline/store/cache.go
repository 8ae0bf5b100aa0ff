package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/aristath/timeline/internal/timeline/errs"
	"github.com/aristath/timeline/internal/timeline/granularity"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CumulativeCache is the repository for cumulative_cashflow_cache, the
// granularity-independent persisted output of fold kernel C.1 (§4.D).
type CumulativeCache struct {
	batchSize int
}

// NewCumulativeCache returns a CumulativeCache with the given insert batch size.
func NewCumulativeCache(batchSize int) *CumulativeCache {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &CumulativeCache{batchSize: batchSize}
}

// InsertBatch implements iterutil.Inserter[domain.CumulativeCashflow].
func (c *CumulativeCache) InsertBatch(ctx context.Context, tx *sql.Tx, items []domain.CumulativeCashflow) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cumulative_cashflow_cache
		(user_id, product_id, t, cashflow_id, units, net_investment, deposits, withdrawals, fees,
		 buy_units, sell_units, buy_cost, sell_proceeds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, product_id, t) DO NOTHING`)
	if err != nil {
		return &errs.StoreUnavailableError{Message: "prepare cumulative cache insert", Err: err}
	}
	defer stmt.Close()

	for _, c := range items {
		if _, err := stmt.ExecContext(ctx, c.UserID.String(), c.ProductID.String(), c.T.UnixMicro(), c.CashflowID.String(),
			c.Units.String(), c.NetInvestment.String(), c.Deposits.String(), c.Withdrawals.String(), c.Fees.String(),
			c.BuyUnits.String(), c.SellUnits.String(), c.BuyCost.String(), c.SellProceeds.String()); err != nil {
			return &errs.StoreUnavailableError{Message: "insert cumulative cache row", Err: err}
		}
	}
	return nil
}

// DeleteAtOrAfter invalidates cached cumulative cashflow rows for (user,
// product) at or after t — the out-of-order repair step (§4.E.2 step 2).
func (c *CumulativeCache) DeleteAtOrAfter(ctx context.Context, tx *sql.Tx, userID, productID uuid.UUID, t time.Time) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM cumulative_cashflow_cache WHERE user_id = ? AND product_id = ? AND t >= ?`,
		userID.String(), productID.String(), t.UnixMicro())
	if err != nil {
		return &errs.StoreUnavailableError{Message: "invalidate cumulative cache", Err: err}
	}
	return nil
}

// Watermark returns the maximum t across all of cumulative_cashflow_cache,
// or ok=false if the cache is empty.
func (c *CumulativeCache) Watermark(ctx context.Context, db Querier) (time.Time, bool, error) {
	var t sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(t) FROM cumulative_cashflow_cache`).Scan(&t); err != nil {
		return time.Time{}, false, &errs.StoreUnavailableError{Message: "cumulative cache watermark", Err: err}
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(t.Int64), true, nil
}

// LatestPerPair returns the latest cached row for every (user, product) pair
// that has one, plus the global watermark — the seed refresh() needs.
func (c *CumulativeCache) LatestPerPair(ctx context.Context, db Querier) ([]domain.CumulativeCashflow, time.Time, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, product_id, t, cashflow_id, units, net_investment, deposits, withdrawals, fees,
		       buy_units, sell_units, buy_cost, sell_proceeds
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY user_id, product_id ORDER BY t DESC) AS rn
			FROM cumulative_cashflow_cache
		) ranked WHERE rn = 1`)
	if err != nil {
		return nil, time.Time{}, &errs.StoreUnavailableError{Message: "query cumulative cache seed", Err: err}
	}
	defer rows.Close()

	var out []domain.CumulativeCashflow
	watermark := time.Time{}
	for rows.Next() {
		ccf, err := scanCumulativeCashflow(rows)
		if err != nil {
			return nil, time.Time{}, err
		}
		out = append(out, ccf)
		if ccf.T.After(watermark) {
			watermark = ccf.T
		}
	}
	return out, watermark, rows.Err()
}

// LatestForPair returns the latest cached cumulative cashflow for (user,
// product) at or before t, used to seed a scoped query.
func (c *CumulativeCache) LatestForPair(ctx context.Context, db Querier, userID, productID uuid.UUID, atOrBefore time.Time) (domain.CumulativeCashflow, bool, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, product_id, t, cashflow_id, units, net_investment, deposits, withdrawals, fees,
		       buy_units, sell_units, buy_cost, sell_proceeds
		FROM cumulative_cashflow_cache
		WHERE user_id = ? AND product_id = ? AND t <= ?
		ORDER BY t DESC LIMIT 1`, userID.String(), productID.String(), atOrBefore.UnixMicro())
	ccf, err := scanCumulativeCashflowRow(row)
	if err == sql.ErrNoRows {
		return domain.CumulativeCashflow{}, false, nil
	}
	if err != nil {
		return domain.CumulativeCashflow{}, false, err
	}
	return ccf, true, nil
}

// LatestForUser returns the latest cached cumulative cashflow per product a
// user holds, at or before t — the seed a per-user scoped query needs.
func (c *CumulativeCache) LatestForUser(ctx context.Context, db Querier, userID uuid.UUID, atOrBefore time.Time) ([]domain.CumulativeCashflow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, product_id, t, cashflow_id, units, net_investment, deposits, withdrawals, fees,
		       buy_units, sell_units, buy_cost, sell_proceeds
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY product_id ORDER BY t DESC) AS rn
			FROM cumulative_cashflow_cache WHERE user_id = ? AND t <= ?
		) ranked WHERE rn = 1`, userID.String(), atOrBefore.UnixMicro())
	if err != nil {
		return nil, &errs.StoreUnavailableError{Message: "query cumulative cache for user", Err: err}
	}
	defer rows.Close()

	var out []domain.CumulativeCashflow
	for rows.Next() {
		ccf, err := scanCumulativeCashflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ccf)
	}
	return out, rows.Err()
}

// LatestForPairs returns the latest cached cumulative cashflow for every
// (user, product) pair in pairs that has one — the repair seed append_cashflows
// needs after invalidating the affected range.
func (c *CumulativeCache) LatestForPairs(ctx context.Context, db Querier, pairs []PairKey) ([]domain.CumulativeCashflow, error) {
	var out []domain.CumulativeCashflow
	for _, p := range pairs {
		ccf, ok, err := c.LatestForPair(ctx, db, p.UserID, p.ProductID, time.UnixMicro(1<<62-1))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ccf)
		}
	}
	return out, nil
}

// PairKey is a (user, product) pair, used to describe the set of affected
// pairs an out-of-order cashflow batch touches.
type PairKey struct {
	UserID    uuid.UUID
	ProductID uuid.UUID
}

func scanCumulativeCashflow(rows *sql.Rows) (domain.CumulativeCashflow, error) {
	var userID, productID, cashflowID string
	var t int64
	var unitsS, netS, depS, wdS, feesS, buS, suS, bcS, spS string
	if err := rows.Scan(&userID, &productID, &t, &cashflowID, &unitsS, &netS, &depS, &wdS, &feesS, &buS, &suS, &bcS, &spS); err != nil {
		return domain.CumulativeCashflow{}, &errs.StoreUnavailableError{Message: "scan cumulative cache row", Err: err}
	}
	return buildCumulativeCashflow(userID, productID, cashflowID, t, unitsS, netS, depS, wdS, feesS, buS, suS, bcS, spS)
}

func scanCumulativeCashflowRow(row *sql.Row) (domain.CumulativeCashflow, error) {
	var userID, productID, cashflowID string
	var t int64
	var unitsS, netS, depS, wdS, feesS, buS, suS, bcS, spS string
	if err := row.Scan(&userID, &productID, &t, &cashflowID, &unitsS, &netS, &depS, &wdS, &feesS, &buS, &suS, &bcS, &spS); err != nil {
		return domain.CumulativeCashflow{}, err
	}
	return buildCumulativeCashflow(userID, productID, cashflowID, t, unitsS, netS, depS, wdS, feesS, buS, suS, bcS, spS)
}

func buildCumulativeCashflow(userID, productID, cashflowID string, t int64, unitsS, netS, depS, wdS, feesS, buS, suS, bcS, spS string) (domain.CumulativeCashflow, error) {
	ccf := domain.CumulativeCashflow{T: time.UnixMicro(t)}
	var err error
	if ccf.UserID, err = uuid.Parse(userID); err != nil {
		return domain.CumulativeCashflow{}, err
	}
	if ccf.ProductID, err = uuid.Parse(productID); err != nil {
		return domain.CumulativeCashflow{}, err
	}
	if ccf.CashflowID, err = uuid.Parse(cashflowID); err != nil {
		return domain.CumulativeCashflow{}, err
	}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&ccf.Units, unitsS}, {&ccf.NetInvestment, netS}, {&ccf.Deposits, depS}, {&ccf.Withdrawals, wdS},
		{&ccf.Fees, feesS}, {&ccf.BuyUnits, buS}, {&ccf.SellUnits, suS}, {&ccf.BuyCost, bcS}, {&ccf.SellProceeds, spS},
	} {
		if *pair.dst, err = decimal.NewFromString(pair.src); err != nil {
			return domain.CumulativeCashflow{}, err
		}
	}
	return ccf, nil
}

// UPTCache is the repository for the per-granularity user_product_timeline_cache
// tables, the persisted output of fold kernel C.2.
type UPTCache struct {
	batchSize int
}

// NewUPTCache returns a UPTCache with the given insert batch size.
func NewUPTCache(batchSize int) *UPTCache {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &UPTCache{batchSize: batchSize}
}

// EnsureTable creates user_product_timeline_cache_<suffix> if it doesn't exist.
func (u *UPTCache) EnsureTable(ctx context.Context, db Querier, g granularity.Granularity) error {
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		user_id        TEXT NOT NULL,
		product_id     TEXT NOT NULL,
		t              INTEGER NOT NULL,
		units          TEXT NOT NULL,
		net_investment TEXT NOT NULL,
		deposits       TEXT NOT NULL,
		withdrawals    TEXT NOT NULL,
		fees           TEXT NOT NULL,
		buy_units      TEXT NOT NULL,
		sell_units     TEXT NOT NULL,
		buy_cost       TEXT NOT NULL,
		sell_proceeds  TEXT NOT NULL,
		market_value   TEXT NOT NULL,
		avg_buy_price  TEXT NOT NULL,
		avg_sell_price TEXT NOT NULL,
		PRIMARY KEY (user_id, product_id, t)
	) STRICT`, uptCacheTable(g.Suffix)))
	if err != nil {
		return &errs.StoreUnavailableError{Message: "create upt cache table " + g.Suffix, Err: err}
	}
	return nil
}

// InsertBatch writes items into user_product_timeline_cache_<suffix> with
// conflict-ignore on the primary key. Its granularity parameter means it
// does not satisfy iterutil.Inserter; the engine calls it directly.
func (u *UPTCache) InsertBatch(ctx context.Context, tx *sql.Tx, g granularity.Granularity, items []domain.UserProductEntry) error {
	if len(items) == 0 {
		return nil
	}
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(user_id, product_id, t, units, net_investment, deposits, withdrawals, fees,
		 buy_units, sell_units, buy_cost, sell_proceeds, market_value, avg_buy_price, avg_sell_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, product_id, t) DO NOTHING`, uptCacheTable(g.Suffix)))
	if err != nil {
		return &errs.StoreUnavailableError{Message: "prepare upt cache insert " + g.Suffix, Err: err}
	}
	defer stmt.Close()

	for _, e := range items {
		if _, err := stmt.ExecContext(ctx, e.UserID.String(), e.ProductID.String(), e.T.UnixMicro(),
			e.Units.String(), e.NetInvestment.String(), e.Deposits.String(), e.Withdrawals.String(), e.Fees.String(),
			e.BuyUnits.String(), e.SellUnits.String(), e.BuyCost.String(), e.SellProceeds.String(),
			e.MarketValue.String(), e.AvgBuyPrice.String(), e.AvgSellPrice.String()); err != nil {
			return &errs.StoreUnavailableError{Message: "insert upt cache row " + g.Suffix, Err: err}
		}
	}
	return nil
}

// DeleteAtOrAfter invalidates cached UPT rows for (user, product) at or
// after t.
func (u *UPTCache) DeleteAtOrAfter(ctx context.Context, tx *sql.Tx, g granularity.Granularity, userID, productID uuid.UUID, t time.Time) error {
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = ? AND product_id = ? AND t >= ?`, uptCacheTable(g.Suffix))
	if _, err := tx.ExecContext(ctx, query, userID.String(), productID.String(), t.UnixMicro()); err != nil {
		return &errs.StoreUnavailableError{Message: "invalidate upt cache " + g.Suffix, Err: err}
	}
	return nil
}

// Watermark returns the maximum t across user_product_timeline_cache_<suffix>.
func (u *UPTCache) Watermark(ctx context.Context, db Querier, g granularity.Granularity) (time.Time, bool, error) {
	if err := checkSuffix(g.Suffix); err != nil {
		return time.Time{}, false, err
	}
	var t sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(t) FROM %s`, uptCacheTable(g.Suffix))
	if err := db.QueryRowContext(ctx, query).Scan(&t); err != nil {
		return time.Time{}, false, &errs.StoreUnavailableError{Message: "upt cache watermark " + g.Suffix, Err: err}
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(t.Int64), true, nil
}

// LatestPerPair returns the latest UPT row per (user, product), optionally
// bounded to t <= atOrBefore (pass nil for unbounded) — the seed refresh()
// needs to prime the user_timeline fold with wm_ut[g] as the cutoff.
func (u *UPTCache) LatestPerPair(ctx context.Context, db Querier, g granularity.Granularity, atOrBefore *time.Time) ([]domain.UserProductEntry, error) {
	if err := checkSuffix(g.Suffix); err != nil {
		return nil, err
	}
	where := ""
	args := []any{}
	if atOrBefore != nil {
		where = "WHERE t <= ?"
		args = append(args, atOrBefore.UnixMicro())
	}
	query := fmt.Sprintf(`
		SELECT user_id, product_id, t, units, net_investment, deposits, withdrawals, fees,
		       buy_units, sell_units, buy_cost, sell_proceeds, market_value, avg_buy_price, avg_sell_price
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY user_id, product_id ORDER BY t DESC) AS rn
			FROM %s %s
		) ranked WHERE rn = 1`, uptCacheTable(g.Suffix), where)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errs.StoreUnavailableError{Message: "query upt cache seed " + g.Suffix, Err: err}
	}
	defer rows.Close()
	return scanUPTRows(rows)
}

// LatestForUser returns the latest UPT row per product held by userID, at or
// before atOrBefore — the seed a per-user scoped query needs.
func (u *UPTCache) LatestForUser(ctx context.Context, db Querier, g granularity.Granularity, userID uuid.UUID, atOrBefore time.Time) ([]domain.UserProductEntry, error) {
	if err := checkSuffix(g.Suffix); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT user_id, product_id, t, units, net_investment, deposits, withdrawals, fees,
		       buy_units, sell_units, buy_cost, sell_proceeds, market_value, avg_buy_price, avg_sell_price
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY product_id ORDER BY t DESC) AS rn
			FROM %s WHERE user_id = ? AND t <= ?
		) ranked WHERE rn = 1`, uptCacheTable(g.Suffix))

	rows, err := db.QueryContext(ctx, query, userID.String(), atOrBefore.UnixMicro())
	if err != nil {
		return nil, &errs.StoreUnavailableError{Message: "query upt cache for user " + g.Suffix, Err: err}
	}
	defer rows.Close()
	return scanUPTRows(rows)
}

// StreamForPair returns every cached UPT row for (user, product) in
// ascending t order — the "cached_entries" prefix of a scoped query.
func (u *UPTCache) StreamForPair(ctx context.Context, db Querier, g granularity.Granularity, userID, productID uuid.UUID) ([]domain.UserProductEntry, error) {
	if err := checkSuffix(g.Suffix); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT user_id, product_id, t, units, net_investment, deposits, withdrawals, fees,
		buy_units, sell_units, buy_cost, sell_proceeds, market_value, avg_buy_price, avg_sell_price
		FROM %s WHERE user_id = ? AND product_id = ? ORDER BY t ASC`, uptCacheTable(g.Suffix))
	rows, err := db.QueryContext(ctx, query, userID.String(), productID.String())
	if err != nil {
		return nil, &errs.StoreUnavailableError{Message: "stream upt cache for pair " + g.Suffix, Err: err}
	}
	defer rows.Close()
	return scanUPTRows(rows)
}

// StreamForUsersAtOrAfter returns every cached UPT row for any of userIDs
// with t >= atOrAfter, ordered by t ascending across all of them — the
// repair fan-in append_cashflows needs to rebuild user_timeline after an
// out-of-order insert (§4.E.2 step 2: "all UPT entries for affected users,
// not just the refreshed products").
func (u *UPTCache) StreamForUsersAtOrAfter(ctx context.Context, db Querier, g granularity.Granularity, userIDs []uuid.UUID, atOrAfter time.Time) ([]domain.UserProductEntry, error) {
	if err := checkSuffix(g.Suffix); err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(userIDs))
	args := make([]any, 0, len(userIDs)+1)
	for i, id := range userIDs {
		placeholders[i] = "?"
		args = append(args, id.String())
	}
	args = append(args, atOrAfter.UnixMicro())

	query := fmt.Sprintf(`SELECT user_id, product_id, t, units, net_investment, deposits, withdrawals, fees,
		buy_units, sell_units, buy_cost, sell_proceeds, market_value, avg_buy_price, avg_sell_price
		FROM %s WHERE user_id IN (%s) AND t >= ? ORDER BY t ASC`,
		uptCacheTable(g.Suffix), strings.Join(placeholders, ","))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errs.StoreUnavailableError{Message: "stream upt cache for users " + g.Suffix, Err: err}
	}
	defer rows.Close()
	return scanUPTRows(rows)
}

// DeleteRetentionExceptLatest deletes cached UPT rows older than the
// retention cutoff, except the latest row per (user, product) — the global
// retention sweep (§4.E "Retention GC").
func (u *UPTCache) DeleteRetentionExceptLatest(ctx context.Context, tx *sql.Tx, g granularity.Granularity, cutoff time.Time) error {
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	table := uptCacheTable(g.Suffix)
	query := fmt.Sprintf(`DELETE FROM %s WHERE t < ? AND (user_id, product_id, t) NOT IN (
		SELECT user_id, product_id, t FROM (
			SELECT user_id, product_id, t, ROW_NUMBER() OVER (PARTITION BY user_id, product_id ORDER BY t DESC) AS rn
			FROM %s
		) ranked WHERE rn = 1
	)`, table, table)
	if _, err := tx.ExecContext(ctx, query, cutoff.UnixMicro()); err != nil {
		return &errs.StoreUnavailableError{Message: "retention sweep upt cache " + g.Suffix, Err: err}
	}
	return nil
}

func scanUPTRows(rows *sql.Rows) ([]domain.UserProductEntry, error) {
	var out []domain.UserProductEntry
	for rows.Next() {
		e, err := scanUPTRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanUPTRow(rows *sql.Rows) (domain.UserProductEntry, error) {
	var userID, productID string
	var t int64
	var unitsS, netS, depS, wdS, feesS, buS, suS, bcS, spS, mvS, abpS, aspS string
	if err := rows.Scan(&userID, &productID, &t, &unitsS, &netS, &depS, &wdS, &feesS, &buS, &suS, &bcS, &spS, &mvS, &abpS, &aspS); err != nil {
		return domain.UserProductEntry{}, &errs.StoreUnavailableError{Message: "scan upt cache row", Err: err}
	}
	e := domain.UserProductEntry{T: time.UnixMicro(t)}
	var err error
	if e.UserID, err = uuid.Parse(userID); err != nil {
		return domain.UserProductEntry{}, err
	}
	if e.ProductID, err = uuid.Parse(productID); err != nil {
		return domain.UserProductEntry{}, err
	}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.Units, unitsS}, {&e.NetInvestment, netS}, {&e.Deposits, depS}, {&e.Withdrawals, wdS}, {&e.Fees, feesS},
		{&e.BuyUnits, buS}, {&e.SellUnits, suS}, {&e.BuyCost, bcS}, {&e.SellProceeds, spS},
		{&e.MarketValue, mvS}, {&e.AvgBuyPrice, abpS}, {&e.AvgSellPrice, aspS},
	} {
		if *pair.dst, err = decimal.NewFromString(pair.src); err != nil {
			return domain.UserProductEntry{}, err
		}
	}
	return e, nil
}

// UTCache is the repository for the per-granularity user_timeline_cache
// tables, the persisted output of fold kernel C.3.
type UTCache struct {
	batchSize int
}

// NewUTCache returns a UTCache with the given insert batch size.
func NewUTCache(batchSize int) *UTCache {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &UTCache{batchSize: batchSize}
}

// EnsureTable creates user_timeline_cache_<suffix> if it doesn't exist.
func (u *UTCache) EnsureTable(ctx context.Context, db Querier, g granularity.Granularity) error {
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		user_id        TEXT NOT NULL,
		t              INTEGER NOT NULL,
		net_investment TEXT NOT NULL,
		market_value   TEXT NOT NULL,
		deposits       TEXT NOT NULL,
		withdrawals    TEXT NOT NULL,
		fees           TEXT NOT NULL,
		buy_units      TEXT NOT NULL,
		sell_units     TEXT NOT NULL,
		buy_cost       TEXT NOT NULL,
		sell_proceeds  TEXT NOT NULL,
		cost_basis     TEXT NOT NULL,
		sell_basis     TEXT NOT NULL,
		PRIMARY KEY (user_id, t)
	) STRICT`, utCacheTable(g.Suffix)))
	if err != nil {
		return &errs.StoreUnavailableError{Message: "create ut cache table " + g.Suffix, Err: err}
	}
	return nil
}

// InsertBatch writes items into user_timeline_cache_<suffix> with
// conflict-ignore on the primary key. Its granularity parameter means it
// does not satisfy iterutil.Inserter; the engine calls it directly.
func (u *UTCache) InsertBatch(ctx context.Context, tx *sql.Tx, g granularity.Granularity, items []domain.UserEntry) error {
	if len(items) == 0 {
		return nil
	}
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(user_id, t, net_investment, market_value, deposits, withdrawals, fees,
		 buy_units, sell_units, buy_cost, sell_proceeds, cost_basis, sell_basis)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, t) DO NOTHING`, utCacheTable(g.Suffix)))
	if err != nil {
		return &errs.StoreUnavailableError{Message: "prepare ut cache insert " + g.Suffix, Err: err}
	}
	defer stmt.Close()

	for _, e := range items {
		if _, err := stmt.ExecContext(ctx, e.UserID.String(), e.T.UnixMicro(),
			e.NetInvestment.String(), e.MarketValue.String(), e.Deposits.String(), e.Withdrawals.String(), e.Fees.String(),
			e.BuyUnits.String(), e.SellUnits.String(), e.BuyCost.String(), e.SellProceeds.String(),
			e.CostBasis.String(), e.SellBasis.String()); err != nil {
			return &errs.StoreUnavailableError{Message: "insert ut cache row " + g.Suffix, Err: err}
		}
	}
	return nil
}

// DeleteAtOrAfter invalidates cached user-timeline rows for userID at or
// after t.
func (u *UTCache) DeleteAtOrAfter(ctx context.Context, tx *sql.Tx, g granularity.Granularity, userID uuid.UUID, t time.Time) error {
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = ? AND t >= ?`, utCacheTable(g.Suffix))
	if _, err := tx.ExecContext(ctx, query, userID.String(), t.UnixMicro()); err != nil {
		return &errs.StoreUnavailableError{Message: "invalidate ut cache " + g.Suffix, Err: err}
	}
	return nil
}

// Watermark returns the maximum t across user_timeline_cache_<suffix>,
// which bounds the seed_upt query in refresh() (§4.E.3).
func (u *UTCache) Watermark(ctx context.Context, db Querier, g granularity.Granularity) (time.Time, bool, error) {
	if err := checkSuffix(g.Suffix); err != nil {
		return time.Time{}, false, err
	}
	var t sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(t) FROM %s`, utCacheTable(g.Suffix))
	if err := db.QueryRowContext(ctx, query).Scan(&t); err != nil {
		return time.Time{}, false, &errs.StoreUnavailableError{Message: "ut cache watermark " + g.Suffix, Err: err}
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(t.Int64), true, nil
}

// StreamForUser returns every cached user-timeline row for userID in
// ascending t order — the "cached_entries" prefix of a scoped query.
func (u *UTCache) StreamForUser(ctx context.Context, db Querier, g granularity.Granularity, userID uuid.UUID) ([]domain.UserEntry, error) {
	if err := checkSuffix(g.Suffix); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT user_id, t, net_investment, market_value, deposits, withdrawals, fees,
		buy_units, sell_units, buy_cost, sell_proceeds, cost_basis, sell_basis
		FROM %s WHERE user_id = ? ORDER BY t ASC`, utCacheTable(g.Suffix))
	rows, err := db.QueryContext(ctx, query, userID.String())
	if err != nil {
		return nil, &errs.StoreUnavailableError{Message: "stream ut cache for user " + g.Suffix, Err: err}
	}
	defer rows.Close()

	var out []domain.UserEntry
	for rows.Next() {
		e, err := scanUTRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteRetentionExceptLatest deletes cached user-timeline rows older than
// the retention cutoff, except the latest row per user.
func (u *UTCache) DeleteRetentionExceptLatest(ctx context.Context, tx *sql.Tx, g granularity.Granularity, cutoff time.Time) error {
	if err := checkSuffix(g.Suffix); err != nil {
		return err
	}
	table := utCacheTable(g.Suffix)
	query := fmt.Sprintf(`DELETE FROM %s WHERE t < ? AND (user_id, t) NOT IN (
		SELECT user_id, t FROM (
			SELECT user_id, t, ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY t DESC) AS rn
			FROM %s
		) ranked WHERE rn = 1
	)`, table, table)
	if _, err := tx.ExecContext(ctx, query, cutoff.UnixMicro()); err != nil {
		return &errs.StoreUnavailableError{Message: "retention sweep ut cache " + g.Suffix, Err: err}
	}
	return nil
}

func scanUTRow(rows *sql.Rows) (domain.UserEntry, error) {
	var userID string
	var t int64
	var netS, mvS, depS, wdS, feesS, buS, suS, bcS, spS, cbS, sbS string
	if err := rows.Scan(&userID, &t, &netS, &mvS, &depS, &wdS, &feesS, &buS, &suS, &bcS, &spS, &cbS, &sbS); err != nil {
		return domain.UserEntry{}, &errs.StoreUnavailableError{Message: "scan ut cache row", Err: err}
	}
	e := domain.UserEntry{T: time.UnixMicro(t)}
	var err error
	if e.UserID, err = uuid.Parse(userID); err != nil {
		return domain.UserEntry{}, err
	}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.NetInvestment, netS}, {&e.MarketValue, mvS}, {&e.Deposits, depS}, {&e.Withdrawals, wdS}, {&e.Fees, feesS},
		{&e.BuyUnits, buS}, {&e.SellUnits, suS}, {&e.BuyCost, bcS}, {&e.SellProceeds, spS},
		{&e.CostBasis, cbS}, {&e.SellBasis, sbS},
	} {
		if *pair.dst, err = decimal.NewFromString(pair.src); err != nil {
			return domain.UserEntry{}, err
		}
	}
	return e, nil
}
