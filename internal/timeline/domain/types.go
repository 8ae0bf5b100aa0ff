// Package domain holds the value types shared across the timeline engine:
// raw events, the three fold levels, and the decimal/time conventions they
// share. Types here carry no behaviour beyond derivation (see derive) and
// the componentwise fold arithmetic (see fold); storage and orchestration
// live in store and engine.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Zero is the canonical zero value at the fold kernels' working precision.
var Zero = decimal.Zero

// quantizePlaces is the fractional-digit precision used for derived ratios
// (avg_buy_price, avg_sell_price). Matches the 6-digit precision the store
// contract requires (spec's external store contract: "decimal arithmetic at
// least to 6 fractional digits").
const quantizePlaces = 6

// SafeDiv returns num/den quantized to quantizePlaces, or Zero if den is
// zero. Every ratio in the fold kernels goes through this guard per the
// spec's "derived with a zero-denominator guard returning 0" rule.
func SafeDiv(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, quantizePlaces)
}

// PriceUpdate is a single observed (or bucketed) price for a product at an
// instant. Append-only; the source of truth for market_value.
type PriceUpdate struct {
	ProductID uuid.UUID
	T         time.Time
	Price     decimal.Decimal
}

// Timestamp implements the Timestamped interface merge_sorted needs.
func (p PriceUpdate) Timestamp() time.Time { return p.T }

// Cashflow is a single investor transaction against a product. Any three of
// {UnitsDelta, ExecPrice, ExecMoney, UserMoney, Fees} are sufficient; the
// other two are derived by derive.Derive and validated against the
// consistency invariants before a Cashflow value is considered well-formed.
type Cashflow struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ProductID uuid.UUID
	T         time.Time

	UnitsDelta decimal.Decimal
	ExecPrice  decimal.Decimal
	ExecMoney  decimal.Decimal
	UserMoney  decimal.Decimal
	Fees       decimal.Decimal
}

// Timestamp implements the Timestamped interface merge_sorted needs.
func (c Cashflow) Timestamp() time.Time { return c.T }

// IsBuy reports whether the cashflow increases the held position.
func (c Cashflow) IsBuy() bool { return c.UnitsDelta.IsPositive() }

// IsSell reports whether the cashflow decreases the held position.
func (c Cashflow) IsSell() bool { return c.UnitsDelta.IsNegative() }

// CumulativeCashflow is the running fold of all cashflows for one
// (user, product) pair through T. One row is emitted per input Cashflow.
type CumulativeCashflow struct {
	CashflowID uuid.UUID
	UserID     uuid.UUID
	ProductID  uuid.UUID
	T          time.Time

	Units         decimal.Decimal
	NetInvestment decimal.Decimal
	Deposits      decimal.Decimal
	Withdrawals   decimal.Decimal
	Fees          decimal.Decimal
	BuyUnits      decimal.Decimal
	SellUnits     decimal.Decimal
	BuyCost       decimal.Decimal
	SellProceeds  decimal.Decimal
}

// Timestamp implements the Timestamped interface merge_sorted needs.
func (c CumulativeCashflow) Timestamp() time.Time { return c.T }

// ZeroCumulativeCashflow returns the seed record for a (user, product) pair
// that has never had a cashflow.
func ZeroCumulativeCashflow(userID, productID uuid.UUID) CumulativeCashflow {
	return CumulativeCashflow{
		UserID:        userID,
		ProductID:     productID,
		Units:         Zero,
		NetInvestment: Zero,
		Deposits:      Zero,
		Withdrawals:   Zero,
		Fees:          Zero,
		BuyUnits:      Zero,
		SellUnits:     Zero,
		BuyCost:       Zero,
		SellProceeds:  Zero,
	}
}

// UserProductEntry is one row of the per-(user, product) timeline at a
// granularity: the cumulative cashflow fields at T plus mark-to-market and
// average price fields.
type UserProductEntry struct {
	UserID    uuid.UUID
	ProductID uuid.UUID
	T         time.Time

	Units         decimal.Decimal
	NetInvestment decimal.Decimal
	Deposits      decimal.Decimal
	Withdrawals   decimal.Decimal
	Fees          decimal.Decimal
	BuyUnits      decimal.Decimal
	SellUnits     decimal.Decimal
	BuyCost       decimal.Decimal
	SellProceeds  decimal.Decimal

	MarketValue  decimal.Decimal
	AvgBuyPrice  decimal.Decimal
	AvgSellPrice decimal.Decimal
}

// Timestamp implements the Timestamped interface merge_sorted needs.
func (u UserProductEntry) Timestamp() time.Time { return u.T }

// FullKey implements iterutil.Keyed: two entries with the same FullKey at
// the same Timestamp are the same logical emission.
func (u UserProductEntry) FullKey() string {
	return u.UserID.String() + "|" + u.ProductID.String()
}

// ZeroUserProductEntry returns the seed record for a (user, product) pair
// that has no prior timeline entry.
func ZeroUserProductEntry(userID, productID uuid.UUID) UserProductEntry {
	return UserProductEntry{
		UserID:        userID,
		ProductID:     productID,
		Units:         Zero,
		NetInvestment: Zero,
		Deposits:      Zero,
		Withdrawals:   Zero,
		Fees:          Zero,
		BuyUnits:      Zero,
		SellUnits:     Zero,
		BuyCost:       Zero,
		SellProceeds:  Zero,
		MarketValue:   Zero,
		AvgBuyPrice:   Zero,
		AvgSellPrice:  Zero,
	}
}

// UserProductEntryFromCumulative builds a UserProductEntry from a CumulativeCashflow at the
// given price, applying the avg-price zero-denominator guard.
func UserProductEntryFromCumulative(ccf CumulativeCashflow, t time.Time, price decimal.Decimal) UserProductEntry {
	return UserProductEntry{
		UserID:        ccf.UserID,
		ProductID:     ccf.ProductID,
		T:             t,
		Units:         ccf.Units,
		NetInvestment: ccf.NetInvestment,
		Deposits:      ccf.Deposits,
		Withdrawals:   ccf.Withdrawals,
		Fees:          ccf.Fees,
		BuyUnits:      ccf.BuyUnits,
		SellUnits:     ccf.SellUnits,
		BuyCost:       ccf.BuyCost,
		SellProceeds:  ccf.SellProceeds,
		MarketValue:   ccf.Units.Mul(price),
		AvgBuyPrice:   SafeDiv(ccf.BuyCost, ccf.BuyUnits),
		AvgSellPrice:  SafeDiv(ccf.SellProceeds, ccf.SellUnits),
	}
}

// UserEntry is one row of the aggregated per-user timeline at a
// granularity: per-product fields summed over every product the user has
// touched, plus the two basis aggregates.
type UserEntry struct {
	UserID uuid.UUID
	T      time.Time

	NetInvestment decimal.Decimal
	MarketValue   decimal.Decimal
	Deposits      decimal.Decimal
	Withdrawals   decimal.Decimal
	Fees          decimal.Decimal
	BuyUnits      decimal.Decimal
	SellUnits     decimal.Decimal
	BuyCost       decimal.Decimal
	SellProceeds  decimal.Decimal
	CostBasis     decimal.Decimal
	SellBasis     decimal.Decimal
}

// Timestamp implements the Timestamped interface merge_sorted needs.
func (u UserEntry) Timestamp() time.Time { return u.T }

// FullKey implements iterutil.Keyed: two entries with the same FullKey at
// the same Timestamp are the same logical emission.
func (u UserEntry) FullKey() string { return u.UserID.String() }

// ZeroUserEntry returns the seed/running-total record for a user with no
// prior timeline entries.
func ZeroUserEntry(userID uuid.UUID) UserEntry {
	return UserEntry{
		UserID:        userID,
		NetInvestment: Zero,
		MarketValue:   Zero,
		Deposits:      Zero,
		Withdrawals:   Zero,
		Fees:          Zero,
		BuyUnits:      Zero,
		SellUnits:     Zero,
		BuyCost:       Zero,
		SellProceeds:  Zero,
		CostBasis:     Zero,
		SellBasis:     Zero,
	}
}

// Add returns the componentwise sum of two UserEntry value sets, keeping
// the receiver's identity fields (UserID, T).
func (u UserEntry) Add(o UserEntry) UserEntry {
	u.NetInvestment = u.NetInvestment.Add(o.NetInvestment)
	u.MarketValue = u.MarketValue.Add(o.MarketValue)
	u.Deposits = u.Deposits.Add(o.Deposits)
	u.Withdrawals = u.Withdrawals.Add(o.Withdrawals)
	u.Fees = u.Fees.Add(o.Fees)
	u.BuyUnits = u.BuyUnits.Add(o.BuyUnits)
	u.SellUnits = u.SellUnits.Add(o.SellUnits)
	u.BuyCost = u.BuyCost.Add(o.BuyCost)
	u.SellProceeds = u.SellProceeds.Add(o.SellProceeds)
	u.CostBasis = u.CostBasis.Add(o.CostBasis)
	u.SellBasis = u.SellBasis.Add(o.SellBasis)
	return u
}
