package fold

import (
	"testing"
	"time"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/aristath/timeline/internal/timeline/iterutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// hm builds a time.Time on a fixed reference day from "HH:MM" shorthand,
// matching the end-to-end scenarios' notation.
func hm(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2024-01-01 "+s)
	if err != nil {
		panic(err)
	}
	return t
}

func cashflow(user, product uuid.UUID, t time.Time, unitsDelta, execPrice, fees decimal.Decimal) domain.Cashflow {
	execMoney := unitsDelta.Mul(execPrice)
	userMoney := execMoney.Add(fees)
	return domain.Cashflow{
		ID:         uuid.New(),
		UserID:     user,
		ProductID:  product,
		T:          t,
		UnitsDelta: unitsDelta,
		ExecPrice:  execPrice,
		ExecMoney:  execMoney,
		UserMoney:  userMoney,
		Fees:       fees,
	}
}

// S1 — single buy, later price move.
func TestUserProductTimeline_S1(t *testing.T) {
	alice, aapl := uuid.New(), uuid.New()

	cashflows := iterutil.FromSlice([]domain.Cashflow{
		cashflow(alice, aapl, hm("12:10"), dec("10"), dec("100"), dec("0")),
	})
	ccfSeed := NewCumulativeSeed()
	ccfs := iterutil.Collect(CumulativeCashflows(cashflows, ccfSeed))
	require.Len(t, ccfs, 1)

	prices := iterutil.FromSlice([]domain.PriceUpdate{
		{ProductID: aapl, T: hm("11:59"), Price: dec("100")},
	})

	events := MergeCumulativeAndPrice(iterutil.FromSlice(ccfs), prices)
	upts := iterutil.Collect(UserProductTimeline(events, NewCumulativeByProductSeed(), NewPriceSeed()))

	require.Len(t, upts, 1)
	assert.True(t, upts[0].Units.Equal(dec("10")))
	assert.True(t, upts[0].MarketValue.Equal(dec("1000")))
	assert.Equal(t, hm("12:10"), upts[0].T)
}

// S2 — price bucket after cashflow: a later bucket edge re-emits an entry
// for a user who already holds a position.
func TestUserProductTimeline_S2(t *testing.T) {
	alice, aapl := uuid.New(), uuid.New()

	cashflows := iterutil.FromSlice([]domain.Cashflow{
		cashflow(alice, aapl, hm("12:10"), dec("10"), dec("100"), dec("0")),
	})
	ccfs := iterutil.Collect(CumulativeCashflows(cashflows, NewCumulativeSeed()))

	prices := iterutil.FromSlice([]domain.PriceUpdate{
		{ProductID: aapl, T: hm("11:59"), Price: dec("100")},
		{ProductID: aapl, T: hm("12:15"), Price: dec("110")},
	})

	events := MergeCumulativeAndPrice(iterutil.FromSlice(ccfs), prices)
	upts := iterutil.Collect(UserProductTimeline(events, NewCumulativeByProductSeed(), NewPriceSeed()))

	require.Len(t, upts, 2)
	assert.Equal(t, hm("12:10"), upts[0].T)
	assert.True(t, upts[0].MarketValue.Equal(dec("1000")))
	assert.Equal(t, hm("12:15"), upts[1].T)
	assert.True(t, upts[1].MarketValue.Equal(dec("1100")))
}

// S4 — same-timestamp buy and sell must not be netted.
func TestCumulativeCashflows_S4(t *testing.T) {
	alice, aapl := uuid.New(), uuid.New()

	buy := cashflow(alice, aapl, hm("12:00"), dec("10"), dec("100"), dec("10"))
	sell := cashflow(alice, aapl, hm("12:00"), dec("-5"), dec("105"), dec("5"))

	seed := NewCumulativeSeed()
	out := iterutil.Collect(CumulativeCashflows(iterutil.FromSlice([]domain.Cashflow{buy, sell}), seed))
	require.Len(t, out, 2)

	last := out[1]
	assert.True(t, last.BuyUnits.Equal(dec("10")), "buy_units")
	assert.True(t, last.SellUnits.Equal(dec("5")), "sell_units")
	assert.True(t, last.BuyCost.Equal(dec("1000")), "buy_cost")
	assert.True(t, last.SellProceeds.Equal(dec("525")), "sell_proceeds")
	assert.True(t, last.Deposits.Equal(dec("1010")), "deposits")
	assert.True(t, last.Withdrawals.Equal(dec("520")), "withdrawals")
	assert.True(t, last.Fees.Equal(dec("15")), "fees")
	assert.True(t, last.Units.Equal(dec("5")), "units")
	assert.True(t, last.NetInvestment.Equal(dec("490")), "net_investment")

	// Invariant 4: net identity.
	assert.True(t, last.Units.Equal(last.BuyUnits.Sub(last.SellUnits)))
	assert.True(t, last.NetInvestment.Equal(last.Deposits.Sub(last.Withdrawals)))
}

// Invariant 3: monotone aggregates across a sequence of mixed buys/sells.
func TestCumulativeCashflows_MonotoneAggregates(t *testing.T) {
	alice, aapl := uuid.New(), uuid.New()
	cfs := []domain.Cashflow{
		cashflow(alice, aapl, hm("10:00"), dec("10"), dec("100"), dec("0")),
		cashflow(alice, aapl, hm("11:00"), dec("-3"), dec("110"), dec("1")),
		cashflow(alice, aapl, hm("12:00"), dec("5"), dec("120"), dec("0")),
	}

	out := iterutil.Collect(CumulativeCashflows(iterutil.FromSlice(cfs), NewCumulativeSeed()))
	require.Len(t, out, 3)

	for i := 1; i < len(out); i++ {
		assert.True(t, out[i].BuyUnits.GreaterThanOrEqual(out[i-1].BuyUnits))
		assert.True(t, out[i].SellUnits.GreaterThanOrEqual(out[i-1].SellUnits))
		assert.True(t, out[i].Deposits.GreaterThanOrEqual(out[i-1].Deposits))
		assert.True(t, out[i].Withdrawals.GreaterThanOrEqual(out[i-1].Withdrawals))
		assert.True(t, out[i].Fees.GreaterThanOrEqual(out[i-1].Fees))
		assert.True(t, out[i].BuyCost.GreaterThanOrEqual(out[i-1].BuyCost))
		assert.True(t, out[i].SellProceeds.GreaterThanOrEqual(out[i-1].SellProceeds))
	}
}

// S6 — multi-product user aggregation.
func TestUserTimeline_S6(t *testing.T) {
	alice := uuid.New()
	aapl, googl := uuid.New(), uuid.New()

	cashflows := []domain.Cashflow{
		cashflow(alice, aapl, hm("11:00"), dec("10"), dec("150"), dec("0")),
		cashflow(alice, googl, hm("12:00"), dec("5"), dec("2800"), dec("0")),
	}
	ccfs := iterutil.Collect(CumulativeCashflows(iterutil.FromSlice(cashflows), NewCumulativeSeed()))

	prices := []domain.PriceUpdate{
		{ProductID: aapl, T: hm("10:00"), Price: dec("150")},
		{ProductID: googl, T: hm("10:00"), Price: dec("2800")},
	}

	events := MergeCumulativeAndPrice(iterutil.FromSlice(ccfs), iterutil.FromSlice(prices))
	upts := iterutil.Collect(UserProductTimeline(events, NewCumulativeByProductSeed(), NewPriceSeed()))
	require.Len(t, upts, 2)

	totals := BuildRunningTotals(NewUPTSeed())
	userEntries := UserTimeline(iterutil.FromSlice(upts), NewUPTSeed(), totals)
	require.Len(t, userEntries, 2)

	assert.Equal(t, hm("11:00"), userEntries[0].T)
	assert.True(t, userEntries[0].NetInvestment.Equal(dec("1500")), "step1 net_investment")
	assert.True(t, userEntries[0].MarketValue.Equal(dec("1500")), "step1 market_value")

	assert.Equal(t, hm("12:00"), userEntries[1].T)
	assert.True(t, userEntries[1].NetInvestment.Equal(dec("15500")), "step2 net_investment")
	assert.True(t, userEntries[1].MarketValue.Equal(dec("15500")), "step2 market_value")
}

// A cashflow arriving before any price is known for its product must not
// register its user as a holder for later price re-emission — it is a pure
// skip, with no seed mutation, until a later cashflow arrives after a price
// is known.
func TestUserProductTimeline_CashflowBeforePriceKnown_NoEmitOnLaterPrice(t *testing.T) {
	alice, aapl := uuid.New(), uuid.New()

	cashflows := iterutil.FromSlice([]domain.Cashflow{
		cashflow(alice, aapl, hm("09:00"), dec("10"), dec("100"), dec("0")),
	})
	ccfs := iterutil.Collect(CumulativeCashflows(cashflows, NewCumulativeSeed()))
	require.Len(t, ccfs, 1)

	prices := iterutil.FromSlice([]domain.PriceUpdate{
		{ProductID: aapl, T: hm("10:00"), Price: dec("100")},
	})

	events := MergeCumulativeAndPrice(iterutil.FromSlice(ccfs), prices)
	upts := iterutil.Collect(UserProductTimeline(events, NewCumulativeByProductSeed(), NewPriceSeed()))

	assert.Empty(t, upts, "cashflow with no price yet known must not register a holder for later price updates")
}

func TestMergeSorted_TieBreakCumulativeBeforePrice(t *testing.T) {
	aapl := uuid.New()
	user := uuid.New()
	t0 := hm("12:00")

	ccf := domain.CumulativeCashflow{UserID: user, ProductID: aapl, T: t0, Units: dec("1")}
	pu := domain.PriceUpdate{ProductID: aapl, T: t0, Price: dec("100")}

	merged := iterutil.Collect(MergeCumulativeAndPrice(
		iterutil.FromSlice([]domain.CumulativeCashflow{ccf}),
		iterutil.FromSlice([]domain.PriceUpdate{pu}),
	))

	require.Len(t, merged, 2)
	assert.Equal(t, EventCumulative, merged[0].Kind)
	assert.Equal(t, EventPrice, merged[1].Kind)
}
