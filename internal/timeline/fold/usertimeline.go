package fold

import (
	"iter"
	"time"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/google/uuid"
)

// UPTSeed is seed_upt[user][product] → latest UserProductEntry known for
// that pair, the carry state user_timeline needs to compute deltas.
type UPTSeed map[uuid.UUID]map[uuid.UUID]domain.UserProductEntry

// NewUPTSeed returns an empty seed.
func NewUPTSeed() UPTSeed { return make(UPTSeed) }

// Get returns the latest UserProductEntry for (user, product), or a zero
// record timestamped at the zero time if none exists yet.
func (s UPTSeed) Get(userID, productID uuid.UUID) domain.UserProductEntry {
	if byProduct, ok := s[userID]; ok {
		if v, ok := byProduct[productID]; ok {
			return v
		}
	}
	e := domain.ZeroUserProductEntry(userID, productID)
	e.T = time.Time{}
	return e
}

// Set records the latest UserProductEntry for (user, product).
func (s UPTSeed) Set(upt domain.UserProductEntry) {
	byProduct, ok := s[upt.UserID]
	if !ok {
		byProduct = make(map[uuid.UUID]domain.UserProductEntry)
		s[upt.UserID] = byProduct
	}
	byProduct[upt.ProductID] = upt
}

// Products returns every product key currently seeded for user, used to
// build the initial running total (§4.C.3: "Initialize totals[u] by
// summing current seed_upt[u][·]").
func (s UPTSeed) Products(userID uuid.UUID) []domain.UserProductEntry {
	byProduct := s[userID]
	out := make([]domain.UserProductEntry, 0, len(byProduct))
	for _, v := range byProduct {
		out = append(out, v)
	}
	return out
}

// BuildRunningTotals initializes per-user running totals by summing every
// currently-seeded UserProductEntry for each user, the seed step
// user_timeline needs before folding any fresh entries.
func BuildRunningTotals(seed UPTSeed) map[uuid.UUID]domain.UserEntry {
	totals := make(map[uuid.UUID]domain.UserEntry, len(seed))
	for userID := range seed {
		total := domain.ZeroUserEntry(userID)
		for _, upt := range seed.Products(userID) {
			total.NetInvestment = total.NetInvestment.Add(upt.NetInvestment)
			total.MarketValue = total.MarketValue.Add(upt.MarketValue)
			total.Deposits = total.Deposits.Add(upt.Deposits)
			total.Withdrawals = total.Withdrawals.Add(upt.Withdrawals)
			total.Fees = total.Fees.Add(upt.Fees)
			total.BuyUnits = total.BuyUnits.Add(upt.BuyUnits)
			total.SellUnits = total.SellUnits.Add(upt.SellUnits)
			total.BuyCost = total.BuyCost.Add(upt.BuyCost)
			total.SellProceeds = total.SellProceeds.Add(upt.SellProceeds)
			total.CostBasis = total.CostBasis.Add(upt.Units.Mul(upt.AvgBuyPrice))
			total.SellBasis = total.SellBasis.Add(upt.SellUnits.Mul(upt.AvgBuyPrice))
		}
		totals[userID] = total
	}
	return totals
}

// UserTimeline is fold kernel C.3. It consumes the merged user-product
// timeline stream and returns the aggregated per-user entries.
//
// This kernel collects rather than streams its output: unlike C.1/C.2,
// entries for different products can land at the identical (user, t) key
// out of adjacency (e.g. two products transacted in the same instant), so
// the authoritative "last emission wins for identical full-key at
// identical timestamp" rule needs a full running index over the batch, not
// a one-step buffer — this is the "list-returning" kernel shape the design
// notes call out, used deliberately here rather than as a drifted variant.
//
// totals is the caller-built running-total seed (see BuildRunningTotals);
// it is mutated in place so callers can inspect the final per-user state.
func UserTimeline(upts iter.Seq[domain.UserProductEntry], seedUPT UPTSeed, totals map[uuid.UUID]domain.UserEntry) []domain.UserEntry {
	order := make([]domain.UserEntry, 0)
	index := make(map[string]int)

	for upt := range upts {
		prev := seedUPT.Get(upt.UserID, upt.ProductID)

		total, ok := totals[upt.UserID]
		if !ok {
			total = domain.ZeroUserEntry(upt.UserID)
		}

		total.NetInvestment = total.NetInvestment.Add(upt.NetInvestment.Sub(prev.NetInvestment))
		total.MarketValue = total.MarketValue.Add(upt.MarketValue.Sub(prev.MarketValue))
		total.Deposits = total.Deposits.Add(upt.Deposits.Sub(prev.Deposits))
		total.Withdrawals = total.Withdrawals.Add(upt.Withdrawals.Sub(prev.Withdrawals))
		total.Fees = total.Fees.Add(upt.Fees.Sub(prev.Fees))
		total.BuyUnits = total.BuyUnits.Add(upt.BuyUnits.Sub(prev.BuyUnits))
		total.SellUnits = total.SellUnits.Add(upt.SellUnits.Sub(prev.SellUnits))
		total.BuyCost = total.BuyCost.Add(upt.BuyCost.Sub(prev.BuyCost))
		total.SellProceeds = total.SellProceeds.Add(upt.SellProceeds.Sub(prev.SellProceeds))
		total.CostBasis = total.CostBasis.Add(upt.Units.Mul(upt.AvgBuyPrice).Sub(prev.Units.Mul(prev.AvgBuyPrice)))
		total.SellBasis = total.SellBasis.Add(upt.SellUnits.Mul(upt.AvgBuyPrice).Sub(prev.SellUnits.Mul(prev.AvgBuyPrice)))

		totals[upt.UserID] = total
		seedUPT.Set(upt)

		rt := total
		rt.UserID = upt.UserID
		rt.T = upt.T

		key := upt.UserID.String() + "|" + upt.T.String()
		if i, exists := index[key]; exists {
			order[i] = rt
		} else {
			index[key] = len(order)
			order = append(order, rt)
		}
	}

	return order
}
