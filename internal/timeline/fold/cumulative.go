package fold

import (
	"iter"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/google/uuid"
)

// CumulativeSeed is seed[user][product] → latest CumulativeCashflow, the
// nested map the design notes describe as "plain nested maps, key →
// latest state; never carry back-pointers".
type CumulativeSeed map[uuid.UUID]map[uuid.UUID]domain.CumulativeCashflow

// NewCumulativeSeed returns an empty seed.
func NewCumulativeSeed() CumulativeSeed {
	return make(CumulativeSeed)
}

// Get returns the latest cumulative cashflow for (user, product), or the
// zero record if none exists yet.
func (s CumulativeSeed) Get(userID, productID uuid.UUID) domain.CumulativeCashflow {
	if byProduct, ok := s[userID]; ok {
		if v, ok := byProduct[productID]; ok {
			return v
		}
	}
	return domain.ZeroCumulativeCashflow(userID, productID)
}

// Set records the latest cumulative cashflow for (user, product).
func (s CumulativeSeed) Set(ccf domain.CumulativeCashflow) {
	byProduct, ok := s[ccf.UserID]
	if !ok {
		byProduct = make(map[uuid.UUID]domain.CumulativeCashflow)
		s[ccf.UserID] = byProduct
	}
	byProduct[ccf.ProductID] = ccf
}

// CumulativeCashflows is fold kernel C.1: for each cashflow c in timestamp
// order, fold it onto seed[c.user][c.product] (or a zero record) and emit
// the result, updating the seed in place.
func CumulativeCashflows(cashflows iter.Seq[domain.Cashflow], seed CumulativeSeed) iter.Seq[domain.CumulativeCashflow] {
	return func(yield func(domain.CumulativeCashflow) bool) {
		for cf := range cashflows {
			start := seed.Get(cf.UserID, cf.ProductID)
			next := applyCashflow(start, cf)
			seed.Set(next)
			if !yield(next) {
				return
			}
		}
	}
}

// applyCashflow computes s ⊕ c componentwise, per §4.C.1.
func applyCashflow(s domain.CumulativeCashflow, c domain.Cashflow) domain.CumulativeCashflow {
	out := domain.CumulativeCashflow{
		CashflowID: c.ID,
		UserID:     c.UserID,
		ProductID:  c.ProductID,
		T:          c.T,

		Units:         s.Units.Add(c.UnitsDelta),
		NetInvestment: s.NetInvestment.Add(c.UserMoney),
		Fees:          s.Fees.Add(c.Fees),
		Deposits:      s.Deposits,
		Withdrawals:   s.Withdrawals,
		BuyUnits:      s.BuyUnits,
		SellUnits:     s.SellUnits,
		BuyCost:       s.BuyCost,
		SellProceeds:  s.SellProceeds,
	}

	switch {
	case c.IsBuy():
		out.Deposits = s.Deposits.Add(c.UserMoney)
		out.BuyUnits = s.BuyUnits.Add(c.UnitsDelta)
		out.BuyCost = s.BuyCost.Add(c.ExecMoney)
	case c.IsSell():
		out.Withdrawals = s.Withdrawals.Add(c.UserMoney.Neg())
		out.SellUnits = s.SellUnits.Add(c.UnitsDelta.Neg())
		out.SellProceeds = s.SellProceeds.Add(c.ExecMoney.Neg())
	}

	return out
}
