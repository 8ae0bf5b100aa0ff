package fold

import (
	"iter"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/aristath/timeline/internal/timeline/iterutil"
	"github.com/google/uuid"
)

// CumulativeByProductSeed is seed_ccf[product][user] → latest cumulative
// cashflow known for that product/user, keyed the way C.2 needs it (by
// product first, so a price update can enumerate every user currently
// holding that product).
type CumulativeByProductSeed map[uuid.UUID]map[uuid.UUID]domain.CumulativeCashflow

// NewCumulativeByProductSeed returns an empty seed.
func NewCumulativeByProductSeed() CumulativeByProductSeed {
	return make(CumulativeByProductSeed)
}

func (s CumulativeByProductSeed) set(ccf domain.CumulativeCashflow) {
	byUser, ok := s[ccf.ProductID]
	if !ok {
		byUser = make(map[uuid.UUID]domain.CumulativeCashflow)
		s[ccf.ProductID] = byUser
	}
	byUser[ccf.UserID] = ccf
}

// NewCumulativeByProductSeedFrom builds a seed from already-known latest
// cumulative cashflows, e.g. loaded from the persisted cache — the shape
// query and repair paths need to prime this kernel from storage.
func NewCumulativeByProductSeedFrom(ccfs []domain.CumulativeCashflow) CumulativeByProductSeed {
	s := NewCumulativeByProductSeed()
	for _, ccf := range ccfs {
		s.set(ccf)
	}
	return s
}

// Holders returns every user currently holding a (possibly zero) position
// in product, as of the seed's state.
func (s CumulativeByProductSeed) Holders(productID uuid.UUID) []domain.CumulativeCashflow {
	byUser := s[productID]
	out := make([]domain.CumulativeCashflow, 0, len(byUser))
	for _, ccf := range byUser {
		out = append(out, ccf)
	}
	return out
}

// PriceSeed is seed_price[product] → latest known price for that product.
type PriceSeed map[uuid.UUID]domain.PriceUpdate

// NewPriceSeed returns an empty seed.
func NewPriceSeed() PriceSeed { return make(PriceSeed) }

// Get returns the latest known price for product and whether one exists.
func (s PriceSeed) Get(productID uuid.UUID) (domain.PriceUpdate, bool) {
	v, ok := s[productID]
	return v, ok
}

// UserProductTimeline is fold kernel C.2. Input is the merge of a
// cumulative-cashflow stream and a bucketed-price stream in timestamp
// order, with cumulative cashflows ordered ahead of price updates at equal
// timestamps (the caller's responsibility — see iterutil.MergeSorted's
// doc comment; this kernel does not reorder its input).
//
// - A CumulativeCashflow(u,p,t) with a known price for p emits an entry at
//   t using that price; with no price yet known for p, it is skipped (no
//   market value definable).
// - A PriceUpdate(p,t,price) re-emits an entry for every user currently
//   holding a position in p, at the new price.
//
// Emissions are buffered one step so that a cashflow and a price bucket
// sharing a timestamp for the same (u,p) collapse to the later-ordered one
// surviving — the authoritative "last emission wins for identical
// full-key at identical timestamp" rule (design notes).
func UserProductTimeline(events iter.Seq[Event], seedCCF CumulativeByProductSeed, seedPrice PriceSeed) iter.Seq[domain.UserProductEntry] {
	return func(yield func(domain.UserProductEntry) bool) {
		var (
			buffered  domain.UserProductEntry
			hasBuffer bool
		)

		emit := func(upt domain.UserProductEntry) bool {
			if hasBuffer && buffered.FullKey() == upt.FullKey() && buffered.Timestamp().Equal(upt.Timestamp()) {
				buffered = upt
				return true
			}
			ok := true
			if hasBuffer {
				ok = yield(buffered)
			}
			buffered, hasBuffer = upt, true
			return ok
		}

		for e := range events {
			switch e.Kind {
			case EventCumulative:
				ccf := e.Cumulative
				price, known := seedPrice.Get(ccf.ProductID)
				if !known {
					continue
				}
				seedCCF.set(ccf)
				if !emit(domain.UserProductEntryFromCumulative(ccf, ccf.T, price.Price)) {
					return
				}

			case EventPrice:
				pu := e.Price
				for _, ccf := range seedCCF.Holders(pu.ProductID) {
					if !emit(domain.UserProductEntryFromCumulative(ccf, pu.T, pu.Price)) {
						return
					}
				}
				seedPrice[pu.ProductID] = pu
			}
		}

		if hasBuffer {
			yield(buffered)
		}
	}
}

// MergeCumulativeAndPrice wraps a cumulative-cashflow stream and a
// bucketed-price stream as Events and merges them with the
// cumulative-precedes-price tie-break the design mandates: the cumulative
// stream is always passed first to iterutil.MergeSorted, so at equal
// timestamps its items sort ahead of price updates.
func MergeCumulativeAndPrice(cumulative iter.Seq[domain.CumulativeCashflow], prices iter.Seq[domain.PriceUpdate]) iter.Seq[Event] {
	cumulativeEvents := func(yield func(Event) bool) {
		for c := range cumulative {
			if !yield(CumulativeEvent(c)) {
				return
			}
		}
	}
	priceEvents := func(yield func(Event) bool) {
		for p := range prices {
			if !yield(PriceEvent(p)) {
				return
			}
		}
	}
	// Cumulative cashflows precede price updates at equal timestamps —
	// this is the spec's mandated, deliberate correction over the source
	// Python's accidental price-wins-ties behaviour (see SPEC_FULL.md).
	return iterutil.MergeSorted(cumulativeEvents, priceEvents)
}
