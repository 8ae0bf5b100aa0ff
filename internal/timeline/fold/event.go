// Package fold implements the three pure fold kernels: cashflow →
// cumulative cashflow, (cumulative cashflow | price update)* → user-product
// entry, user-product entry → user entry. Kernels never touch storage; they
// take an in-memory seed and a sorted input stream and produce a sorted
// output stream plus an updated seed, so the engine can stitch chained
// computations (§4.C of the design).
package fold

import (
	"time"

	"github.com/aristath/timeline/internal/timeline/domain"
)

// EventKind discriminates the two variants merged by user_product_timeline.
type EventKind int

const (
	// EventCumulative wraps a domain.CumulativeCashflow.
	EventCumulative EventKind = iota
	// EventPrice wraps a domain.PriceUpdate.
	EventPrice
)

// Event is the strongly-typed sum-of-kinds merge_sorted's user_product_timeline
// caller merges: "Event = CumulativeCashflow | PriceUpdate" per the design
// notes, expressed as a tagged struct since Go has no native sum types.
type Event struct {
	Kind       EventKind
	Cumulative domain.CumulativeCashflow
	Price      domain.PriceUpdate
}

// Timestamp implements iterutil.Timestamped.
func (e Event) Timestamp() time.Time {
	if e.Kind == EventCumulative {
		return e.Cumulative.T
	}
	return e.Price.T
}

// CumulativeEvent wraps a CumulativeCashflow as an Event.
func CumulativeEvent(c domain.CumulativeCashflow) Event {
	return Event{Kind: EventCumulative, Cumulative: c}
}

// PriceEvent wraps a PriceUpdate as an Event.
func PriceEvent(p domain.PriceUpdate) Event {
	return Event{Kind: EventPrice, Price: p}
}
