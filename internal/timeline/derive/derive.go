// Package derive implements the event model & derivation component: filling
// in a cashflow's five money/unit fields from any sufficient subset and
// validating the result.
package derive

import (
	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/aristath/timeline/internal/timeline/errs"
	"github.com/shopspring/decimal"
)

// epsilon is the consistency tolerance for the two validation invariants.
var epsilon = decimal.NewFromFloat(0.01)

// Partial is a partially-specified cashflow: any subset of the five fields
// may be nil.
type Partial struct {
	UnitsDelta *decimal.Decimal
	ExecPrice  *decimal.Decimal
	ExecMoney  *decimal.Decimal
	UserMoney  *decimal.Decimal
	Fees       *decimal.Decimal
}

// Derived holds all five fields, fully specified and validated.
type Derived struct {
	UnitsDelta decimal.Decimal
	ExecPrice  decimal.Decimal
	ExecMoney  decimal.Decimal
	UserMoney  decimal.Decimal
	Fees       decimal.Decimal
}

// Derive fills in missing fields of p by iterating the derivation rules
// until a fixed point, then validates the two consistency invariants.
//
// Returns *errs.InvalidCashflowError wrapping either an "insufficient data"
// or "inconsistent" condition, matching §4.A and §7 of the design: a
// supplied cashflow that can't be completed or that fails validation is
// always InvalidCashflow, never a distinct error kind.
func Derive(p Partial) (Derived, error) {
	unitsDelta, execPrice, execMoney, userMoney, fees := p.UnitsDelta, p.ExecPrice, p.ExecMoney, p.UserMoney, p.Fees

	for {
		foundMissing, changed := false, false

		if unitsDelta == nil {
			foundMissing = true
			if execMoney != nil && execPrice != nil && !execPrice.IsZero() {
				v := execMoney.Div(*execPrice)
				unitsDelta = &v
				changed = true
			}
		}
		if execPrice == nil {
			foundMissing = true
			if execMoney != nil && unitsDelta != nil && !unitsDelta.IsZero() {
				v := execMoney.Div(*unitsDelta)
				execPrice = &v
				changed = true
			}
		}
		if execMoney == nil {
			foundMissing = true
			if unitsDelta != nil && execPrice != nil {
				v := unitsDelta.Mul(*execPrice)
				execMoney = &v
				changed = true
			} else if userMoney != nil && fees != nil {
				v := userMoney.Sub(*fees)
				execMoney = &v
				changed = true
			}
		}
		if userMoney == nil {
			foundMissing = true
			if execMoney != nil && fees != nil {
				v := execMoney.Add(*fees)
				userMoney = &v
				changed = true
			}
		}
		if fees == nil {
			foundMissing = true
			if execMoney != nil && userMoney != nil {
				v := userMoney.Sub(*execMoney)
				fees = &v
				changed = true
			}
		}

		if !foundMissing {
			break
		}
		if !changed {
			return Derived{}, &errs.InvalidCashflowError{Message: "cannot derive missing values from the supplied subset"}
		}
	}

	if unitsDelta.Mul(*execPrice).Sub(*execMoney).Abs().GreaterThanOrEqual(epsilon) {
		return Derived{}, &errs.InvalidCashflowError{
			Message: "units_delta * exec_price != exec_money",
		}
	}
	if execMoney.Add(*fees).Sub(*userMoney).Abs().GreaterThanOrEqual(epsilon) {
		return Derived{}, &errs.InvalidCashflowError{
			Message: "exec_money + fees != user_money",
		}
	}

	return Derived{
		UnitsDelta: *unitsDelta,
		ExecPrice:  *execPrice,
		ExecMoney:  *execMoney,
		UserMoney:  *userMoney,
		Fees:       *fees,
	}, nil
}

// ApplyTo returns a domain.Cashflow built from identity fields plus the
// derived money/unit fields.
func (d Derived) ApplyTo(cf domain.Cashflow) domain.Cashflow {
	cf.UnitsDelta = d.UnitsDelta
	cf.ExecPrice = d.ExecPrice
	cf.ExecMoney = d.ExecMoney
	cf.UserMoney = d.UserMoney
	cf.Fees = d.Fees
	return cf
}
