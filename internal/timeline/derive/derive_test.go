package derive

import (
	"testing"

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

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// S5 from the end-to-end scenarios.
func TestDerive_UnitsExecPriceFees(t *testing.T) {
	out, err := Derive(Partial{
		UnitsDelta: ptr(dec("5")),
		ExecPrice:  ptr(dec("100")),
		Fees:       ptr(dec("5")),
	})
	require.NoError(t, err)
	assert.True(t, out.ExecMoney.Equal(dec("500")))
	assert.True(t, out.UserMoney.Equal(dec("505")))
}

func TestDerive_UserMoneyFeesExecPrice(t *testing.T) {
	out, err := Derive(Partial{
		UserMoney: ptr(dec("505")),
		Fees:      ptr(dec("5")),
		ExecPrice: ptr(dec("100")),
	})
	require.NoError(t, err)
	assert.True(t, out.ExecMoney.Equal(dec("500")))
	assert.True(t, out.UnitsDelta.Equal(dec("5")))
}

func TestDerive_InconsistentFails(t *testing.T) {
	_, err := Derive(Partial{
		UnitsDelta: ptr(dec("5")),
		ExecPrice:  ptr(dec("100")),
		ExecMoney:  ptr(dec("600")),
	})
	require.Error(t, err)
}

func TestDerive_InsufficientDataFails(t *testing.T) {
	_, err := Derive(Partial{
		UnitsDelta: ptr(dec("5")),
	})
	require.Error(t, err)
}

// Invariant 8: derivation round-trip. Starting from all five fields, keep
// each of three solvable three-field subsets, drop the other two fields and
// re-derive; the result must match the original within epsilon.
func TestDerive_RoundTrip(t *testing.T) {
	full := Derived{
		UnitsDelta: dec("10"),
		ExecPrice:  dec("100"),
		ExecMoney:  dec("1000"),
		UserMoney:  dec("1010"),
		Fees:       dec("10"),
	}

	cases := []Partial{
		{UnitsDelta: ptr(full.UnitsDelta), ExecPrice: ptr(full.ExecPrice), Fees: ptr(full.Fees)},
		{ExecMoney: ptr(full.ExecMoney), UserMoney: ptr(full.UserMoney), ExecPrice: ptr(full.ExecPrice)},
		{UnitsDelta: ptr(full.UnitsDelta), UserMoney: ptr(full.UserMoney), Fees: ptr(full.Fees)},
	}

	for i, c := range cases {
		out, err := Derive(c)
		require.NoErrorf(t, err, "case %d", i)
		assert.Truef(t, out.UnitsDelta.Sub(full.UnitsDelta).Abs().LessThan(epsilon), "case %d units_delta", i)
		assert.Truef(t, out.ExecPrice.Sub(full.ExecPrice).Abs().LessThan(epsilon), "case %d exec_price", i)
		assert.Truef(t, out.ExecMoney.Sub(full.ExecMoney).Abs().LessThan(epsilon), "case %d exec_money", i)
		assert.Truef(t, out.UserMoney.Sub(full.UserMoney).Abs().LessThan(epsilon), "case %d user_money", i)
		assert.Truef(t, out.Fees.Sub(full.Fees).Abs().LessThan(epsilon), "case %d fees", i)
	}
}
