package server

import (
	"time"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// userProductEntryDTO is the wire shape for domain.UserProductEntry — kept
// separate from the domain type so storage/fold internals never leak
// field-for-field into the HTTP contract.
type userProductEntryDTO struct {
	UserID    uuid.UUID `json:"user_id" msgpack:"user_id"`
	ProductID uuid.UUID `json:"product_id" msgpack:"product_id"`
	T         time.Time `json:"t" msgpack:"t"`

	Units         decimal.Decimal `json:"units" msgpack:"units"`
	NetInvestment decimal.Decimal `json:"net_investment" msgpack:"net_investment"`
	Deposits      decimal.Decimal `json:"deposits" msgpack:"deposits"`
	Withdrawals   decimal.Decimal `json:"withdrawals" msgpack:"withdrawals"`
	Fees          decimal.Decimal `json:"fees" msgpack:"fees"`
	BuyUnits      decimal.Decimal `json:"buy_units" msgpack:"buy_units"`
	SellUnits     decimal.Decimal `json:"sell_units" msgpack:"sell_units"`
	BuyCost       decimal.Decimal `json:"buy_cost" msgpack:"buy_cost"`
	SellProceeds  decimal.Decimal `json:"sell_proceeds" msgpack:"sell_proceeds"`

	MarketValue  decimal.Decimal `json:"market_value" msgpack:"market_value"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price" msgpack:"avg_buy_price"`
	AvgSellPrice decimal.Decimal `json:"avg_sell_price" msgpack:"avg_sell_price"`
}

func newUserProductEntryDTO(e domain.UserProductEntry) userProductEntryDTO {
	return userProductEntryDTO{
		UserID: e.UserID, ProductID: e.ProductID, T: e.T,
		Units: e.Units, NetInvestment: e.NetInvestment, Deposits: e.Deposits,
		Withdrawals: e.Withdrawals, Fees: e.Fees, BuyUnits: e.BuyUnits,
		SellUnits: e.SellUnits, BuyCost: e.BuyCost, SellProceeds: e.SellProceeds,
		MarketValue: e.MarketValue, AvgBuyPrice: e.AvgBuyPrice, AvgSellPrice: e.AvgSellPrice,
	}
}

func newUserProductEntryDTOs(entries []domain.UserProductEntry) []userProductEntryDTO {
	out := make([]userProductEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = newUserProductEntryDTO(e)
	}
	return out
}

// userEntryDTO is the wire shape for domain.UserEntry.
type userEntryDTO struct {
	UserID uuid.UUID `json:"user_id" msgpack:"user_id"`
	T      time.Time `json:"t" msgpack:"t"`

	NetInvestment decimal.Decimal `json:"net_investment" msgpack:"net_investment"`
	MarketValue   decimal.Decimal `json:"market_value" msgpack:"market_value"`
	Deposits      decimal.Decimal `json:"deposits" msgpack:"deposits"`
	Withdrawals   decimal.Decimal `json:"withdrawals" msgpack:"withdrawals"`
	Fees          decimal.Decimal `json:"fees" msgpack:"fees"`
	BuyUnits      decimal.Decimal `json:"buy_units" msgpack:"buy_units"`
	SellUnits     decimal.Decimal `json:"sell_units" msgpack:"sell_units"`
	BuyCost       decimal.Decimal `json:"buy_cost" msgpack:"buy_cost"`
	SellProceeds  decimal.Decimal `json:"sell_proceeds" msgpack:"sell_proceeds"`
	CostBasis     decimal.Decimal `json:"cost_basis" msgpack:"cost_basis"`
	SellBasis     decimal.Decimal `json:"sell_basis" msgpack:"sell_basis"`
}

func newUserEntryDTO(e domain.UserEntry) userEntryDTO {
	return userEntryDTO{
		UserID: e.UserID, T: e.T,
		NetInvestment: e.NetInvestment, MarketValue: e.MarketValue, Deposits: e.Deposits,
		Withdrawals: e.Withdrawals, Fees: e.Fees, BuyUnits: e.BuyUnits, SellUnits: e.SellUnits,
		BuyCost: e.BuyCost, SellProceeds: e.SellProceeds, CostBasis: e.CostBasis, SellBasis: e.SellBasis,
	}
}

func newUserEntryDTOs(entries []domain.UserEntry) []userEntryDTO {
	out := make([]userEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = newUserEntryDTO(e)
	}
	return out
}

// priceUpdateRequest is the JSON body shape for POST /v1/price-updates.
type priceUpdateRequest struct {
	ProductID uuid.UUID       `json:"product_id"`
	T         time.Time       `json:"t"`
	Price     decimal.Decimal `json:"price"`
}

func (r priceUpdateRequest) toDomain() domain.PriceUpdate {
	return domain.PriceUpdate{ProductID: r.ProductID, T: r.T, Price: r.Price}
}

// cashflowRequest is the JSON body shape for POST /v1/cashflows. Any
// sufficient subset of the five money/unit fields may be set; the rest are
// derived by the engine.
type cashflowRequest struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	ProductID uuid.UUID  `json:"product_id"`
	T         time.Time  `json:"t"`

	UnitsDelta *decimal.Decimal `json:"units_delta,omitempty"`
	ExecPrice  *decimal.Decimal `json:"exec_price,omitempty"`
	ExecMoney  *decimal.Decimal `json:"exec_money,omitempty"`
	UserMoney  *decimal.Decimal `json:"user_money,omitempty"`
	Fees       *decimal.Decimal `json:"fees,omitempty"`
}

// errorResponse is the JSON body shape for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}
