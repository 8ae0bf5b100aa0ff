package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/aristath/timeline/internal/timeline/engine"
	"github.com/aristath/timeline/internal/timeline/errs"
	"github.com/aristath/timeline/internal/timeline/granularity"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errUnknownGranularity = errors.New("unknown granularity")

// Handlers exposes the engine's five operations as HTTP handlers.
type Handlers struct {
	engine        *engine.Engine
	granularities map[string]granularity.Granularity
	log           zerolog.Logger
}

// NewHandlers builds Handlers over e, indexing gs by their Suffix for
// lookup from the {granularity} path parameter.
func NewHandlers(e *engine.Engine, gs []granularity.Granularity, log zerolog.Logger) *Handlers {
	byName := make(map[string]granularity.Granularity, len(gs))
	for _, g := range gs {
		byName[g.Suffix] = g
	}
	return &Handlers{engine: e, granularities: byName, log: log.With().Str("component", "handlers").Logger()}
}

func (h *Handlers) granularityFromPath(r *http.Request) (granularity.Granularity, bool) {
	g, ok := h.granularities[chi.URLParam(r, "granularity")]
	return g, ok
}

// statusFor classifies err per §7 of the specification: 400 for invalid
// input, 503 for a store that cannot currently serve the request, 500
// otherwise.
func statusFor(err error) int {
	switch {
	case errs.IsInvalidCashflow(err):
		return http.StatusBadRequest
	case errs.IsStoreUnavailable(err), errs.IsSchemaMismatch(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleAppendPriceUpdates handles POST /v1/price-updates.
func (h *Handlers) HandleAppendPriceUpdates(w http.ResponseWriter, r *http.Request) {
	var reqs []priceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	items := make([]domain.PriceUpdate, len(reqs))
	for i, req := range reqs {
		items[i] = req.toDomain()
	}

	if err := h.engine.AppendPriceUpdates(r.Context(), items); err != nil {
		h.log.Error().Err(err).Msg("append price updates failed")
		renderError(w, r, statusFor(err), err)
		return
	}
	render(w, r, http.StatusAccepted, map[string]int{"accepted": len(items)})
}

// HandleAppendCashflows handles POST /v1/cashflows.
func (h *Handlers) HandleAppendCashflows(w http.ResponseWriter, r *http.Request) {
	var reqs []cashflowRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	inputs := make([]engine.CashflowInput, len(reqs))
	for i, req := range reqs {
		id := req.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		inputs[i] = engine.CashflowInput{
			ID: id, UserID: req.UserID, ProductID: req.ProductID, T: req.T,
			UnitsDelta: req.UnitsDelta, ExecPrice: req.ExecPrice,
			ExecMoney: req.ExecMoney, UserMoney: req.UserMoney, Fees: req.Fees,
		}
	}

	if err := h.engine.AppendCashflows(r.Context(), inputs); err != nil {
		h.log.Error().Err(err).Msg("append cashflows failed")
		renderError(w, r, statusFor(err), err)
		return
	}
	render(w, r, http.StatusAccepted, map[string]int{"accepted": len(inputs)})
}

// HandleRefresh handles POST /v1/refresh.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Refresh(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("refresh failed")
		renderError(w, r, statusFor(err), err)
		return
	}
	render(w, r, http.StatusOK, map[string]string{"status": "refreshed"})
}

// HandleUserProductTimeline handles
// GET /v1/users/{user_id}/products/{product_id}/timeline/{granularity}.
func (h *Handlers) HandleUserProductTimeline(w http.ResponseWriter, r *http.Request) {
	g, ok := h.granularityFromPath(r)
	if !ok {
		renderError(w, r, http.StatusNotFound, errUnknownGranularity)
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}
	productID, err := uuid.Parse(chi.URLParam(r, "product_id"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	entries, err := h.engine.QueryUserProductTimeline(r.Context(), userID, productID, g)
	if err != nil {
		h.log.Error().Err(err).Msg("query user product timeline failed")
		renderError(w, r, statusFor(err), err)
		return
	}
	render(w, r, http.StatusOK, newUserProductEntryDTOs(entries))
}

// HandleUserTimeline handles GET /v1/users/{user_id}/timeline/{granularity}.
func (h *Handlers) HandleUserTimeline(w http.ResponseWriter, r *http.Request) {
	g, ok := h.granularityFromPath(r)
	if !ok {
		renderError(w, r, http.StatusNotFound, errUnknownGranularity)
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	entries, err := h.engine.QueryUserTimeline(r.Context(), userID, g)
	if err != nil {
		h.log.Error().Err(err).Msg("query user timeline failed")
		renderError(w, r, statusFor(err), err)
		return
	}
	render(w, r, http.StatusOK, newUserEntryDTOs(entries))
}
