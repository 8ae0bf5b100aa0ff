package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/aristath/timeline/internal/timeline/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// streamEvent is the message shape pushed to /v1/stream subscribers: either
// a freshly materialized UserEntry or UserProductEntry row, tagged by kind.
type streamEvent struct {
	Kind           string               `json:"kind"`
	UserEntry      *userEntryDTO        `json:"user_entry,omitempty"`
	UserProductRow *userProductEntryDTO `json:"user_product_entry,omitempty"`
}

// Hub fans out materialization events to websocket subscribers. It holds no
// store state of its own — the engine calls PublishUserEntries /
// PublishUserProductEntries as a side effect of refresh()/append_cashflows,
// exactly the way the donor's websocket client updates its local cache and
// emits an event on every inbound message.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan streamEvent]struct{}
	log         zerolog.Logger
}

// NewHub returns an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[chan streamEvent]struct{}),
		log:         log.With().Str("component", "stream_hub").Logger(),
	}
}

// PublishUserEntries fans out freshly materialized user-timeline rows.
func (h *Hub) PublishUserEntries(entries []domain.UserEntry) {
	for _, e := range entries {
		dto := newUserEntryDTO(e)
		h.broadcast(streamEvent{Kind: "user_entry", UserEntry: &dto})
	}
}

// PublishUserProductEntries fans out freshly materialized per-(user,
// product) timeline rows.
func (h *Hub) PublishUserProductEntries(entries []domain.UserProductEntry) {
	for _, e := range entries {
		dto := newUserProductEntryDTO(e)
		h.broadcast(streamEvent{Kind: "user_product_entry", UserProductRow: &dto})
	}
}

func (h *Hub) broadcast(evt streamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
			h.log.Warn().Msg("subscriber channel full, dropping event")
		}
	}
}

func (h *Hub) subscribe() chan streamEvent {
	ch := make(chan streamEvent, 256)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan streamEvent) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
	close(ch)
}

// ServeHTTP accepts a websocket connection at /v1/stream and writes
// subsequent materialization events to it as JSON text frames, the accept-side
// analog of the donor's dialing websocket client. Events published while
// this subscriber's 256-event buffer is full are dropped (see broadcast).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to accept websocket connection")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.log.Error().Err(err).Msg("failed to marshal stream event")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("stream write failed, closing subscriber")
				return
			}
		}
	}
}
