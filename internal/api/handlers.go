package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"autotrader/internal/domain"
	"autotrader/internal/engine"
	"autotrader/internal/source"
)

// Engine is the subset of the engine the API exposes.
type Engine interface {
	Trades(f engine.TradeFilter) []*domain.Trade
	Trade(ctx context.Context, id string) (*domain.Trade, error)
	LiveTrades() []*domain.Trade
	Stats() engine.Stats
	Confirm(ctx context.Context, id string) (*domain.Trade, error)
	Cancel(ctx context.Context, id, reason string) (*domain.Trade, error)
	Close(ctx context.Context, id string) (*domain.Trade, error)
	SetMode(mode domain.Mode) error
}

// CandidateSink accepts candidates for the next engine cycle.
type CandidateSink interface {
	Push(cs ...domain.Candidate) error
}

// CancelRequest is the optional body of POST /api/trades/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// SubmitResponse is returned by POST /api/candidates.
type SubmitResponse struct {
	Queued int `json:"queued"`
}

// handlers holds the HTTP endpoints.
type handlers struct {
	engine     Engine
	candidates CandidateSink
	hub        *Hub
	log        *slog.Logger
}

// RegisterRoutes registers all API routes on the given mux.
func (h *handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/trades", h.handleTrades)
	mux.HandleFunc("GET /api/trades/{id}", h.handleTrade)
	mux.HandleFunc("POST /api/trades/{id}/confirm", h.handleConfirm)
	mux.HandleFunc("POST /api/trades/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/trades/{id}/close", h.handleClose)
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("PUT /api/mode/{mode}", h.handleMode)
	mux.HandleFunc("POST /api/candidates", h.handleCandidates)
	if h.hub != nil {
		mux.HandleFunc("GET /ws", h.hub.ServeWS)
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleTrades lists in-memory trades, filtered by ?status= and ?symbol=.
func (h *handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := engine.TradeFilter{
		Status: domain.TradeStatus(strings.ToLower(q.Get("status"))),
		Symbol: strings.ToUpper(q.Get("symbol")),
	}
	writeJSON(w, h.engine.Trades(f))
}

func (h *handlers) handleTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Trade(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, t)
}

func (h *handlers) handleConfirm(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Confirm(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, t)
}

func (h *handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	t, err := h.engine.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, t)
}

func (h *handlers) handleClose(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, t)
}

func (h *handlers) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.engine.Stats())
}

func (h *handlers) handleMode(w http.ResponseWriter, r *http.Request) {
	mode := domain.Mode(strings.ToLower(r.PathValue("mode")))
	if err := h.engine.SetMode(mode); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]domain.Mode{"mode": mode})
}

// handleCandidates accepts a single candidate object or an array of them.
func (h *handlers) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if h.candidates == nil {
		writeError(w, http.StatusNotImplemented, "candidate intake disabled")
		return
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var batch []domain.Candidate
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &batch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid candidate list")
			return
		}
	} else {
		var c domain.Candidate
		if err := json.Unmarshal(raw, &c); err != nil {
			writeError(w, http.StatusBadRequest, "invalid candidate")
			return
		}
		batch = []domain.Candidate{c}
	}
	for i, c := range batch {
		if strings.TrimSpace(c.Symbol) == "" || !c.Direction.Valid() {
			writeError(w, http.StatusBadRequest, "candidate "+strconv.Itoa(i)+": symbol and direction are required")
			return
		}
	}
	if err := h.candidates.Push(batch...); err != nil {
		if errors.Is(err, source.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Info("candidates queued", "count", len(batch))
	writeJSONStatus(w, http.StatusAccepted, SubmitResponse{Queued: len(batch)})
}

// writeEngineError maps engine error kinds to HTTP status codes.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrTradeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrRiskLimitExceeded):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrExecution):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}
