package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"tickrelay/internal/domain"
	"tickrelay/internal/store"
	"tickrelay/pkg/tickrelay"
)

// Historian serves historical bars. *broker.Client implements it.
type Historian interface {
	HistoricalBars(ctx context.Context, inst domain.Instrument, timeframe string, limit int) ([]domain.MarketTick, error)
}

// SessionChecker reports whether the broker session is usable.
type SessionChecker interface {
	SessionValid() bool
}

// RegisterRoutes registers the query API and the WebSocket endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /historical/{symbol}/{timeframe}", s.handleHistorical)
	mux.HandleFunc("GET /api/v1/data/historical/{symbol}/{timeframe}", s.handleHistorical)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleOrder)
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Gateway != nil {
		mux.Handle("GET /ws", s.deps.Gateway)
		mux.Handle("GET /api/v1/data/stream", s.deps.Gateway)
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleHistorical returns {"SYMBOL": [bars...]}, oldest first.
func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	inst, err := domain.ParseInstrument(symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := s.deps.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit "+strconv.Quote(v))
			return
		}
		limit = n
	}

	ticks, err := s.deps.Broker.HistoricalBars(r.Context(), inst, r.PathValue("timeframe"), limit)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTimeframe) || domain.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Warn("historical bars failed", "instrument", inst.String(), "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	bars := make([]tickrelay.Bar, len(ticks))
	for i, t := range ticks {
		bars[i] = tickrelay.Bar{
			Timestamp:  t.Timestamp,
			Open:       t.Open,
			High:       t.High,
			Low:        t.Low,
			Close:      t.Close,
			Volume:     t.Volume,
			TradeCount: t.TradeCount,
			VWAP:       t.VWAP,
		}
	}
	writeJSON(w, map[string][]tickrelay.Bar{symbol: bars})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.OrderStatus(strings.ToLower(q.Get("status")))
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit "+strconv.Quote(v))
			return
		}
		limit = n
	}

	orders, err := s.deps.Orders.ListOrders(r.Context(), status, limit)
	if err != nil {
		s.log.Error("listing orders", "error", err)
		writeError(w, http.StatusInternalServerError, "listing orders failed")
		return
	}
	if orders == nil {
		orders = []store.OrderRecord{}
	}
	writeJSON(w, orders)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Orders.GetOrder(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error("reading order", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "reading order failed")
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Trader.Balance(r.Context())
	if err != nil {
		s.log.Warn("account lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, tickrelay.Account{
		Cash:        b.Cash,
		BuyingPower: b.BuyingPower,
		Currency:    b.Currency,
		AsOf:        b.AsOf,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.deps.Session != nil && !s.deps.Session.SessionValid() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("broker session invalid"))
		return
	}
	_, _ = w.Write([]byte("OK"))
}
