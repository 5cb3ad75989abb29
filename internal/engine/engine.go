// Package engine turns validated trade intents into broker orders, journals
// both sides of the exchange and hands every result to the configured sinks.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tickrelay/internal/domain"
	"tickrelay/internal/store"
)

// OrderBroker is the part of broker.Broker the engine drives.
type OrderBroker interface {
	PlaceOrder(ctx context.Context, intent domain.TradeIntent) (domain.OrderResult, error)
	Account(ctx context.Context) (domain.Balance, error)
}

// Sink receives every order result after it has been journaled.
type Sink interface {
	Export(ctx context.Context, intent domain.TradeIntent, res domain.OrderResult) error
}

// Observer is notified of each terminal result.
type Observer interface {
	OrderResult(res domain.OrderResult)
}

// Engine orchestrates the trade lifecycle by delegating to a broker for
// execution, an OrderStore for the journal and a Validator for local checks.
type Engine struct {
	broker    OrderBroker
	orders    store.OrderStore
	validator *Validator
	sinks     []Sink
	observer  Observer
	timeout   time.Duration
	log       *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies. A nil
// orders store is replaced by an in-memory one.
func NewEngine(b OrderBroker, orders store.OrderStore, v *Validator, log *slog.Logger) *Engine {
	if orders == nil {
		orders = store.NewMemoryStore(0)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		broker:    b,
		orders:    orders,
		validator: v,
		timeout:   15 * time.Second,
		log:       log.With("component", "engine"),
	}
}

// AddSink registers a sink that receives every result.
func (e *Engine) AddSink(s Sink) { e.sinks = append(e.sinks, s) }

// SetObserver registers o for result notifications.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// SetOrderTimeout bounds each broker placement. Non-positive values are
// ignored.
func (e *Engine) SetOrderTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// Orders returns the journal backing the engine.
func (e *Engine) Orders() store.OrderStore { return e.orders }

// Submit validates intent and, when it passes, places it with the broker.
//
// A validation failure is returned as a *domain.ValidationError and nothing
// is journaled or sent. Otherwise the returned error is nil and the result
// is the single terminal outcome for the intent: accepted or rejected as
// the broker decided, or error when the broker could not be reached.
// Journal and sink failures are logged and never change the result.
func (e *Engine) Submit(ctx context.Context, intent domain.TradeIntent) (domain.OrderResult, error) {
	if err := e.validator.Check(intent); err != nil {
		return domain.OrderResult{}, err
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}

	// The journal and sinks must see the result even when the caller has
	// gone away.
	bg := context.WithoutCancel(ctx)

	if err := e.orders.SaveIntent(bg, intent); err != nil {
		e.log.Warn("journaling intent failed", "intent", intent.ID, "error", err)
	}

	placeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	res, err := e.broker.PlaceOrder(placeCtx, intent)
	cancel()
	if err != nil {
		e.log.Warn("order placement failed",
			"intent", intent.ID,
			"instrument", intent.Instrument.String(),
			"error", err,
		)
		res = domain.ResultFor(intent, domain.OrderStatusError, "", err.Error())
	}

	if err := e.orders.SaveResult(bg, res); err != nil {
		e.log.Warn("journaling result failed", "intent", intent.ID, "error", err)
	}
	for _, s := range e.sinks {
		if err := s.Export(bg, intent, res); err != nil {
			e.log.Warn("exporting result failed", "intent", intent.ID, "error", err)
		}
	}
	if e.observer != nil {
		e.observer.OrderResult(res)
	}
	return res, nil
}

// Balance returns the broker's current balance snapshot.
func (e *Engine) Balance(ctx context.Context) (domain.Balance, error) {
	return e.broker.Account(ctx)
}
