// Package broker defines the Broker interface used by the relay and the
// Upstream adapters that talk to concrete brokerages.
package broker

import (
	"context"
	"errors"

	"tickrelay/internal/domain"
)

// Broker abstracts brokerage operations for the relay. *Client is the only
// production implementation; it owns the session and wraps an Upstream.
type Broker interface {
	// Name returns the upstream identifier (e.g. "alpaca", "simulator").
	Name() string

	// Authenticate exchanges requestToken for a session. An empty token
	// authenticates with the configured key and secret.
	Authenticate(ctx context.Context, requestToken string) (domain.Session, error)

	// LatestTick returns the most recent tick for inst.
	LatestTick(ctx context.Context, inst domain.Instrument) (domain.MarketTick, error)

	// HistoricalBars returns up to limit bars, oldest first.
	HistoricalBars(ctx context.Context, inst domain.Instrument, timeframe string, limit int) ([]domain.MarketTick, error)

	// PlaceOrder submits intent. Business rejections are returned as a
	// result with status rejected, not as an error.
	PlaceOrder(ctx context.Context, intent domain.TradeIntent) (domain.OrderResult, error)

	// Account returns the current balance snapshot.
	Account(ctx context.Context) (domain.Balance, error)
}

// ErrUnauthorized is returned by an Upstream when the brokerage rejects the
// session's credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Placement is an Upstream's answer to an order submission.
type Placement struct {
	OrderID  string
	Rejected bool
	Reason   string
}

// Upstream is the adapter boundary to a concrete brokerage API. It is
// stateless with respect to the session: every call receives the session to
// use. Implementations return ErrUnauthorized (possibly wrapped) when the
// session is rejected.
type Upstream interface {
	Name() string

	// Exchange turns a request token into a session. creds carries the API
	// key and secret; an empty requestToken means key/secret auth.
	Exchange(ctx context.Context, creds domain.Session, requestToken string) (domain.Session, error)

	// Verify confirms the session is still accepted and returns it with a
	// renewed expiry.
	Verify(ctx context.Context, s domain.Session) (domain.Session, error)

	// LatestBar returns the newest bar for inst; ok is false when the
	// brokerage has none.
	LatestBar(ctx context.Context, s domain.Session, inst domain.Instrument) (tick domain.MarketTick, ok bool, err error)

	// Bars returns the newest limit bars at timeframe tf in any order.
	Bars(ctx context.Context, s domain.Session, inst domain.Instrument, tf Timeframe, limit int) ([]domain.MarketTick, error)

	// PlaceOrder submits an order for intent.
	PlaceOrder(ctx context.Context, s domain.Session, intent domain.TradeIntent) (Placement, error)

	// Account returns the account balance.
	Account(ctx context.Context, s domain.Session) (domain.Balance, error)
}
