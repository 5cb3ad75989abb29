// Package domain defines the core types shared by the relay: instruments,
// market ticks, trade intents, order results and the broker session.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Side is the direction of a trade intent.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the execution style requested by a client.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus is the terminal outcome of submitting a trade intent.
type OrderStatus string

const (
	OrderStatusAccepted OrderStatus = "accepted"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusError    OrderStatus = "error"

	// OrderStatusPending is only ever stored in the journal between the
	// intent being recorded and the broker answering. It is never sent to
	// clients.
	OrderStatusPending OrderStatus = "pending"
)

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session holds the broker credentials and the access token obtained from
// the authentication exchange.
type Session struct {
	APIKey      string
	APISecret   string
	AccessToken string
	ExpiresAt   time.Time // zero means no expiry
}

// Valid reports whether the session carries a token that has not expired
// at now.
func (s Session) Valid(now time.Time) bool {
	if s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// MarketTick is a single bar or quote observation for an instrument.
// Open, High, Low, Volume, TradeCount and VWAP are zero for line-only feeds.
type MarketTick struct {
	Instrument Instrument
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// TradeIntent is a client's request to buy or sell, prior to broker
// acceptance.
type TradeIntent struct {
	ID           string
	ConnectionID string
	Instrument   Instrument
	Side         Side
	Quantity     decimal.Decimal
	OrderType    OrderType
	LimitPrice   decimal.Decimal // only meaningful for limit orders
	ClientRef    string          // echoed back to the client, opaque to us
	CreatedAt    time.Time
}

// OrderResult is the terminal outcome of a TradeIntent.
type OrderResult struct {
	TradeIntentID string
	ConnectionID  string
	Status        OrderStatus
	BrokerOrderID string
	Reason        string
	ClientRef     string
	At            time.Time
}

// ResultFor builds an OrderResult correlated to intent.
func ResultFor(intent TradeIntent, status OrderStatus, brokerOrderID, reason string) OrderResult {
	return OrderResult{
		TradeIntentID: intent.ID,
		ConnectionID:  intent.ConnectionID,
		Status:        status,
		BrokerOrderID: brokerOrderID,
		Reason:        reason,
		ClientRef:     intent.ClientRef,
		At:            time.Now().UTC(),
	}
}

// Balance is the server-owned account snapshot shown to clients.
type Balance struct {
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
	Currency    string
	AsOf        time.Time
}
