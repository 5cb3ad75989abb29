// Package store journals trade intents and their order results.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tickrelay/internal/domain"
)

// ErrNotFound is returned by GetOrder for an unknown intent ID.
var ErrNotFound = errors.New("order not found")

// DefaultListLimit is used when ListOrders is called with limit <= 0.
const DefaultListLimit = 100

// OrderRecord is a journaled trade intent together with its outcome. Status
// is pending until the broker answers.
type OrderRecord struct {
	ID            string             `json:"id"`
	ConnectionID  string             `json:"connectionId"`
	Instrument    string             `json:"instrument"`
	Side          domain.Side        `json:"side"`
	Quantity      decimal.Decimal    `json:"quantity"`
	OrderType     domain.OrderType   `json:"orderType"`
	LimitPrice    *decimal.Decimal   `json:"limitPrice,omitempty"`
	ClientRef     string             `json:"ref,omitempty"`
	Status        domain.OrderStatus `json:"status"`
	BrokerOrderID string             `json:"brokerOrderId,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// RecordFromIntent builds the pending record for intent.
func RecordFromIntent(intent domain.TradeIntent) OrderRecord {
	r := OrderRecord{
		ID:           intent.ID,
		ConnectionID: intent.ConnectionID,
		Instrument:   intent.Instrument.String(),
		Side:         intent.Side,
		Quantity:     intent.Quantity,
		OrderType:    intent.OrderType,
		ClientRef:    intent.ClientRef,
		Status:       domain.OrderStatusPending,
		CreatedAt:    intent.CreatedAt,
		UpdatedAt:    intent.CreatedAt,
	}
	if intent.OrderType == domain.OrderTypeLimit {
		lp := intent.LimitPrice
		r.LimitPrice = &lp
	}
	return r
}

// OrderStore persists trade intents and order results.
type OrderStore interface {
	// SaveIntent records a new intent with status pending.
	SaveIntent(ctx context.Context, intent domain.TradeIntent) error

	// SaveResult records the outcome of a previously saved intent.
	SaveResult(ctx context.Context, res domain.OrderResult) error

	// GetOrder retrieves one record by intent ID.
	GetOrder(ctx context.Context, id string) (*OrderRecord, error)

	// ListOrders returns the newest records first, optionally filtered by
	// status (empty means all), up to limit.
	ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]OrderRecord, error)

	// Close releases resources held by the store.
	Close() error
}
