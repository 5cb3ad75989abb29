package engine

import (
	"github.com/shopspring/decimal"

	"tickrelay/internal/domain"
)

// Validator enforces the local checks a trade intent must pass before it
// is allowed to reach the broker.
type Validator struct {
	maxQty decimal.Decimal // zero means unlimited
}

// NewValidator creates a Validator. maxOrderQty caps the quantity of a
// single intent; 0 disables the cap.
func NewValidator(maxOrderQty float64) *Validator {
	return &Validator{maxQty: decimal.NewFromFloat(maxOrderQty)}
}

// Check returns a *domain.ValidationError describing the first problem with
// intent, or nil when the intent may be submitted.
func (v *Validator) Check(intent domain.TradeIntent) error {
	if err := intent.Instrument.Validate(); err != nil {
		return err
	}
	if !intent.Side.Valid() {
		return &domain.ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !intent.Quantity.IsPositive() {
		return &domain.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	if v != nil && v.maxQty.IsPositive() && intent.Quantity.GreaterThan(v.maxQty) {
		return &domain.ValidationError{Field: "quantity", Reason: "exceeds maximum order quantity " + v.maxQty.String()}
	}

	switch intent.OrderType {
	case domain.OrderTypeMarket:
		if !intent.LimitPrice.IsZero() {
			return &domain.ValidationError{Field: "limitPrice", Reason: "not allowed on market orders"}
		}
	case domain.OrderTypeLimit:
		if !intent.LimitPrice.IsPositive() {
			return &domain.ValidationError{Field: "limitPrice", Reason: "must be greater than zero for limit orders"}
		}
	default:
		return &domain.ValidationError{Field: "orderType", Reason: "must be market or limit"}
	}
	return nil
}
