// Package tickrelay is a Go client for the tickrelay gateway: the WebSocket
// protocol used to stream ticks and submit trades, plus the HTTP query API.
package tickrelay

import (
	"time"

	"github.com/shopspring/decimal"
)

// Client to server frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeTrade       = "trade"
	TypeBalance     = "balance"
	TypePing        = "ping"
)

// Server to client frame types. TypeBalance is used in both directions.
const (
	TypeTick         = "tick"
	TypeOrderResult  = "orderResult"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypePong         = "pong"
)

// Request is a client to server frame. Only the fields relevant to Type are
// set.
type Request struct {
	Type       string           `json:"type"`
	Instrument string           `json:"instrument,omitempty"`
	Side       string           `json:"side,omitempty"`
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	OrderType  string           `json:"orderType,omitempty"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	Ref        string           `json:"ref,omitempty"`
}

// Message is a server to client frame. Only the fields relevant to Type are
// set; optional tick fields are omitted when the feed does not provide them.
type Message struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument,omitempty"`

	// tick
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Open       float64    `json:"open,omitempty"`
	High       float64    `json:"high,omitempty"`
	Low        float64    `json:"low,omitempty"`
	Close      float64    `json:"close,omitempty"`
	Volume     int64      `json:"volume,omitempty"`
	TradeCount int64      `json:"tradeCount,omitempty"`
	VWAP       float64    `json:"vwap,omitempty"`

	// orderResult
	IntentID      string `json:"intentId,omitempty"`
	Status        string `json:"status,omitempty"`
	BrokerOrderID string `json:"brokerOrderId,omitempty"`

	// balance
	Cash        *decimal.Decimal `json:"cash,omitempty"`
	BuyingPower *decimal.Decimal `json:"buyingPower,omitempty"`
	Currency    string           `json:"currency,omitempty"`

	// orderResult and error
	Reason string `json:"reason,omitempty"`
	Ref    string `json:"ref,omitempty"`
}

// Tick is a decoded tick frame.
type Tick struct {
	Instrument string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Tick converts a tick frame. ok is false for other frame types.
func (m Message) Tick() (t Tick, ok bool) {
	if m.Type != TypeTick {
		return Tick{}, false
	}
	t = Tick{
		Instrument: m.Instrument,
		Open:       m.Open,
		High:       m.High,
		Low:        m.Low,
		Close:      m.Close,
		Volume:     m.Volume,
		TradeCount: m.TradeCount,
		VWAP:       m.VWAP,
	}
	if m.Timestamp != nil {
		t.Timestamp = *m.Timestamp
	}
	return t, true
}

// Bar is one historical bar as returned by the HTTP API.
type Bar struct {
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"tradeCount,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`
}

// Account is the balance snapshot returned by the HTTP API.
type Account struct {
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buyingPower"`
	Currency    string          `json:"currency"`
	AsOf        time.Time       `json:"asOf"`
}

// Order is a journaled trade intent as returned by the HTTP API.
type Order struct {
	ID            string           `json:"id"`
	ConnectionID  string           `json:"connectionId"`
	Instrument    string           `json:"instrument"`
	Side          string           `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	OrderType     string           `json:"orderType"`
	LimitPrice    *decimal.Decimal `json:"limitPrice,omitempty"`
	Ref           string           `json:"ref,omitempty"`
	Status        string           `json:"status"`
	BrokerOrderID string           `json:"brokerOrderId,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}
