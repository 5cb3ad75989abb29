package live

import (
	"tickrelay/internal/domain"
	"tickrelay/pkg/tickrelay"
)

// TickMessage converts tick to its wire frame.
func TickMessage(tick domain.MarketTick) tickrelay.Message {
	ts := tick.Timestamp.UTC()
	return tickrelay.Message{
		Type:       tickrelay.TypeTick,
		Instrument: tick.Instrument.String(),
		Timestamp:  &ts,
		Open:       tick.Open,
		High:       tick.High,
		Low:        tick.Low,
		Close:      tick.Close,
		Volume:     tick.Volume,
		TradeCount: tick.TradeCount,
		VWAP:       tick.VWAP,
	}
}

// ResultMessage converts an order result to its wire frame.
func ResultMessage(res domain.OrderResult) tickrelay.Message {
	return tickrelay.Message{
		Type:          tickrelay.TypeOrderResult,
		IntentID:      res.TradeIntentID,
		Status:        string(res.Status),
		BrokerOrderID: res.BrokerOrderID,
		Reason:        res.Reason,
		Ref:           res.ClientRef,
	}
}

// BalanceMessage converts a balance snapshot to its wire frame.
func BalanceMessage(b domain.Balance) tickrelay.Message {
	cash, bp := b.Cash, b.BuyingPower
	return tickrelay.Message{
		Type:        tickrelay.TypeBalance,
		Cash:        &cash,
		BuyingPower: &bp,
		Currency:    b.Currency,
	}
}

// ErrorMessage builds an error frame echoing the client's ref.
func ErrorMessage(reason, ref string) tickrelay.Message {
	return tickrelay.Message{Type: tickrelay.TypeError, Reason: reason, Ref: ref}
}
