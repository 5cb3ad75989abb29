package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/internal/domain"
	"tickrelay/internal/store"
	"tickrelay/internal/util"
)

type fakeBroker struct {
	mu      sync.Mutex
	calls   int
	result  func(domain.TradeIntent) domain.OrderResult
	err     error
	balance domain.Balance
}

func (f *fakeBroker) PlaceOrder(_ context.Context, intent domain.TradeIntent) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.OrderResult{}, f.err
	}
	if f.result != nil {
		return f.result(intent), nil
	}
	return domain.ResultFor(intent, domain.OrderStatusAccepted, "X1", ""), nil
}

func (f *fakeBroker) Account(context.Context) (domain.Balance, error) {
	return f.balance, f.err
}

type recordingSink struct {
	got []domain.OrderResult
	err error
}

func (s *recordingSink) Export(_ context.Context, _ domain.TradeIntent, res domain.OrderResult) error {
	s.got = append(s.got, res)
	return s.err
}

type countingObserver struct{ n int }

func (o *countingObserver) OrderResult(domain.OrderResult) { o.n++ }

func validIntent() domain.TradeIntent {
	return domain.TradeIntent{
		ConnectionID: "conn-1",
		Instrument:   domain.Instrument{Exchange: "NSE", Symbol: "RELIANCE"},
		Side:         domain.SideBuy,
		Quantity:     decimal.NewFromInt(1),
		OrderType:    domain.OrderTypeMarket,
		ClientRef:    "r1",
	}
}

func TestNewEngine(t *testing.T) {
	e := NewEngine(&fakeBroker{}, nil, nil, nil)
	if e == nil {
		t.Fatal("NewEngine returned nil")
	}
	if e.Orders() == nil {
		t.Fatal("NewEngine did not default the order store")
	}
}

func TestValidatorCheck(t *testing.T) {
	v := NewValidator(100)

	tests := []struct {
		name  string
		edit  func(*domain.TradeIntent)
		field string
	}{
		{"valid market", func(*domain.TradeIntent) {}, ""},
		{"valid limit", func(i *domain.TradeIntent) {
			i.OrderType = domain.OrderTypeLimit
			i.LimitPrice = decimal.NewFromInt(2500)
		}, ""},
		{"zero quantity", func(i *domain.TradeIntent) { i.Quantity = decimal.Zero }, "quantity"},
		{"negative quantity", func(i *domain.TradeIntent) { i.Quantity = decimal.NewFromInt(-3) }, "quantity"},
		{"over max", func(i *domain.TradeIntent) { i.Quantity = decimal.NewFromInt(101) }, "quantity"},
		{"bad instrument", func(i *domain.TradeIntent) { i.Instrument = domain.Instrument{Exchange: "NSE"} }, "instrument"},
		{"bad side", func(i *domain.TradeIntent) { i.Side = "hold" }, "side"},
		{"bad order type", func(i *domain.TradeIntent) { i.OrderType = "stop" }, "orderType"},
		{"limit without price", func(i *domain.TradeIntent) { i.OrderType = domain.OrderTypeLimit }, "limitPrice"},
		{"market with price", func(i *domain.TradeIntent) { i.LimitPrice = decimal.NewFromInt(1) }, "limitPrice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := validIntent()
			tt.edit(&intent)
			err := v.Check(intent)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Check returned unexpected error: %v", err)
				}
				return
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Check error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestValidatorUnlimited(t *testing.T) {
	intent := validIntent()
	intent.Quantity = decimal.NewFromInt(1_000_000)
	if err := NewValidator(0).Check(intent); err != nil {
		t.Fatalf("Check returned unexpected error: %v", err)
	}
}

func TestSubmitAccepted(t *testing.T) {
	b := &fakeBroker{}
	orders := store.NewMemoryStore(0)
	sink := &recordingSink{}
	obs := &countingObserver{}

	e := NewEngine(b, orders, NewValidator(0), util.Discard())
	e.AddSink(sink)
	e.SetObserver(obs)

	res, err := e.Submit(context.Background(), validIntent())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, res.Status)
	assert.Equal(t, "X1", res.BrokerOrderID)
	assert.Equal(t, "conn-1", res.ConnectionID)
	assert.Equal(t, "r1", res.ClientRef)
	assert.NotEmpty(t, res.TradeIntentID, "intent id is assigned")

	rec, err := orders.GetOrder(context.Background(), res.TradeIntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, rec.Status)

	assert.Len(t, sink.got, 1)
	assert.Equal(t, 1, obs.n)
}

func TestSubmitValidationSkipsBroker(t *testing.T) {
	b := &fakeBroker{}
	orders := store.NewMemoryStore(0)
	sink := &recordingSink{}
	e := NewEngine(b, orders, NewValidator(0), util.Discard())
	e.AddSink(sink)

	intent := validIntent()
	intent.Quantity = decimal.Zero
	_, err := e.Submit(context.Background(), intent)
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, 0, b.calls)
	assert.Empty(t, sink.got)

	list, err := orders.ListOrders(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, list, "nothing journaled")
}

func TestSubmitRejectedIsResult(t *testing.T) {
	b := &fakeBroker{result: func(i domain.TradeIntent) domain.OrderResult {
		return domain.ResultFor(i, domain.OrderStatusRejected, "", "insufficient buying power")
	}}
	e := NewEngine(b, nil, NewValidator(0), util.Discard())

	res, err := e.Submit(context.Background(), validIntent())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, res.Status)
	assert.Equal(t, "insufficient buying power", res.Reason)
}

func TestSubmitBrokerErrorIsErrorResult(t *testing.T) {
	b := &fakeBroker{err: &domain.UpstreamError{Op: "order", Err: errors.New("connection refused")}}
	orders := store.NewMemoryStore(0)
	e := NewEngine(b, orders, NewValidator(0), util.Discard())

	intent := validIntent()
	intent.ID = "fixed"
	res, err := e.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusError, res.Status)
	assert.Equal(t, "fixed", res.TradeIntentID)
	assert.Contains(t, res.Reason, "connection refused")

	rec, err := orders.GetOrder(context.Background(), "fixed")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusError, rec.Status)
}

func TestSubmitSinkFailureKeepsResult(t *testing.T) {
	e := NewEngine(&fakeBroker{}, nil, NewValidator(0), util.Discard())
	e.AddSink(&recordingSink{err: errors.New("kafka down")})

	res, err := e.Submit(context.Background(), validIntent())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, res.Status)
}

func TestSubmitOutlivesCancelledCaller(t *testing.T) {
	orders := store.NewMemoryStore(0)
	e := NewEngine(&fakeBroker{}, orders, NewValidator(0), util.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	intent := validIntent()
	intent.ID = "late"
	res, err := e.Submit(ctx, intent)
	require.NoError(t, err)

	rec, err := orders.GetOrder(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, res.Status, rec.Status)
}

func TestBalance(t *testing.T) {
	b := &fakeBroker{balance: domain.Balance{Cash: decimal.NewFromInt(500), Currency: "USD"}}
	e := NewEngine(b, nil, nil, util.Discard())

	bal, err := e.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USD", bal.Currency)
	assert.True(t, bal.Cash.Equal(decimal.NewFromInt(500)))
}
