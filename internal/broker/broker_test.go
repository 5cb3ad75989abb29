package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/internal/domain"
	"tickrelay/internal/util"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeUpstream struct {
	clock *fakeClock

	mu            sync.Mutex
	exchangeCalls int
	exchangeErrs  []error
	verifyCalls   int
	verifyGate    chan struct{}
	verifyErr     error
	accountCalls  int
	accountErrs   []error
	latest        *domain.MarketTick
	blockLatest   bool
	bars          []domain.MarketTick
	gotLimit      int
	placement     Placement
	placeErr      error
}

func (f *fakeUpstream) Name() string { return "fake" }

func (f *fakeUpstream) Exchange(_ context.Context, creds domain.Session, token string) (domain.Session, error) {
	if token == "bad" {
		return domain.Session{}, ErrUnauthorized
	}
	f.mu.Lock()
	f.exchangeCalls++
	var err error
	if len(f.exchangeErrs) > 0 {
		err, f.exchangeErrs = f.exchangeErrs[0], f.exchangeErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return domain.Session{}, err
	}
	creds.AccessToken = "tok-1"
	creds.ExpiresAt = f.clock.Now().Add(time.Hour)
	return creds, nil
}

func (f *fakeUpstream) Verify(_ context.Context, s domain.Session) (domain.Session, error) {
	f.mu.Lock()
	f.verifyCalls++
	gate, err := f.verifyGate, f.verifyErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return domain.Session{}, err
	}
	s.ExpiresAt = f.clock.Now().Add(time.Hour)
	return s, nil
}

func (f *fakeUpstream) LatestBar(ctx context.Context, _ domain.Session, _ domain.Instrument) (domain.MarketTick, bool, error) {
	if f.blockLatest {
		<-ctx.Done()
		return domain.MarketTick{}, false, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return domain.MarketTick{}, false, nil
	}
	return *f.latest, true, nil
}

func (f *fakeUpstream) Bars(_ context.Context, _ domain.Session, _ domain.Instrument, _ Timeframe, limit int) ([]domain.MarketTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotLimit = limit
	return append([]domain.MarketTick(nil), f.bars...), nil
}

func (f *fakeUpstream) PlaceOrder(context.Context, domain.Session, domain.TradeIntent) (Placement, error) {
	return f.placement, f.placeErr
}

func (f *fakeUpstream) Account(context.Context, domain.Session) (domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	if len(f.accountErrs) > 0 {
		err := f.accountErrs[0]
		f.accountErrs = f.accountErrs[1:]
		if err != nil {
			return domain.Balance{}, err
		}
	}
	return domain.Balance{Cash: decimal.NewFromInt(1000), BuyingPower: decimal.NewFromInt(2000), Currency: "USD"}, nil
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeUpstream, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	up := &fakeUpstream{clock: clock}
	opts = append([]Option{WithClock(clock.Now), WithLogger(util.Discard())}, opts...)
	c := NewClient(up, "key", "secret", opts...)
	return c, up, clock
}

func authenticate(t *testing.T, c *Client) {
	t.Helper()
	_, err := c.Authenticate(context.Background(), "")
	require.NoError(t, err)
}

var testInst = domain.Instrument{Exchange: "NSE", Symbol: "RELIANCE"}

// ---------------------------------------------------------------------------
// session management
// ---------------------------------------------------------------------------

func TestClientRequiresAuthentication(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.LatestTick(context.Background(), testInst)
	require.Error(t, err)
	assert.True(t, domain.IsAuth(err), "error %v should be an AuthError", err)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestClientAuthenticateRejected(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.Authenticate(context.Background(), "bad")
	assert.True(t, domain.IsAuth(err), "error %v should be an AuthError", err)
	assert.False(t, c.SessionValid())
}

func TestClientAuthenticateNetworkFailureIsRetriable(t *testing.T) {
	c, up, _ := newTestClient(t)
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	up.exchangeErrs = []error{dialErr, dialErr}

	_, err := c.Authenticate(context.Background(), "")
	require.Error(t, err)
	assert.False(t, domain.IsAuth(err), "error %v should not be an AuthError", err)
	assert.True(t, domain.IsUpstream(err), "error %v should be an UpstreamError", err)
	assert.True(t, domain.IsRetriable(err))

	// The remaining failure is retried through to a session.
	err = util.RetryIf(context.Background(), 5, time.Millisecond, domain.IsRetriable, func() error {
		_, err := c.Authenticate(context.Background(), "")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, up.exchangeCalls)
	assert.True(t, c.SessionValid())
}

func TestClientAuthenticateRejectedIsNotRetried(t *testing.T) {
	c, _, _ := newTestClient(t)

	attempts := 0
	err := util.RetryIf(context.Background(), 5, time.Millisecond, domain.IsRetriable, func() error {
		attempts++
		_, err := c.Authenticate(context.Background(), "bad")
		return err
	})
	assert.True(t, domain.IsAuth(err))
	assert.Equal(t, 1, attempts)
}

func TestClientAuthenticateMissingKey(t *testing.T) {
	up := &fakeUpstream{clock: &fakeClock{t: time.Now()}}
	c := NewClient(up, "", "", WithLogger(util.Discard()))

	_, err := c.Authenticate(context.Background(), "")
	assert.True(t, domain.IsAuth(err))
}

func TestClientRefreshesExpiredSession(t *testing.T) {
	c, up, clock := newTestClient(t)
	authenticate(t, c)

	clock.Advance(2 * time.Hour)
	assert.False(t, c.SessionValid())

	_, err := c.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, up.verifyCalls)
	assert.True(t, c.SessionValid())
}

func TestClientConcurrentRefreshCollapses(t *testing.T) {
	c, up, clock := newTestClient(t)
	authenticate(t, c)
	clock.Advance(2 * time.Hour)

	up.verifyGate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Account(context.Background())
			errs <- err
		}()
	}

	// Let the callers pile up behind the gate before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(up.verifyGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, up.verifyCalls, "concurrent refreshes should share one exchange")
}

func TestClientRetriesOnceAfterUnauthorized(t *testing.T) {
	c, up, _ := newTestClient(t)
	authenticate(t, c)

	up.accountErrs = []error{ErrUnauthorized}
	b, err := c.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USD", b.Currency)
	assert.Equal(t, 2, up.accountCalls)
	assert.Equal(t, 1, up.verifyCalls)
}

func TestClientSecondUnauthorizedIsAuthError(t *testing.T) {
	c, up, _ := newTestClient(t)
	authenticate(t, c)

	up.accountErrs = []error{ErrUnauthorized, ErrUnauthorized, ErrUnauthorized}
	_, err := c.Account(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsAuth(err))
	assert.Equal(t, 2, up.accountCalls, "call should be retried exactly once")
	assert.Equal(t, 1, up.verifyCalls)
}

func TestClientRefreshRejectedIsAuthError(t *testing.T) {
	c, up, clock := newTestClient(t)
	authenticate(t, c)
	clock.Advance(2 * time.Hour)
	up.verifyErr = ErrUnauthorized

	_, err := c.Account(context.Background())
	assert.True(t, domain.IsAuth(err))
	assert.Equal(t, 0, up.accountCalls)
}

func TestClientCallTimeout(t *testing.T) {
	c, up, _ := newTestClient(t, WithCallTimeout(20*time.Millisecond))
	authenticate(t, c)
	up.blockLatest = true

	_, err := c.LatestTick(context.Background(), testInst)
	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Timeout, "deadline should be reported as a timeout")
}

// ---------------------------------------------------------------------------
// market data
// ---------------------------------------------------------------------------

func TestLatestTickNoUpdate(t *testing.T) {
	c, up, _ := newTestClient(t)
	authenticate(t, c)

	_, err := c.LatestTick(context.Background(), testInst)
	assert.ErrorIs(t, err, domain.ErrNoUpdate)

	ts := time.Date(2026, 3, 2, 15, 1, 0, 0, time.UTC)
	up.latest = &domain.MarketTick{Timestamp: ts, Close: 101.5}
	tick, err := c.LatestTick(context.Background(), testInst)
	require.NoError(t, err)
	assert.Equal(t, testInst, tick.Instrument)

	// No new bar: the last known tick is returned.
	up.latest = nil
	tick, err = c.LatestTick(context.Background(), testInst)
	require.NoError(t, err)
	assert.Equal(t, ts, tick.Timestamp)
	assert.Equal(t, 101.5, tick.Close)
}

func TestHistoricalBarsOrderingAndLimit(t *testing.T) {
	c, up, _ := newTestClient(t)
	authenticate(t, c)

	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	up.bars = []domain.MarketTick{
		{Timestamp: base.Add(2 * time.Hour), Close: 3},
		{Timestamp: base, Close: 1},
		{Timestamp: base.Add(time.Hour), Close: 2},
	}

	bars, err := c.HistoricalBars(context.Background(), testInst, "1Hour", 5000)
	require.NoError(t, err)
	assert.Equal(t, MaxHistoryLimit, up.gotLimit)
	require.Len(t, bars, 3)
	for i, want := range []float64{1, 2, 3} {
		assert.Equal(t, want, bars[i].Close)
		assert.Equal(t, testInst, bars[i].Instrument)
	}

	bars, err = c.HistoricalBars(context.Background(), testInst, "1H", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 2.0, bars[0].Close)
}

func TestHistoricalBarsInvalid(t *testing.T) {
	c, _, _ := newTestClient(t)
	authenticate(t, c)

	for _, tc := range []struct {
		tf    string
		limit int
	}{
		{"7Fortnight", 10},
		{"0Min", 10},
		{"2D", 10},
		{"1D", 0},
	} {
		_, err := c.HistoricalBars(context.Background(), testInst, tc.tf, tc.limit)
		assert.True(t, domain.IsUpstream(err), "%s/%d: error %v should be an UpstreamError", tc.tf, tc.limit, err)
		assert.ErrorIs(t, err, domain.ErrInvalidTimeframe)
	}
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in   string
		want Timeframe
	}{
		{"1D", Timeframe{1, UnitDay}},
		{"5Min", Timeframe{5, UnitMinute}},
		{"15T", Timeframe{15, UnitMinute}},
		{"1Hour", Timeframe{1, UnitHour}},
		{"4h", Timeframe{4, UnitHour}},
		{"1W", Timeframe{1, UnitWeek}},
		{"3M", Timeframe{3, UnitMonth}},
		{"Day", Timeframe{1, UnitDay}},
	}
	for _, tt := range tests {
		got, err := ParseTimeframe(tt.in)
		if err != nil {
			t.Errorf("ParseTimeframe(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeframe(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "5", "60Min", "24Hour", "5M5", "5Month"} {
		if _, err := ParseTimeframe(bad); !errors.Is(err, domain.ErrInvalidTimeframe) {
			t.Errorf("ParseTimeframe(%q) error = %v, want ErrInvalidTimeframe", bad, err)
		}
	}
}

// ---------------------------------------------------------------------------
// trading
// ---------------------------------------------------------------------------

func TestPlaceOrderRejectionIsResult(t *testing.T) {
	c, up, _ := newTestClient(t)
	authenticate(t, c)
	up.placement = Placement{Rejected: true, Reason: "insufficient buying power"}

	intent := domain.TradeIntent{ID: "intent-1", ConnectionID: "conn-1", Instrument: testInst,
		Side: domain.SideBuy, Quantity: decimal.NewFromInt(10), OrderType: domain.OrderTypeMarket, ClientRef: "r1"}
	res, err := c.PlaceOrder(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, res.Status)
	assert.Equal(t, "insufficient buying power", res.Reason)
	assert.Equal(t, "intent-1", res.TradeIntentID)
	assert.Equal(t, "conn-1", res.ConnectionID)
	assert.Equal(t, "r1", res.ClientRef)
}

func TestPlaceOrderAccepted(t *testing.T) {
	c, up, _ := newTestClient(t)
	authenticate(t, c)
	up.placement = Placement{OrderID: "ord-9"}

	res, err := c.PlaceOrder(context.Background(), domain.TradeIntent{ID: "intent-2", Instrument: testInst})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, res.Status)
	assert.Equal(t, "ord-9", res.BrokerOrderID)
}

func TestPlaceOrderTransportError(t *testing.T) {
	c, up, _ := newTestClient(t)
	authenticate(t, c)
	up.placeErr = errors.New("connection reset")

	_, err := c.PlaceOrder(context.Background(), domain.TradeIntent{ID: "intent-3", Instrument: testInst})
	assert.True(t, domain.IsUpstream(err))
}

// ---------------------------------------------------------------------------
// simulator
// ---------------------------------------------------------------------------

func TestSimulatorThroughClient(t *testing.T) {
	sim := NewSimulatorUpstream(decimal.NewFromInt(10000), time.Hour)
	c := NewClient(sim, "", "", WithLogger(util.Discard()))
	ctx := context.Background()

	sess, err := c.Authenticate(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)
	assert.Equal(t, "simulator", c.Name())

	tick, err := c.LatestTick(ctx, testInst)
	require.NoError(t, err)
	assert.Equal(t, testInst, tick.Instrument)
	assert.Greater(t, tick.Close, 0.0)
	assert.GreaterOrEqual(t, tick.High, tick.Low)

	buy := domain.TradeIntent{ID: "b1", Instrument: testInst, Side: domain.SideBuy,
		Quantity: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket}
	res, err := c.PlaceOrder(ctx, buy)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, res.Status)
	assert.NotEmpty(t, res.BrokerOrderID)
	assert.True(t, sim.Position(testInst).Equal(decimal.NewFromInt(1)))

	bal, err := c.Account(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Cash.LessThan(decimal.NewFromInt(10000)), "cash %s should drop after a buy", bal.Cash)

	huge := buy
	huge.ID, huge.Quantity = "b2", decimal.NewFromInt(1_000_000)
	res, err = c.PlaceOrder(ctx, huge)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, res.Status)
	assert.Equal(t, "insufficient buying power", res.Reason)

	sell := buy
	sell.ID, sell.Side, sell.Quantity = "s1", domain.SideSell, decimal.NewFromInt(5)
	res, err = c.PlaceOrder(ctx, sell)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, res.Status)
}

func TestSimulatorBarsDeterministic(t *testing.T) {
	sim := NewSimulatorUpstream(decimal.NewFromInt(1000), 0)
	s, err := sim.Exchange(context.Background(), domain.Session{}, "")
	require.NoError(t, err)
	tf := Timeframe{1, UnitDay}

	a, err := sim.Bars(context.Background(), s, testInst, tf, 20)
	require.NoError(t, err)
	b, err := sim.Bars(context.Background(), s, testInst, tf, 20)
	require.NoError(t, err)

	require.Len(t, a, 20)
	assert.Equal(t, a, b)
	for i := 1; i < len(a); i++ {
		assert.True(t, a[i-1].Timestamp.Before(a[i].Timestamp))
	}
}

func TestSimulatorRevokedSession(t *testing.T) {
	sim := NewSimulatorUpstream(decimal.NewFromInt(1000), time.Hour)
	c := NewClient(sim, "", "", WithLogger(util.Discard()))
	sess, err := c.Authenticate(context.Background(), "")
	require.NoError(t, err)

	sim.Revoke(sess.AccessToken)
	_, err = c.Account(context.Background())
	assert.True(t, domain.IsAuth(err), "error %v should be an AuthError", err)
}
