package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tickrelay/internal/domain"
)

const simulatorName = "simulator"

// Compile-time interface check.
var _ Upstream = (*SimulatorUpstream)(nil)

// SimulatorUpstream is an in-memory paper broker. Quotes follow a random walk
// seeded per symbol, orders fill immediately at the current quote, and cash
// and positions are tracked so that oversized orders are rejected.
type SimulatorUpstream struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	tokens    map[string]bool
	prices    map[domain.Instrument]float64
	cash      decimal.Decimal
	positions map[domain.Instrument]decimal.Decimal
	seq       int
}

// NewSimulatorUpstream creates a simulator holding startingCash. Sessions it
// issues expire after ttl (0 means never).
func NewSimulatorUpstream(startingCash decimal.Decimal, ttl time.Duration) *SimulatorUpstream {
	return &SimulatorUpstream{
		ttl:       ttl,
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(1, 2)),
		tokens:    make(map[string]bool),
		prices:    make(map[domain.Instrument]float64),
		cash:      startingCash,
		positions: make(map[domain.Instrument]decimal.Decimal),
	}
}

// Name returns "simulator".
func (u *SimulatorUpstream) Name() string { return simulatorName }

// Exchange issues a fresh session token. Any request token is accepted.
func (u *SimulatorUpstream) Exchange(ctx context.Context, creds domain.Session, _ string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	s := creds
	s.AccessToken = "sim-" + uuid.NewString()
	s.ExpiresAt = u.expiry()
	u.tokens[s.AccessToken] = true
	return s, nil
}

// Verify renews a session the simulator issued.
func (u *SimulatorUpstream) Verify(ctx context.Context, s domain.Session) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.tokens[s.AccessToken] {
		return domain.Session{}, fmt.Errorf("token not issued by simulator: %w", ErrUnauthorized)
	}
	s.ExpiresAt = u.expiry()
	return s, nil
}

// Revoke forgets a token so that later calls with it are unauthorized.
func (u *SimulatorUpstream) Revoke(token string) {
	u.mu.Lock()
	delete(u.tokens, token)
	u.mu.Unlock()
}

func (u *SimulatorUpstream) expiry() time.Time {
	if u.ttl <= 0 {
		return time.Time{}
	}
	return u.now().Add(u.ttl)
}

func (u *SimulatorUpstream) authorize(s domain.Session) error {
	if !u.tokens[s.AccessToken] {
		return ErrUnauthorized
	}
	return nil
}

// LatestBar advances the walk for inst by one step and returns the bar.
func (u *SimulatorUpstream) LatestBar(ctx context.Context, s domain.Session, inst domain.Instrument) (domain.MarketTick, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketTick{}, false, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.authorize(s); err != nil {
		return domain.MarketTick{}, false, err
	}

	open := u.price(inst)
	closePx := round2(open * (1 + (u.rng.Float64()-0.5)*0.004))
	u.prices[inst] = closePx
	return u.bar(inst, u.now().UTC(), open, closePx, u.rng), true, nil
}

// Bars synthesises limit bars ending now, deterministic per instrument and
// timeframe, finishing at the current quote.
func (u *SimulatorUpstream) Bars(ctx context.Context, s domain.Session, inst domain.Instrument, tf Timeframe, limit int) ([]domain.MarketTick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.authorize(s); err != nil {
		return nil, err
	}

	seed := symbolHash(inst.String() + "/" + tf.String())
	rng := rand.New(rand.NewPCG(seed, seed>>1))
	step := tf.Approx()
	end := u.now().UTC().Truncate(step)

	bars := make([]domain.MarketTick, limit)
	closePx := u.price(inst)
	for i := limit - 1; i >= 0; i-- {
		open := round2(closePx / (1 + (rng.Float64()-0.5)*0.02))
		bars[i] = u.bar(inst, end.Add(-time.Duration(limit-1-i)*step), open, closePx, rng)
		closePx = open
	}
	return bars, nil
}

// PlaceOrder fills market orders and marketable limit orders at the current
// quote. Orders the account cannot cover are rejected.
func (u *SimulatorUpstream) PlaceOrder(ctx context.Context, s domain.Session, intent domain.TradeIntent) (Placement, error) {
	if err := ctx.Err(); err != nil {
		return Placement{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.authorize(s); err != nil {
		return Placement{}, err
	}

	px := decimal.NewFromFloat(u.price(intent.Instrument))
	if intent.OrderType == domain.OrderTypeLimit {
		// A limit order that is not marketable rests; the simulator does
		// not work it further.
		if (intent.Side == domain.SideBuy && intent.LimitPrice.LessThan(px)) ||
			(intent.Side == domain.SideSell && intent.LimitPrice.GreaterThan(px)) {
			return Placement{OrderID: u.nextID()}, nil
		}
	}

	cost := px.Mul(intent.Quantity)
	held := u.positions[intent.Instrument]
	switch intent.Side {
	case domain.SideBuy:
		if cost.GreaterThan(u.cash) {
			return Placement{Rejected: true, Reason: "insufficient buying power"}, nil
		}
		u.cash = u.cash.Sub(cost)
		u.positions[intent.Instrument] = held.Add(intent.Quantity)
	case domain.SideSell:
		if held.LessThan(intent.Quantity) {
			return Placement{Rejected: true, Reason: "insufficient position"}, nil
		}
		u.cash = u.cash.Add(cost)
		u.positions[intent.Instrument] = held.Sub(intent.Quantity)
	default:
		return Placement{Rejected: true, Reason: fmt.Sprintf("unsupported side %q", intent.Side)}, nil
	}
	return Placement{OrderID: u.nextID()}, nil
}

// Account returns the simulated cash balance. Buying power equals cash.
func (u *SimulatorUpstream) Account(ctx context.Context, s domain.Session) (domain.Balance, error) {
	if err := ctx.Err(); err != nil {
		return domain.Balance{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.authorize(s); err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{Cash: u.cash, BuyingPower: u.cash, Currency: "USD", AsOf: u.now()}, nil
}

// Position returns the simulated holding in inst.
func (u *SimulatorUpstream) Position(inst domain.Instrument) decimal.Decimal {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.positions[inst]
}

// price returns the current quote for inst, seeding it on first use.
// Callers hold u.mu.
func (u *SimulatorUpstream) price(inst domain.Instrument) float64 {
	if p, ok := u.prices[inst]; ok {
		return p
	}
	p := round2(20 + float64(symbolHash(inst.String())%48000)/100)
	u.prices[inst] = p
	return p
}

func (u *SimulatorUpstream) bar(inst domain.Instrument, ts time.Time, open, closePx float64, rng *rand.Rand) domain.MarketTick {
	spread := math.Abs(closePx-open) + open*0.001*rng.Float64()
	volume := int64(100 + rng.IntN(10000))
	return domain.MarketTick{
		Instrument: inst,
		Timestamp:  ts,
		Open:       open,
		High:       round2(math.Max(open, closePx) + spread/2),
		Low:        round2(math.Min(open, closePx) - spread/2),
		Close:      closePx,
		Volume:     volume,
		TradeCount: volume/50 + 1,
		VWAP:       round2((open + closePx) / 2),
	}
}

func (u *SimulatorUpstream) nextID() string {
	u.seq++
	return fmt.Sprintf("sim-ord-%06d", u.seq)
}

func symbolHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
