package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tickrelay/internal/domain"
	"tickrelay/internal/util"
)

// Compile-time interface check.
var _ Broker = (*Client)(nil)

const (
	// DefaultHistoryLimit is used when callers do not pass a bar limit.
	DefaultHistoryLimit = 100
	// MaxHistoryLimit caps a single historical request.
	MaxHistoryLimit = 1000

	defaultCallTimeout = 10 * time.Second
)

// CallObserver receives the latency of every upstream call.
type CallObserver interface {
	ObserveBrokerCall(op string, elapsed time.Duration, err error)
}

// Client is the session-owning Broker. It serialises authentication and
// refresh, bounds every upstream call with a timeout and a rate limiter, and
// remembers the last tick seen per instrument.
type Client struct {
	up          Upstream
	creds       domain.Session
	callTimeout time.Duration
	limiter     *util.RateLimiter
	observer    CallObserver
	now         func() time.Time
	log         *slog.Logger

	authMu  sync.Mutex // held while the session is being replaced
	mu      sync.RWMutex
	session domain.Session
	authed  bool
	refresh singleflight.Group

	lastMu sync.Mutex
	last   map[domain.Instrument]domain.MarketTick
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout sets the per-call upstream deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithRateLimiter throttles outbound calls. A nil limiter never blocks.
func WithRateLimiter(rl *util.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// WithObserver reports call latencies, typically to Prometheus.
func WithObserver(o CallObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithClock overrides time.Now for session expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a Client over up. apiKey and apiSecret are the long-lived
// credentials used for the token exchange.
func NewClient(up Upstream, apiKey, apiSecret string, opts ...Option) *Client {
	c := &Client{
		up:          up,
		creds:       domain.Session{APIKey: apiKey, APISecret: apiSecret},
		callTimeout: defaultCallTimeout,
		now:         time.Now,
		log:         slog.Default(),
		last:        make(map[domain.Instrument]domain.MarketTick),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("broker", up.Name())
	return c
}

// Name returns the upstream name.
func (c *Client) Name() string { return c.up.Name() }

// Session returns a copy of the current session.
func (c *Client) Session() domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SessionValid reports whether the client holds an unexpired session.
func (c *Client) SessionValid() bool {
	return c.Session().Valid(c.now())
}

// ---------------------------------------------------------------------------
// Session management
// ---------------------------------------------------------------------------

// Authenticate exchanges requestToken for a new session and installs it.
// Rejected credentials yield an AuthError; network and server failures yield
// a retriable UpstreamError.
func (c *Client) Authenticate(ctx context.Context, requestToken string) (domain.Session, error) {
	if c.creds.APIKey == "" && c.up.Name() != simulatorName {
		return domain.Session{}, &domain.AuthError{Op: "authenticate", Err: errors.New("missing api key")}
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	s, err := c.up.Exchange(cctx, c.creds, requestToken)
	c.observe("authenticate", start, err)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return domain.Session{}, &domain.AuthError{Op: "authenticate", Err: err}
		}
		return domain.Session{}, c.classify("authenticate", cctx, err)
	}
	if s.AccessToken == "" {
		return domain.Session{}, &domain.AuthError{Op: "authenticate", Err: errors.New("empty access token")}
	}

	c.mu.Lock()
	c.session = s
	c.authed = true
	c.mu.Unlock()

	c.log.Info("session established", "expires", s.ExpiresAt)
	return s, nil
}

// ensureSession returns a usable session, refreshing an expired one. The
// bool reports whether a refresh happened.
func (c *Client) ensureSession(ctx context.Context) (domain.Session, bool, error) {
	c.mu.RLock()
	s, authed := c.session, c.authed
	c.mu.RUnlock()

	if !authed {
		return domain.Session{}, false, &domain.AuthError{Op: "session", Err: domain.ErrNotAuthenticated}
	}
	if s.Valid(c.now()) {
		return s, false, nil
	}
	s, err := c.refreshSession(ctx, s)
	return s, true, err
}

// refreshSession re-verifies stale with the upstream. Concurrent callers
// share one in-flight verification. If another caller already replaced
// stale, the newer session is returned without contacting the upstream.
func (c *Client) refreshSession(ctx context.Context, stale domain.Session) (domain.Session, error) {
	v, err, shared := c.refresh.Do("session", func() (any, error) {
		c.authMu.Lock()
		defer c.authMu.Unlock()

		c.mu.RLock()
		cur := c.session
		c.mu.RUnlock()
		if cur.AccessToken != "" && cur.AccessToken != stale.AccessToken && cur.Valid(c.now()) {
			return cur, nil
		}
		if cur.AccessToken == "" {
			cur = stale
		}

		// Detached so one caller's cancellation does not fail the others.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
		defer cancel()

		start := time.Now()
		s, err := c.up.Verify(cctx, cur)
		c.observe("refresh", start, err)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.invalidate()
				return domain.Session{}, &domain.AuthError{Op: "refresh", Err: err}
			}
			return domain.Session{}, c.classify("refresh", cctx, err)
		}

		c.mu.Lock()
		c.session = s
		c.mu.Unlock()
		c.log.Info("session refreshed", "expires", s.ExpiresAt)
		return s, nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	if shared {
		c.log.Debug("joined in-flight session refresh")
	}
	return v.(domain.Session), nil
}

// invalidate clears the access token so later calls refresh. The client
// stays authenticated; only a rejected refresh makes the session unusable.
func (c *Client) invalidate() {
	c.mu.Lock()
	c.session.AccessToken = ""
	c.session.ExpiresAt = time.Time{}
	c.mu.Unlock()
}

// do runs fn with a valid session. An auth failure from the upstream
// triggers one refresh and one retry; the session is refreshed at most once
// per call.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context, domain.Session) error) error {
	s, refreshed, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}

	err = c.call(ctx, op, s, fn)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	if refreshed {
		return &domain.AuthError{Op: op, Err: err}
	}

	c.log.Warn("session rejected, refreshing", "op", op)
	s, err = c.refreshSession(ctx, s)
	if err != nil {
		return err
	}
	err = c.call(ctx, op, s, fn)
	if errors.Is(err, ErrUnauthorized) {
		c.invalidate()
		return &domain.AuthError{Op: op, Err: err}
	}
	return err
}

// call performs one rate-limited, time-bounded upstream call. Auth failures
// pass through unwrapped so do can react to them.
func (c *Client) call(ctx context.Context, op string, s domain.Session, fn func(context.Context, domain.Session) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.classify(op, ctx, err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx, s)
	c.observe(op, start, err)
	if err == nil || errors.Is(err, ErrUnauthorized) {
		return err
	}
	return c.classify(op, cctx, err)
}

func (c *Client) classify(op string, ctx context.Context, err error) error {
	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &domain.UpstreamError{Op: op, Err: err, Timeout: timeout}
}

func (c *Client) observe(op string, start time.Time, err error) {
	if c.observer != nil {
		c.observer.ObserveBrokerCall(op, time.Since(start), err)
	}
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// LatestTick returns the newest bar for inst. When the upstream has no bar
// the last tick seen for inst is returned; if there is none either, the
// error wraps domain.ErrNoUpdate.
func (c *Client) LatestTick(ctx context.Context, inst domain.Instrument) (domain.MarketTick, error) {
	var (
		tick domain.MarketTick
		ok   bool
	)
	err := c.do(ctx, "latest", func(ctx context.Context, s domain.Session) error {
		var err error
		tick, ok, err = c.up.LatestBar(ctx, s, inst)
		return err
	})
	if err != nil {
		return domain.MarketTick{}, err
	}

	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	if !ok {
		if prev, found := c.last[inst]; found {
			return prev, nil
		}
		return domain.MarketTick{}, fmt.Errorf("%s: %w", inst, domain.ErrNoUpdate)
	}
	tick.Instrument = inst
	c.last[inst] = tick
	return tick, nil
}

// HistoricalBars returns up to limit bars for inst at timeframe, oldest
// first. limit is capped at MaxHistoryLimit.
func (c *Client) HistoricalBars(ctx context.Context, inst domain.Instrument, timeframe string, limit int) ([]domain.MarketTick, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, &domain.UpstreamError{Op: "bars", Err: err}
	}
	if limit <= 0 {
		return nil, &domain.UpstreamError{Op: "bars", Err: fmt.Errorf("limit %d: %w", limit, domain.ErrInvalidTimeframe)}
	}
	limit = min(limit, MaxHistoryLimit)

	var bars []domain.MarketTick
	err = c.do(ctx, "bars", func(ctx context.Context, s domain.Session) error {
		var err error
		bars, err = c.up.Bars(ctx, s, inst, tf, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	for i := range bars {
		bars[i].Instrument = inst
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// PlaceOrder submits intent upstream. The returned result always carries
// intent's ID and connection. Only transport and auth failures are errors.
func (c *Client) PlaceOrder(ctx context.Context, intent domain.TradeIntent) (domain.OrderResult, error) {
	var p Placement
	err := c.do(ctx, "order", func(ctx context.Context, s domain.Session) error {
		var err error
		p, err = c.up.PlaceOrder(ctx, s, intent)
		return err
	})
	if err != nil {
		return domain.OrderResult{}, err
	}

	if p.Rejected {
		c.log.Info("order rejected", "intent", intent.ID, "instrument", intent.Instrument.String(), "reason", p.Reason)
		return domain.ResultFor(intent, domain.OrderStatusRejected, "", p.Reason), nil
	}
	c.log.Info("order accepted", "intent", intent.ID, "instrument", intent.Instrument.String(), "order", p.OrderID)
	return domain.ResultFor(intent, domain.OrderStatusAccepted, p.OrderID, ""), nil
}

// Account returns the current balance.
func (c *Client) Account(ctx context.Context) (domain.Balance, error) {
	var b domain.Balance
	err := c.do(ctx, "account", func(ctx context.Context, s domain.Session) error {
		var err error
		b, err = c.up.Account(ctx, s)
		return err
	})
	if err != nil {
		return domain.Balance{}, err
	}
	if b.AsOf.IsZero() {
		b.AsOf = c.now()
	}
	return b, nil
}
