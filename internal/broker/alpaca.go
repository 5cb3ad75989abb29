package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tickrelay/internal/domain"
)

// Compile-time interface check.
var _ Upstream = (*AlpacaUpstream)(nil)

// AlpacaOptions configures an AlpacaUpstream.
type AlpacaOptions struct {
	BaseURL     string // trading API
	DataURL     string // market-data API
	OAuthURL    string // OAuth token endpoint host
	RedirectURI string
	Feed        string // "iex" or "sip"
	SessionTTL  time.Duration
	HTTPClient  *http.Client
}

// AlpacaUpstream implements Upstream using the Alpaca trading and
// market-data APIs. SDK clients are rebuilt whenever the session token
// changes.
type AlpacaUpstream struct {
	opts AlpacaOptions

	mu      sync.Mutex
	token   string
	trading *alpaca.Client
	data    *marketdata.Client
}

// NewAlpacaUpstream creates an AlpacaUpstream.
func NewAlpacaUpstream(opts AlpacaOptions) *AlpacaUpstream {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Feed == "" {
		opts.Feed = marketdata.IEX
	}
	return &AlpacaUpstream{opts: opts}
}

// Name returns "alpaca".
func (u *AlpacaUpstream) Name() string { return "alpaca" }

// usesOAuth reports whether s carries an OAuth token rather than key auth.
// Key sessions use the key id as their access token.
func usesOAuth(s domain.Session) bool {
	return s.AccessToken != "" && s.AccessToken != s.APIKey
}

func (u *AlpacaUpstream) clients(s domain.Session) (*alpaca.Client, *marketdata.Client) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.trading != nil && u.token == s.AccessToken {
		return u.trading, u.data
	}

	topts := alpaca.ClientOpts{BaseURL: u.opts.BaseURL, HTTPClient: u.opts.HTTPClient}
	dopts := marketdata.ClientOpts{BaseURL: u.opts.DataURL, Feed: u.opts.Feed, HTTPClient: u.opts.HTTPClient}
	if usesOAuth(s) {
		topts.OAuth = s.AccessToken
		dopts.OAuth = s.AccessToken
	} else {
		topts.APIKey, topts.APISecret = s.APIKey, s.APISecret
		dopts.APIKey, dopts.APISecret = s.APIKey, s.APISecret
	}

	u.token = s.AccessToken
	u.trading = alpaca.NewClient(topts)
	u.data = marketdata.NewClient(dopts)
	return u.trading, u.data
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// Exchange performs the OAuth authorization-code exchange when requestToken
// is set; otherwise it validates key/secret auth against the account
// endpoint.
func (u *AlpacaUpstream) Exchange(ctx context.Context, creds domain.Session, requestToken string) (domain.Session, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return domain.Session{}, fmt.Errorf("missing api key or secret: %w", ErrUnauthorized)
	}

	s := creds
	if requestToken == "" {
		s.AccessToken = creds.APIKey
	} else {
		token, err := u.exchangeCode(ctx, creds, requestToken)
		if err != nil {
			return domain.Session{}, err
		}
		s.AccessToken = token
	}
	return u.Verify(ctx, s)
}

type oauthTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

func (u *AlpacaUpstream) exchangeCode(ctx context.Context, creds domain.Session, code string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {creds.APIKey},
		"client_secret": {creds.APISecret},
	}
	if u.opts.RedirectURI != "" {
		form.Set("redirect_uri", u.opts.RedirectURI)
	}

	endpoint := strings.TrimRight(u.opts.OAuthURL, "/") + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("token exchange rejected (%d): %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("token exchange: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr oauthTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response without access_token: %w", ErrUnauthorized)
	}
	return tr.AccessToken, nil
}

// Verify checks the session against the account endpoint and renews its
// expiry by the configured TTL.
func (u *AlpacaUpstream) Verify(ctx context.Context, s domain.Session) (domain.Session, error) {
	trading, _ := u.clients(s)
	if _, err := sdkCall(ctx, trading.GetAccount); err != nil {
		return domain.Session{}, classifyAlpaca(err)
	}
	if u.opts.SessionTTL > 0 {
		s.ExpiresAt = time.Now().Add(u.opts.SessionTTL)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// LatestBar fetches the latest minute bar for inst.
func (u *AlpacaUpstream) LatestBar(ctx context.Context, s domain.Session, inst domain.Instrument) (domain.MarketTick, bool, error) {
	_, data := u.clients(s)
	bar, err := sdkCall(ctx, func() (*marketdata.Bar, error) {
		return data.GetLatestBar(inst.Symbol, marketdata.GetLatestBarRequest{Feed: u.opts.Feed})
	})
	if err != nil {
		return domain.MarketTick{}, false, fmt.Errorf("GetLatestBar %s: %w", inst.Symbol, classifyAlpaca(err))
	}
	if bar == nil {
		return domain.MarketTick{}, false, nil
	}
	return tickFromBar(inst, *bar), true, nil
}

// Bars fetches the newest limit bars for inst, newest first.
func (u *AlpacaUpstream) Bars(ctx context.Context, s domain.Session, inst domain.Instrument, tf Timeframe, limit int) ([]domain.MarketTick, error) {
	_, data := u.clients(s)
	end := time.Now()
	req := marketdata.GetBarsRequest{
		TimeFrame:  alpacaTimeFrame(tf),
		Start:      end.Add(-lookback(tf, limit)),
		End:        end,
		TotalLimit: limit,
		Feed:       u.opts.Feed,
		Sort:       marketdata.SortDesc,
	}
	bars, err := sdkCall(ctx, func() ([]marketdata.Bar, error) {
		return data.GetBars(inst.Symbol, req)
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s %s: %w", inst.Symbol, tf, classifyAlpaca(err))
	}

	ticks := make([]domain.MarketTick, 0, len(bars))
	for _, b := range bars {
		ticks = append(ticks, tickFromBar(inst, b))
	}
	return ticks, nil
}

func alpacaTimeFrame(tf Timeframe) marketdata.TimeFrame {
	var unit marketdata.TimeFrameUnit
	switch tf.Unit {
	case UnitMinute:
		unit = marketdata.Min
	case UnitHour:
		unit = marketdata.Hour
	case UnitDay:
		unit = marketdata.Day
	case UnitWeek:
		unit = marketdata.Week
	case UnitMonth:
		unit = marketdata.Month
	}
	return marketdata.NewTimeFrame(tf.N, unit)
}

// lookback is a start offset wide enough to contain limit bars once nights,
// weekends and holidays are skipped.
func lookback(tf Timeframe, limit int) time.Duration {
	span := time.Duration(limit) * tf.Approx()
	switch tf.Unit {
	case UnitMinute, UnitHour:
		// Regular session is 6.5h of 24h, five days of seven.
		span = span*4*7/5 + 4*24*time.Hour
	default:
		span = span*7/5 + 7*24*time.Hour
	}
	return span
}

func tickFromBar(inst domain.Instrument, b marketdata.Bar) domain.MarketTick {
	return domain.MarketTick{
		Instrument: inst,
		Timestamp:  b.Timestamp,
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     int64(b.Volume),
		TradeCount: int64(b.TradeCount),
		VWAP:       b.VWAP,
	}
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// PlaceOrder submits a day order. The intent ID is sent as the client order
// ID so a retried submission cannot fill twice.
func (u *AlpacaUpstream) PlaceOrder(ctx context.Context, s domain.Session, intent domain.TradeIntent) (Placement, error) {
	trading, _ := u.clients(s)

	qty := intent.Quantity
	req := alpaca.PlaceOrderRequest{
		Symbol:        intent.Instrument.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(intent.Side),
		Type:          alpaca.OrderType(intent.OrderType),
		TimeInForce:   alpaca.Day,
		ClientOrderID: intent.ID,
	}
	if intent.OrderType == domain.OrderTypeLimit {
		lp := intent.LimitPrice
		req.LimitPrice = &lp
	}

	order, err := sdkCall(ctx, func() (*alpaca.Order, error) {
		return trading.PlaceOrder(req)
	})
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && isBusinessRejection(apiErr.StatusCode) {
			return Placement{Rejected: true, Reason: apiErr.Message}, nil
		}
		return Placement{}, fmt.Errorf("PlaceOrder: %w", classifyAlpaca(err))
	}
	if order.Status == "rejected" {
		return Placement{OrderID: order.ID, Rejected: true, Reason: "rejected by broker"}, nil
	}
	return Placement{OrderID: order.ID}, nil
}

// isBusinessRejection reports whether an order response status means the
// broker refused the order itself, as opposed to auth or throttling.
func isBusinessRejection(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusUnauthorized && status != http.StatusTooManyRequests
}

// Account returns cash and buying power from the trading account.
func (u *AlpacaUpstream) Account(ctx context.Context, s domain.Session) (domain.Balance, error) {
	trading, _ := u.clients(s)
	acct, err := sdkCall(ctx, trading.GetAccount)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("GetAccount: %w", classifyAlpaca(err))
	}
	return domain.Balance{
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
		Currency:    acct.Currency,
		AsOf:        time.Now(),
	}, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// classifyAlpaca maps an Alpaca 401/403 to ErrUnauthorized.
func classifyAlpaca(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%s: %w", apiErr.Message, ErrUnauthorized)
	}
	return err
}

// sdkCall runs a blocking SDK call and returns early when ctx is done. The
// SDK call itself is bounded by the HTTP client's timeout.
func sdkCall[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
