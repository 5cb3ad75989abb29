package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tickrelay/internal/domain"
	"tickrelay/internal/live"
	"tickrelay/internal/obs"
	"tickrelay/pkg/tickrelay"
)

const maxFrameBytes = 64 << 10

// Trader submits trade intents and reports the account balance.
// *engine.Engine implements it.
type Trader interface {
	Submit(ctx context.Context, intent domain.TradeIntent) (domain.OrderResult, error)
	Balance(ctx context.Context) (domain.Balance, error)
}

// GatewayOptions tunes per-connection behaviour.
type GatewayOptions struct {
	SendBuffer         int
	MaxPendingOrders   int
	DefaultInstruments []domain.Instrument
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	AllowedOrigins     []string // empty allows any origin
}

func (o *GatewayOptions) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxPendingOrders <= 0 {
		o.MaxPendingOrders = 8
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// connState is the lifecycle of one client connection. Inbound frames are
// only processed while Open.
type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type clientConn struct {
	id      string
	ws      *websocket.Conn
	out     *live.Outbox
	state   atomic.Int32
	pending chan struct{} // in-flight trades
	balance chan struct{} // one in-flight balance lookup
	log     *slog.Logger
}

func (c *clientConn) State() connState { return connState(c.state.Load()) }

func (c *clientConn) transition(from, to connState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Gateway accepts client WebSocket connections, routes their subscriptions
// through the broadcaster and runs their trade intents through a Trader.
type Gateway struct {
	bc       *live.Broadcaster
	trader   Trader
	opts     GatewayOptions
	metrics  *obs.Metrics
	upgrader websocket.Upgrader
	log      *slog.Logger

	// Orders run on baseCtx, not on the connection, so a disconnect does
	// not abandon an intent already sent to the broker.
	baseCtx context.Context
	cancel  context.CancelFunc
	orders  sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*clientConn
}

// NewGateway creates a Gateway publishing through bc.
func NewGateway(bc *live.Broadcaster, trader Trader, opts GatewayOptions, log *slog.Logger) *Gateway {
	opts.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		bc:      bc,
		trader:  trader,
		opts:    opts,
		log:     log.With("component", "gateway"),
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[string]*clientConn),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// SetMetrics enables connection and outbox metrics.
func (g *Gateway) SetMetrics(m *obs.Metrics) { g.metrics = m }

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(g.opts.AllowedOrigins, origin)
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &clientConn{
		id:      uuid.NewString(),
		ws:      ws,
		out:     live.NewOutbox(g.opts.SendBuffer),
		pending: make(chan struct{}, g.opts.MaxPendingOrders),
		balance: make(chan struct{}, 1),
	}
	c.log = g.log.With("conn", c.id)
	if g.metrics != nil {
		c.out.OnDrop(g.metrics.OutboxDropped.Inc)
	}

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	g.bc.Register(c.id, c.out)
	if g.metrics != nil {
		g.metrics.Connections.Inc()
	}
	c.log.Info("connection opened", "remote", r.RemoteAddr)

	for _, inst := range g.opts.DefaultInstruments {
		g.subscribe(c, inst, "")
	}
	c.transition(stateConnecting, stateOpen)

	go g.writePump(c)
	g.readLoop(c)
}

// readLoop processes inbound frames until the connection fails.
func (g *Gateway) readLoop(c *clientConn) {
	pongWait := 2 * g.opts.PingInterval
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			g.teardown(c, &domain.ConnectionError{ConnID: c.id, Op: "read", Err: err})
			return
		}
		if st := c.State(); st != stateOpen {
			c.log.Debug("frame ignored", "state", st.String())
			continue
		}
		if mt != websocket.TextMessage {
			continue
		}
		g.handle(c, data)
	}
}

// writePump drains the outbox onto the socket and keeps the connection
// alive with pings.
func (g *Gateway) writePump(c *clientConn) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.out.C():
			_ = c.ws.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.teardown(c, &domain.ConnectionError{ConnID: c.id, Op: "write", Err: err})
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.teardown(c, &domain.ConnectionError{ConnID: c.id, Op: "ping", Err: err})
				return
			}
		case <-c.out.Done():
			// Torn down elsewhere, or the broadcaster found the outbox
			// closed.
			g.teardown(c, nil)
			return
		}
	}
}

// teardown moves c to Closing, purges it everywhere and closes the socket.
// Only the first caller does the work.
func (g *Gateway) teardown(c *clientConn, cause error) {
	if !c.transition(stateOpen, stateClosing) && !c.transition(stateConnecting, stateClosing) {
		return
	}

	g.bc.Unregister(c.id)
	c.out.Close()

	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.ws.Close()
	c.state.Store(int32(stateClosed))

	if g.metrics != nil {
		g.metrics.Connections.Dec()
	}

	var ce *domain.ConnectionError
	if cause == nil || (errors.As(cause, &ce) && isNormalClose(ce.Err)) {
		c.log.Info("connection closed")
		return
	}
	c.log.Warn("connection closed", "error", cause)
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

func (g *Gateway) handle(c *clientConn, data []byte) {
	var req tickrelay.Request
	if err := json.Unmarshal(data, &req); err != nil {
		g.reply(c, live.ErrorMessage("malformed message", ""))
		return
	}

	switch req.Type {
	case tickrelay.TypeSubscribe, tickrelay.TypeUnsubscribe:
		inst, err := domain.ParseInstrument(req.Instrument)
		if err != nil {
			g.reply(c, live.ErrorMessage(err.Error(), req.Ref))
			return
		}
		if req.Type == tickrelay.TypeSubscribe {
			g.subscribe(c, inst, req.Ref)
		} else {
			g.bc.Registry().Unsubscribe(c.id, inst)
			g.reply(c, tickrelay.Message{Type: tickrelay.TypeUnsubscribed, Instrument: inst.String(), Ref: req.Ref})
		}
	case tickrelay.TypeTrade:
		g.trade(c, req)
	case tickrelay.TypeBalance:
		g.balanceRequest(c, req.Ref)
	case tickrelay.TypePing:
		g.reply(c, tickrelay.Message{Type: tickrelay.TypePong, Ref: req.Ref})
	default:
		g.reply(c, live.ErrorMessage(fmt.Sprintf("unknown message type %q", req.Type), req.Ref))
	}
}

// subscribe adds inst for c. A teardown that raced past the read loop has
// already purged c, so a subscription landing after it is undone.
func (g *Gateway) subscribe(c *clientConn, inst domain.Instrument, ref string) {
	g.bc.Registry().Subscribe(c.id, inst)
	if st := c.State(); st == stateClosing || st == stateClosed {
		g.bc.Registry().Unsubscribe(c.id, inst)
		return
	}
	g.reply(c, tickrelay.Message{Type: tickrelay.TypeSubscribed, Instrument: inst.String(), Ref: ref})
}

func (g *Gateway) reply(c *clientConn, msg tickrelay.Message) {
	g.bc.PublishTo(c.id, msg)
}

// trade builds an intent from req and submits it off the read loop.
func (g *Gateway) trade(c *clientConn, req tickrelay.Request) {
	intent, err := intentFromRequest(c.id, req)
	if err != nil {
		g.reply(c, live.ErrorMessage(err.Error(), req.Ref))
		return
	}

	select {
	case c.pending <- struct{}{}:
	default:
		g.reply(c, live.ErrorMessage("too many pending orders", req.Ref))
		return
	}

	g.orders.Add(1)
	go func() {
		defer g.orders.Done()
		defer func() { <-c.pending }()

		res, err := g.trader.Submit(g.baseCtx, intent)
		if err != nil {
			g.reply(c, live.ErrorMessage(err.Error(), req.Ref))
			return
		}
		if !g.bc.PublishResult(res) {
			return
		}
		g.pushBalance(c, "")
	}()
}

// balanceRequest looks up the balance off the read loop. Each connection
// gets one lookup at a time so it cannot drain the broker's rate budget.
func (g *Gateway) balanceRequest(c *clientConn, ref string) {
	select {
	case c.balance <- struct{}{}:
	default:
		g.reply(c, live.ErrorMessage("too many pending requests", ref))
		return
	}

	g.orders.Add(1)
	go func() {
		defer g.orders.Done()
		defer func() { <-c.balance }()
		g.pushBalance(c, ref)
	}()
}

func (g *Gateway) pushBalance(c *clientConn, ref string) {
	b, err := g.trader.Balance(g.baseCtx)
	if err != nil {
		c.log.Warn("balance lookup failed", "error", err)
		g.reply(c, live.ErrorMessage("balance unavailable", ref))
		return
	}
	msg := live.BalanceMessage(b)
	msg.Ref = ref
	g.reply(c, msg)
}

// intentFromRequest parses the fields of a trade frame. Semantic checks
// such as a positive quantity are left to the engine's validator.
func intentFromRequest(connID string, req tickrelay.Request) (domain.TradeIntent, error) {
	inst, err := domain.ParseInstrument(req.Instrument)
	if err != nil {
		return domain.TradeIntent{}, err
	}
	intent := domain.TradeIntent{
		ID:           uuid.NewString(),
		ConnectionID: connID,
		Instrument:   inst,
		Side:         domain.Side(strings.ToLower(req.Side)),
		OrderType:    domain.OrderType(strings.ToLower(req.OrderType)),
		ClientRef:    req.Ref,
		CreatedAt:    time.Now().UTC(),
	}
	if intent.OrderType == "" {
		intent.OrderType = domain.OrderTypeMarket
	}
	if req.Quantity != nil {
		intent.Quantity = *req.Quantity
	} else {
		intent.Quantity = decimal.Zero
	}
	if req.LimitPrice != nil {
		intent.LimitPrice = *req.LimitPrice
	}
	return intent, nil
}

// Shutdown closes every connection and waits for in-flight orders to
// finish, up to ctx's deadline. Orders still running after that are
// cancelled.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	conns := make([]*clientConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		g.teardown(c, nil)
	}

	done := make(chan struct{})
	go func() {
		g.orders.Wait()
		close(done)
	}()
	defer g.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
