package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"tickrelay/internal/domain"
)

// Compile-time interface check.
var _ Gatherer = (*StreamGatherer)(nil)

// BarStream is the subset of *stream.StocksClient used by StreamGatherer.
type BarStream interface {
	Connect(ctx context.Context) error
	Terminated() <-chan error
	SubscribeToBars(handler func(stream.Bar), symbols ...string) error
	UnsubscribeFromBars(symbols ...string) error
}

// NewAlpacaBarStream creates an Alpaca real-time stocks client for feed
// ("iex" or "sip"). An empty baseURL uses the SDK default.
func NewAlpacaBarStream(feed, apiKey, apiSecret, baseURL string) *stream.StocksClient {
	opts := []stream.StockOption{stream.WithCredentials(apiKey, apiSecret)}
	if baseURL != "" {
		opts = append(opts, stream.WithBaseURL(baseURL))
	}
	return stream.NewStocksClient(feed, opts...)
}

// StreamGatherer receives minute bars pushed by the upstream instead of
// polling. Every interval it reconciles the stream's subscriptions with the
// tracked instruments. Newly tracked instruments are primed with one
// LatestTick call so subscribers see data before the next bar closes.
type StreamGatherer struct {
	stream   BarStream
	tracker  Tracker
	pub      Publisher
	prime    TickSource // optional
	interval time.Duration
	observer Observer
	kick     chan struct{}
	log      *slog.Logger

	mu         sync.Mutex
	subscribed map[string][]domain.Instrument // symbol -> tracked instruments
}

// NewStreamGatherer creates a StreamGatherer. prime may be nil.
func NewStreamGatherer(bs BarStream, tracker Tracker, pub Publisher, prime TickSource, interval time.Duration, log *slog.Logger) *StreamGatherer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &StreamGatherer{
		stream:     bs,
		tracker:    tracker,
		pub:        pub,
		prime:      prime,
		interval:   interval,
		kick:       make(chan struct{}, 1),
		subscribed: make(map[string][]domain.Instrument),
		log:        log.With("gatherer", "stream"),
	}
}

// SetObserver installs o. Call before Run.
func (g *StreamGatherer) SetObserver(o Observer) { g.observer = o }

// Name returns the gatherer identifier.
func (g *StreamGatherer) Name() string { return "stream" }

// Kick triggers an immediate reconcile.
func (g *StreamGatherer) Kick(domain.Instrument) {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

// Run connects the stream and keeps its subscriptions in sync until ctx is
// cancelled or the stream terminates.
func (g *StreamGatherer) Run(ctx context.Context) error {
	if err := g.stream.Connect(ctx); err != nil {
		return fmt.Errorf("connecting bar stream: %w", err)
	}
	g.log.Info("connected", "interval", g.interval)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-g.stream.Terminated():
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bar stream terminated: %w", err)
		case <-g.kick:
			g.reconcile(ctx)
		case <-ticker.C:
			g.reconcile(ctx)
		}
	}
}

// reconcile subscribes newly tracked symbols and unsubscribes symbols no
// instrument needs any more.
func (g *StreamGatherer) reconcile(ctx context.Context) {
	want := make(map[string][]domain.Instrument)
	for _, inst := range g.tracker.Tracked() {
		want[inst.Symbol] = append(want[inst.Symbol], inst)
	}

	g.mu.Lock()
	var added, removed []string
	var fresh []domain.Instrument
	for sym, insts := range want {
		prev, ok := g.subscribed[sym]
		if !ok {
			added = append(added, sym)
		}
		for _, inst := range insts {
			if !slices.Contains(prev, inst) {
				fresh = append(fresh, inst)
			}
		}
	}
	for sym := range g.subscribed {
		if _, ok := want[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	g.subscribed = want
	g.mu.Unlock()

	slices.Sort(added)
	slices.Sort(removed)
	if len(added) > 0 {
		if err := g.stream.SubscribeToBars(g.onBar, added...); err != nil {
			g.log.Warn("subscribe failed", "symbols", strings.Join(added, ","), "error", err)
			g.forget(added)
		} else {
			g.log.Info("subscribed", "symbols", strings.Join(added, ","))
		}
	}
	if len(removed) > 0 {
		if err := g.stream.UnsubscribeFromBars(removed...); err != nil {
			g.log.Warn("unsubscribe failed", "symbols", strings.Join(removed, ","), "error", err)
		}
	}

	if g.prime != nil {
		for _, inst := range fresh {
			g.primeOne(ctx, inst)
		}
	}
}

// forget drops symbols whose subscription failed so the next reconcile
// retries them.
func (g *StreamGatherer) forget(symbols []string) {
	g.mu.Lock()
	for _, sym := range symbols {
		delete(g.subscribed, sym)
	}
	g.mu.Unlock()
}

func (g *StreamGatherer) primeOne(ctx context.Context, inst domain.Instrument) {
	pctx, cancel := context.WithTimeout(ctx, g.interval)
	defer cancel()
	tick, err := g.prime.LatestTick(pctx, inst)
	if err != nil {
		if !errors.Is(err, domain.ErrNoUpdate) {
			g.log.Warn("prime fetch failed", "instrument", inst.String(), "error", err)
			if g.observer != nil {
				g.observer.FetchFailed(inst)
			}
		}
		return
	}
	g.pub.PublishTick(tick)
}

// onBar is called by the stream for every bar.
func (g *StreamGatherer) onBar(b stream.Bar) {
	g.mu.Lock()
	insts := slices.Clone(g.subscribed[b.Symbol])
	g.mu.Unlock()

	for _, inst := range insts {
		g.pub.PublishTick(TickFromStreamBar(inst, b))
	}
}

// TickFromStreamBar converts a pushed bar to a MarketTick for inst.
func TickFromStreamBar(inst domain.Instrument, b stream.Bar) domain.MarketTick {
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
