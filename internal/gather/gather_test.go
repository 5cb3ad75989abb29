package gather

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/internal/domain"
	"tickrelay/internal/util"
)

var (
	aapl = domain.Instrument{Exchange: "US", Symbol: "AAPL"}
	msft = domain.Instrument{Exchange: "US", Symbol: "MSFT"}
	tsla = domain.Instrument{Exchange: "US", Symbol: "TSLA"}
)

type staticTracker struct {
	mu    sync.Mutex
	insts []domain.Instrument
}

func (t *staticTracker) Tracked() []domain.Instrument {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.insts)
}

func (t *staticTracker) set(insts ...domain.Instrument) {
	t.mu.Lock()
	t.insts = insts
	t.mu.Unlock()
}

type fakeSource struct {
	calls    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
	fail     map[domain.Instrument]bool
	noUpdate map[domain.Instrument]bool
}

func (s *fakeSource) LatestTick(ctx context.Context, inst domain.Instrument) (domain.MarketTick, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return domain.MarketTick{}, ctx.Err()
		}
	}
	if s.fail[inst] {
		return domain.MarketTick{}, &domain.UpstreamError{Op: "latest", Err: errors.New("boom")}
	}
	if s.noUpdate[inst] {
		return domain.MarketTick{}, fmt.Errorf("%s: %w", inst, domain.ErrNoUpdate)
	}
	return domain.MarketTick{Instrument: inst, Timestamp: time.Now(), Close: 100}, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	ticks []domain.MarketTick
}

func (p *recordingPublisher) PublishTick(t domain.MarketTick) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks = append(p.ticks, t)
	return 1
}

func (p *recordingPublisher) instruments() []domain.Instrument {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Instrument
	for _, t := range p.ticks {
		out = append(out, t.Instrument)
	}
	return out
}

type countingObserver struct {
	mu     sync.Mutex
	failed []domain.Instrument
}

func (o *countingObserver) FetchFailed(inst domain.Instrument) {
	o.mu.Lock()
	o.failed = append(o.failed, inst)
	o.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Poller
// ---------------------------------------------------------------------------

func TestPollerName(t *testing.T) {
	p := NewPoller(&fakeSource{}, &staticTracker{}, &recordingPublisher{}, PollerOptions{}, util.Discard())
	if got := p.Name(); got != "poller" {
		t.Errorf("Poller.Name() = %q, want %q", got, "poller")
	}
}

func TestPollerIdleWhenNothingTracked(t *testing.T) {
	src := &fakeSource{}
	p := NewPoller(src, &staticTracker{}, &recordingPublisher{}, PollerOptions{}, util.Discard())

	st := p.Cycle(context.Background())
	assert.Equal(t, CycleStats{}, st)
	assert.Equal(t, int64(0), src.calls.Load())
}

func TestPollerFailureIsIsolated(t *testing.T) {
	src := &fakeSource{fail: map[domain.Instrument]bool{msft: true}}
	tr := &staticTracker{}
	tr.set(aapl, msft, tsla)
	pub := &recordingPublisher{}
	obs := &countingObserver{}
	p := NewPoller(src, tr, pub, PollerOptions{}, util.Discard())
	p.SetObserver(obs)

	st := p.Cycle(context.Background())
	assert.Equal(t, 3, st.Instruments)
	assert.Equal(t, 2, st.Published)
	assert.Equal(t, 1, st.Failed)
	assert.ElementsMatch(t, []domain.Instrument{aapl, tsla}, pub.instruments())
	assert.Equal(t, []domain.Instrument{msft}, obs.failed)

	// The next cycle retries the failed instrument.
	src.fail = nil
	st = p.Cycle(context.Background())
	assert.Equal(t, 3, st.Published)
	assert.Equal(t, uint64(2), p.Cycles())
}

func TestPollerNoUpdateIsSilentSkip(t *testing.T) {
	src := &fakeSource{noUpdate: map[domain.Instrument]bool{aapl: true}}
	tr := &staticTracker{}
	tr.set(aapl)
	obs := &countingObserver{}
	p := NewPoller(src, tr, &recordingPublisher{}, PollerOptions{}, util.Discard())
	p.SetObserver(obs)

	st := p.Cycle(context.Background())
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 0, st.Failed)
	assert.Empty(t, obs.failed)
}

func TestPollerBoundsConcurrency(t *testing.T) {
	src := &fakeSource{delay: 20 * time.Millisecond}
	tr := &staticTracker{}
	var insts []domain.Instrument
	for i := 0; i < 10; i++ {
		insts = append(insts, domain.Instrument{Exchange: "US", Symbol: fmt.Sprintf("S%d", i)})
	}
	tr.set(insts...)
	p := NewPoller(src, tr, &recordingPublisher{}, PollerOptions{MaxInFlight: 3}, util.Discard())

	st := p.Cycle(context.Background())
	assert.Equal(t, 10, st.Published)
	assert.LessOrEqual(t, src.peak.Load(), int64(3))
	assert.Greater(t, src.peak.Load(), int64(1), "fetches should run concurrently")
}

func TestPollerFetchTimeout(t *testing.T) {
	src := &fakeSource{delay: time.Second}
	tr := &staticTracker{}
	tr.set(aapl)
	p := NewPoller(src, tr, &recordingPublisher{}, PollerOptions{FetchTimeout: 10 * time.Millisecond}, util.Discard())

	start := time.Now()
	st := p.Cycle(context.Background())
	assert.Equal(t, 1, st.Failed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPollerRunFetchesWithinInterval(t *testing.T) {
	src := &fakeSource{}
	tr := &staticTracker{}
	pub := &recordingPublisher{}
	p := NewPoller(src, tr, pub, PollerOptions{Interval: 20 * time.Millisecond}, util.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	tr.set(aapl)
	require.Eventually(t, func() bool {
		return slices.Contains(pub.instruments(), aapl)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPollerKickFetchesImmediately(t *testing.T) {
	src := &fakeSource{}
	pub := &recordingPublisher{}
	p := NewPoller(src, &staticTracker{}, pub, PollerOptions{Interval: time.Hour}, util.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Kick(tsla)
	require.Eventually(t, func() bool {
		return slices.Contains(pub.instruments(), tsla)
	}, time.Second, 5*time.Millisecond)
}

// ---------------------------------------------------------------------------
// StreamGatherer
// ---------------------------------------------------------------------------

type fakeBarStream struct {
	mu         sync.Mutex
	handler    func(stream.Bar)
	subscribed []string
	term       chan error
}

func newFakeBarStream() *fakeBarStream {
	return &fakeBarStream{term: make(chan error, 1)}
}

func (f *fakeBarStream) Connect(context.Context) error { return nil }
func (f *fakeBarStream) Terminated() <-chan error      { return f.term }

func (f *fakeBarStream) SubscribeToBars(h func(stream.Bar), symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	f.subscribed = append(f.subscribed, symbols...)
	slices.Sort(f.subscribed)
	return nil
}

func (f *fakeBarStream) UnsubscribeFromBars(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = slices.DeleteFunc(f.subscribed, func(s string) bool {
		return slices.Contains(symbols, s)
	})
	return nil
}

func (f *fakeBarStream) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.subscribed)
}

func (f *fakeBarStream) push(b stream.Bar) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(b)
}

func TestStreamGathererReconcile(t *testing.T) {
	bs := newFakeBarStream()
	tr := &staticTracker{}
	pub := &recordingPublisher{}
	src := &fakeSource{}
	g := NewStreamGatherer(bs, tr, pub, src, time.Hour, util.Discard())
	ctx := context.Background()

	tr.set(aapl, msft)
	g.reconcile(ctx)
	assert.Equal(t, []string{"AAPL", "MSFT"}, bs.symbols())
	assert.Equal(t, int64(2), src.calls.Load(), "new instruments are primed once")

	bs.push(stream.Bar{Symbol: "AAPL", Close: 191.2, Timestamp: time.Now()})
	assert.Contains(t, pub.instruments(), aapl)

	tr.set(msft)
	g.reconcile(ctx)
	assert.Equal(t, []string{"MSFT"}, bs.symbols())
	assert.Equal(t, int64(2), src.calls.Load(), "already tracked instruments are not primed again")
}

func TestStreamGathererTerminated(t *testing.T) {
	bs := newFakeBarStream()
	g := NewStreamGatherer(bs, &staticTracker{}, &recordingPublisher{}, nil, time.Hour, util.Discard())

	bs.term <- errors.New("connection lost")
	err := g.Run(context.Background())
	assert.ErrorContains(t, err, "connection lost")
}

func TestTickFromStreamBar(t *testing.T) {
	ts := time.Date(2026, 3, 2, 15, 31, 0, 0, time.UTC)
	tick := TickFromStreamBar(aapl, stream.Bar{Symbol: "AAPL", Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 300, TradeCount: 7, VWAP: 1.2, Timestamp: ts})
	assert.Equal(t, domain.MarketTick{Instrument: aapl, Timestamp: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 300, TradeCount: 7, VWAP: 1.2}, tick)
}
