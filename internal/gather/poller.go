package gather

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tickrelay/internal/domain"
)

// Compile-time interface check.
var _ Gatherer = (*Poller)(nil)

// PollerOptions tunes a Poller. Zero values take the defaults.
type PollerOptions struct {
	Interval     time.Duration // default 5s
	MaxInFlight  int           // default 4
	FetchTimeout time.Duration // default 10s
}

// CycleStats summarises one poll cycle.
type CycleStats struct {
	Instruments int
	Published   int
	Skipped     int // no update upstream, or dropped as stale
	Failed      int
}

// Poller fetches the latest tick of every tracked instrument on a fixed
// interval. Fetches within a cycle run concurrently up to MaxInFlight; a
// failing instrument never affects the others and is retried next cycle.
// Cycles never overlap: a tick that fires while a cycle is running is
// skipped.
type Poller struct {
	source   TickSource
	tracker  Tracker
	pub      Publisher
	opts     PollerOptions
	observer Observer
	kick     chan domain.Instrument
	cycles   atomic.Uint64
	log      *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(source TickSource, tracker Tracker, pub Publisher, opts PollerOptions, log *slog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 4
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		source:  source,
		tracker: tracker,
		pub:     pub,
		opts:    opts,
		kick:    make(chan domain.Instrument, 64),
		log:     log.With("gatherer", "poller"),
	}
}

// SetObserver installs o. Call before Run.
func (p *Poller) SetObserver(o Observer) { p.observer = o }

// Name returns the gatherer identifier.
func (p *Poller) Name() string { return "poller" }

// Cycles returns how many scheduled cycles have completed.
func (p *Poller) Cycles() uint64 { return p.cycles.Load() }

// Kick schedules an immediate fetch of inst. If the kick queue is full the
// request is dropped; the next cycle covers it.
func (p *Poller) Kick(inst domain.Instrument) {
	select {
	case p.kick <- inst:
	default:
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("started", "interval", p.opts.Interval, "maxInFlight", p.opts.MaxInFlight)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("stopped", "cycles", p.cycles.Load())
			return nil
		case inst := <-p.kick:
			p.fetch(ctx, inst)
		case <-ticker.C:
			st := p.Cycle(ctx)
			if st.Instruments > 0 {
				p.log.Debug("cycle done",
					"instruments", st.Instruments,
					"published", st.Published,
					"skipped", st.Skipped,
					"failed", st.Failed,
				)
			}
		}
	}
}

// Cycle runs one poll cycle over the currently tracked instruments. With
// nothing tracked it makes no upstream calls.
func (p *Poller) Cycle(ctx context.Context) CycleStats {
	defer p.cycles.Add(1)

	insts := p.tracker.Tracked()
	st := CycleStats{Instruments: len(insts)}
	if len(insts) == 0 {
		return st
	}

	var published, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.opts.MaxInFlight)
	for _, inst := range insts {
		g.Go(func() error {
			switch p.fetch(ctx, inst) {
			case fetchPublished:
				published.Add(1)
			case fetchSkipped:
				skipped.Add(1)
			case fetchFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	st.Published = int(published.Load())
	st.Skipped = int(skipped.Load())
	st.Failed = int(failed.Load())
	return st
}

type fetchOutcome int

const (
	fetchPublished fetchOutcome = iota
	fetchSkipped
	fetchFailed
)

func (p *Poller) fetch(ctx context.Context, inst domain.Instrument) fetchOutcome {
	fctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()

	tick, err := p.source.LatestTick(fctx, inst)
	switch {
	case errors.Is(err, domain.ErrNoUpdate):
		return fetchSkipped
	case err != nil:
		if ctx.Err() == nil {
			p.log.Warn("fetch failed", "instrument", inst.String(), "error", err)
			if p.observer != nil {
				p.observer.FetchFailed(inst)
			}
		}
		return fetchFailed
	}

	if p.pub.PublishTick(tick) == 0 {
		return fetchSkipped
	}
	return fetchPublished
}
