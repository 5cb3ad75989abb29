// Package gather feeds live market data into the relay. A Gatherer watches
// the set of instruments clients care about and publishes a tick whenever
// the upstream has one.
package gather

import (
	"context"

	"tickrelay/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run starts the data gathering process. It blocks until ctx is cancelled.
	Run(ctx context.Context) error
	// Kick asks for inst to be fetched as soon as possible, outside the
	// regular schedule. It never blocks.
	Kick(inst domain.Instrument)
}

// TickSource returns the latest tick for an instrument. *broker.Client
// satisfies it.
type TickSource interface {
	LatestTick(ctx context.Context, inst domain.Instrument) (domain.MarketTick, error)
}

// Tracker reports the instruments that currently have subscribers.
// *live.Registry satisfies it.
type Tracker interface {
	Tracked() []domain.Instrument
}

// Publisher receives fetched ticks. *live.Broadcaster satisfies it.
type Publisher interface {
	PublishTick(tick domain.MarketTick) int
}

// Observer counts fetch failures, typically for metrics.
type Observer interface {
	FetchFailed(inst domain.Instrument)
}
