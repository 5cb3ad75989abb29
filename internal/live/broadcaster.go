package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tickrelay/internal/domain"
	"tickrelay/pkg/tickrelay"
)

// Sink accepts encoded frames for one connection. *Outbox is the production
// implementation.
type Sink interface {
	Enqueue(frame []byte) error
}

// Compile-time interface check.
var _ Sink = (*Outbox)(nil)

// Observer is notified of broadcaster events, typically for metrics.
type Observer interface {
	TickPublished(inst domain.Instrument, delivered int)
	StaleTickDropped(inst domain.Instrument)
	ConnectionDead(connID string)
}

// Broadcaster routes ticks to every subscribed connection and order results
// to the connection that submitted the intent. A connection whose sink
// refuses a frame is considered gone and is unregistered.
type Broadcaster struct {
	registry *Registry
	log      *slog.Logger
	observer Observer

	mu    sync.RWMutex
	sinks map[string]Sink

	// pubMu orders tick publication so the per-instrument timestamp check
	// and the enqueues happen as one step.
	pubMu sync.Mutex
	last  map[domain.Instrument]time.Time
}

// NewBroadcaster creates a Broadcaster over registry.
func NewBroadcaster(registry *Registry, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		log:      log.With("component", "broadcaster"),
		sinks:    make(map[string]Sink),
		last:     make(map[domain.Instrument]time.Time),
	}
}

// SetObserver installs o. Call before publishing starts.
func (b *Broadcaster) SetObserver(o Observer) { b.observer = o }

// Registry returns the subscription registry the broadcaster routes by.
func (b *Broadcaster) Registry() *Registry { return b.registry }

// Register attaches sink to connID, replacing any previous sink.
func (b *Broadcaster) Register(connID string, sink Sink) {
	b.mu.Lock()
	b.sinks[connID] = sink
	b.mu.Unlock()
}

// Unregister detaches connID and purges its subscriptions.
func (b *Broadcaster) Unregister(connID string) {
	b.mu.Lock()
	_, ok := b.sinks[connID]
	delete(b.sinks, connID)
	b.mu.Unlock()

	removed := b.registry.RemoveConnection(connID)
	if ok {
		b.log.Debug("connection unregistered", "conn", connID, "subscriptions", len(removed))
	}
}

// Connections returns the number of registered connections.
func (b *Broadcaster) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

// PublishTick delivers tick to every subscriber of its instrument and
// returns how many connections accepted it. A tick older than the last one
// published for the same instrument is dropped; an equal timestamp is
// delivered.
func (b *Broadcaster) PublishTick(tick domain.MarketTick) int {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	inst := tick.Instrument
	if prev, ok := b.last[inst]; ok && tick.Timestamp.Before(prev) {
		b.log.Debug("stale tick dropped", "instrument", inst.String(), "ts", tick.Timestamp, "last", prev)
		if b.observer != nil {
			b.observer.StaleTickDropped(inst)
		}
		return 0
	}
	b.last[inst] = tick.Timestamp

	subs := b.registry.Subscribers(inst)
	if len(subs) == 0 {
		return 0
	}
	frame, err := json.Marshal(TickMessage(tick))
	if err != nil {
		b.log.Error("encoding tick", "instrument", inst.String(), "error", err)
		return 0
	}

	delivered := 0
	for _, id := range subs {
		if b.deliver(id, frame) {
			delivered++
		}
	}
	if b.observer != nil {
		b.observer.TickPublished(inst, delivered)
	}
	return delivered
}

// PublishResult delivers res to the connection that submitted the intent.
// If that connection is gone the result is dropped.
func (b *Broadcaster) PublishResult(res domain.OrderResult) bool {
	ok := b.PublishTo(res.ConnectionID, ResultMessage(res))
	if !ok {
		b.log.Debug("order result for departed connection dropped", "conn", res.ConnectionID, "intent", res.TradeIntentID)
	}
	return ok
}

// PublishTo encodes msg and delivers it to connID only.
func (b *Broadcaster) PublishTo(connID string, msg tickrelay.Message) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("encoding message", "type", msg.Type, "error", err)
		return false
	}
	return b.deliver(connID, frame)
}

func (b *Broadcaster) deliver(connID string, frame []byte) bool {
	b.mu.RLock()
	sink, ok := b.sinks[connID]
	b.mu.RUnlock()
	if !ok {
		// Subscriptions can outlive Unregister when they race a teardown.
		b.registry.RemoveConnection(connID)
		return false
	}

	if err := sink.Enqueue(frame); err != nil {
		b.log.Info("dropping dead connection", "conn", connID, "error", err)
		b.Unregister(connID)
		if b.observer != nil {
			b.observer.ConnectionDead(connID)
		}
		return false
	}
	return true
}
