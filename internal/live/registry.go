// Package live holds the in-memory fan-out state of the relay: which
// connection wants which instrument, the per-connection outboxes, and the
// broadcaster that routes ticks and order results between them.
package live

import (
	"slices"
	"sync"

	"tickrelay/internal/domain"
)

// Registry is the bidirectional mapping between connections and the
// instruments they subscribe to. Both directions change under one lock so
// they never disagree.
type Registry struct {
	mu      sync.RWMutex
	byInst  map[domain.Instrument]map[string]struct{}
	byConn  map[string]map[domain.Instrument]struct{}
	onFirst func(domain.Instrument)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byInst: make(map[domain.Instrument]map[string]struct{}),
		byConn: make(map[string]map[domain.Instrument]struct{}),
	}
}

// OnFirstSubscriber registers fn to be called, outside the lock, whenever an
// instrument goes from zero to one subscriber.
func (r *Registry) OnFirstSubscriber(fn func(domain.Instrument)) {
	r.mu.Lock()
	r.onFirst = fn
	r.mu.Unlock()
}

// Subscribe adds inst to connID's set. It reports whether anything changed;
// subscribing twice is a no-op.
func (r *Registry) Subscribe(connID string, inst domain.Instrument) bool {
	r.mu.Lock()
	conns, tracked := r.byInst[inst]
	if _, dup := conns[connID]; dup {
		r.mu.Unlock()
		return false
	}
	if !tracked {
		conns = make(map[string]struct{})
		r.byInst[inst] = conns
	}
	conns[connID] = struct{}{}

	insts, ok := r.byConn[connID]
	if !ok {
		insts = make(map[domain.Instrument]struct{})
		r.byConn[connID] = insts
	}
	insts[inst] = struct{}{}
	hook := r.onFirst
	r.mu.Unlock()

	if !tracked && hook != nil {
		hook(inst)
	}
	return true
}

// Unsubscribe removes inst from connID's set and reports whether anything
// changed.
func (r *Registry) Unsubscribe(connID string, inst domain.Instrument) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byInst[inst]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	r.unlink(connID, inst)
	return true
}

// RemoveConnection drops every subscription of connID and returns the
// instruments it held.
func (r *Registry) RemoveConnection(connID string) []domain.Instrument {
	r.mu.Lock()
	defer r.mu.Unlock()

	insts := r.byConn[connID]
	removed := make([]domain.Instrument, 0, len(insts))
	for inst := range insts {
		removed = append(removed, inst)
		r.unlink(connID, inst)
	}
	delete(r.byConn, connID)
	sortInstruments(removed)
	return removed
}

// unlink removes one edge. Callers hold r.mu.
func (r *Registry) unlink(connID string, inst domain.Instrument) {
	if conns, ok := r.byInst[inst]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byInst, inst)
		}
	}
	if insts, ok := r.byConn[connID]; ok {
		delete(insts, inst)
		if len(insts) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Tracked returns every instrument with at least one subscriber, sorted by
// canonical name.
func (r *Registry) Tracked() []domain.Instrument {
	r.mu.RLock()
	out := make([]domain.Instrument, 0, len(r.byInst))
	for inst := range r.byInst {
		out = append(out, inst)
	}
	r.mu.RUnlock()

	sortInstruments(out)
	return out
}

// Subscribers returns the connections subscribed to inst, sorted.
func (r *Registry) Subscribers(inst domain.Instrument) []string {
	r.mu.RLock()
	conns := r.byInst[inst]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	r.mu.RUnlock()

	slices.Sort(out)
	return out
}

// InstrumentsOf returns the instruments connID subscribes to, sorted.
func (r *Registry) InstrumentsOf(connID string) []domain.Instrument {
	r.mu.RLock()
	insts := r.byConn[connID]
	out := make([]domain.Instrument, 0, len(insts))
	for inst := range insts {
		out = append(out, inst)
	}
	r.mu.RUnlock()

	sortInstruments(out)
	return out
}

// Size returns the number of (connection, instrument) subscriptions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.byInst {
		n += len(conns)
	}
	return n
}

func sortInstruments(insts []domain.Instrument) {
	slices.SortFunc(insts, func(a, b domain.Instrument) int {
		switch sa, sb := a.String(), b.String(); {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	})
}
