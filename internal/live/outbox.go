package live

import (
	"sync"
	"sync/atomic"

	"tickrelay/internal/domain"
)

// Outbox is a connection's bounded queue of encoded frames. When full, the
// oldest queued frame is discarded to make room, so a slow reader loses
// stale data rather than stalling the publisher. Order is FIFO.
type Outbox struct {
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	drops  atomic.Uint64
	onDrop func()
}

// NewOutbox creates an Outbox holding up to capacity frames.
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{
		queue: make(chan []byte, capacity),
		done:  make(chan struct{}),
	}
}

// OnDrop registers fn to be called for every frame discarded on overflow.
// It must be set before the outbox is shared.
func (o *Outbox) OnDrop(fn func()) { o.onDrop = fn }

// Enqueue queues frame without blocking. It returns domain.ErrOutboxClosed
// once Close has been called.
func (o *Outbox) Enqueue(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case <-o.done:
		return domain.ErrOutboxClosed
	default:
	}

	for {
		select {
		case o.queue <- frame:
			return nil
		default:
		}
		select {
		case <-o.queue:
			o.drops.Add(1)
			if o.onDrop != nil {
				o.onDrop()
			}
		default:
		}
	}
}

// C returns the channel the writer drains.
func (o *Outbox) C() <-chan []byte { return o.queue }

// Done is closed by Close.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Close stops accepting frames. Pending frames are abandoned. Close is
// idempotent.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Dropped returns how many frames were discarded on overflow.
func (o *Outbox) Dropped() uint64 { return o.drops.Load() }

// Len returns the number of queued frames.
func (o *Outbox) Len() int { return len(o.queue) }
