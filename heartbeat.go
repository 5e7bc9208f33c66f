package tracemachine

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// TickSource drives periodic work. Register returns a function that
// removes the callback again.
type TickSource interface {
	Register(fn func()) (unregister func())
}

// Heartbeat is a clock-driven TickSource.
// Safe for concurrent use by multiple goroutines.
type Heartbeat struct {
	clock    clockz.Clock
	fns      map[uint64]func()
	order    []uint64
	interval time.Duration
	nextID   uint64
	mu       sync.Mutex
}

// NewHeartbeat creates a heartbeat firing every interval once Run is called.
func NewHeartbeat(interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Heartbeat{
		clock:    clockz.RealClock,
		fns:      make(map[uint64]func()),
		interval: interval,
	}
}

// WithClock replaces the clock used by Run.
func (h *Heartbeat) WithClock(clock clockz.Clock) *Heartbeat {
	h.clock = clock
	return h
}

// Register adds fn to every beat.
func (h *Heartbeat) Register(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.fns[id] = fn
	h.order = append(h.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { h.unregister(id) })
	}
}

func (h *Heartbeat) unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.fns, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered callbacks.
func (h *Heartbeat) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fns)
}

// Beat invokes every registered callback once, outside the lock.
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.fns[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Run beats every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.clock.After(h.interval):
			h.Beat()
		}
	}
}
