package tracemachine

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDPool keeps span ids generated ahead of demand so Enter does not read
// crypto/rand on the instrumented path. A span taken from an empty pool is
// generated inline and counted as a miss.
type IDPool struct {
	generate  func() uuid.UUID
	ready     chan uuid.UUID
	stop      chan struct{}
	done      chan struct{}
	issued    atomic.Uint64
	misses    atomic.Uint64
	closeOnce sync.Once
}

// NewIDPool starts filling a pool of capacity span ids. A non-positive
// capacity falls back to DefaultIDPoolSize.
func NewIDPool(capacity int, generate func() uuid.UUID) *IDPool {
	if capacity <= 0 {
		capacity = DefaultIDPoolSize
	}
	p := &IDPool{
		generate: generate,
		ready:    make(chan uuid.UUID, capacity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.fill()
	return p
}

// Get returns the next span id.
func (p *IDPool) Get() uuid.UUID {
	p.issued.Add(1)
	select {
	case id := <-p.ready:
		return id
	default:
		p.misses.Add(1)
		return p.generate()
	}
}

// Issued returns how many ids were handed out.
func (p *IDPool) Issued() uint64 {
	return p.issued.Load()
}

// Misses returns how many ids were generated inline because the pool ran dry.
func (p *IDPool) Misses() uint64 {
	return p.misses.Load()
}

// Ready returns how many ids are waiting in the pool.
func (p *IDPool) Ready() int {
	return len(p.ready)
}

func (p *IDPool) fill() {
	defer close(p.done)
	for {
		id := p.generate()
		select {
		case p.ready <- id:
		case <-p.stop:
			return
		}
	}
}

// Close stops filling and waits for the filler to exit. Get keeps working
// on inline generation.
func (p *IDPool) Close() {
	p.closeOnce.Do(func() { close(p.stop) })
	<-p.done
}
