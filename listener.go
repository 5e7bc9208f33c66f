package tracemachine

import (
	"sync"
	"sync/atomic"
)

// Listener receives lifecycle callbacks. Nil fields are skipped.
// Callbacks run synchronously on the calling thread in registration order.
// Start, Complete, Halt and Rename callbacks run while the machine holds
// its state lock and must not call Start, End, Halt or Rename.
type Listener struct {
	OnStart    func(tree *Tree)
	OnEnter    func(span *Span)
	OnExit     func(span *Span)
	OnComplete func(tree *Tree)
	OnHalt     func(tree *Tree)
	OnRename   func(tree *Tree)
}

type listenerEntry struct {
	listener Listener
	id       uint64
}

// registry is an ordered set of listeners.
type registry struct {
	entries []listenerEntry
	nextID  atomic.Uint64
	mu      sync.RWMutex
}

func (r *registry) add(l Listener) uint64 {
	id := r.nextID.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, listenerEntry{id: id, listener: l})
	return id
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Preserve order
	for i, e := range r.entries {
		if e.id == id {
			copy(r.entries[i:], r.entries[i+1:])
			r.entries = r.entries[:len(r.entries)-1]
			return
		}
	}
}

func (r *registry) snapshot() []listenerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil
	}
	entries := make([]listenerEntry, len(r.entries))
	copy(entries, r.entries)
	return entries
}
