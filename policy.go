package tracemachine

import (
	"sync/atomic"
	"time"
)

// timeoutReason says why the policy wants a tree completed.
type timeoutReason uint8

const (
	notTimedOut timeoutReason = iota
	healthyTimeout
	unhealthyTimeout
)

func (r timeoutReason) String() string {
	switch r {
	case healthyTimeout:
		return "healthy"
	case unhealthyTimeout:
		return "unhealthy"
	default:
		return "none"
	}
}

// policy decides when a live tree is finished without an explicit End.
type policy struct {
	healthy   time.Duration
	unhealthy time.Duration
}

// evaluate checks the healthy rule first: idle past the healthy timeout
// with nothing outstanding. Otherwise a tree older than the unhealthy
// timeout is closed regardless of outstanding spans.
func (p policy) evaluate(t *Tree, now time.Time) timeoutReason {
	if now.Sub(t.LastUpdatedAt()) > p.healthy && !t.HasMissingChildren() {
		return healthyTimeout
	}
	if now.Sub(t.StartedAt()) > p.unhealthy {
		return unhealthyTimeout
	}
	return notTimedOut
}

// Health is a snapshot of the machine's supportability counters.
type Health struct {
	Exceptions        uint64
	HealthyTimeouts   uint64
	UnhealthyTimeouts uint64
	CappedSpans       uint64
	ListenerFailures  uint64
	DoubleCompletions uint64
	DeliveredTrees    uint64
	TrivialTrees      uint64
	DiscardedTrees    uint64
	SpanIDMisses      uint64
}

type healthCounters struct {
	exceptions        atomic.Uint64
	healthyTimeouts   atomic.Uint64
	unhealthyTimeouts atomic.Uint64
	cappedSpans       atomic.Uint64
	listenerFailures  atomic.Uint64
	doubleCompletions atomic.Uint64
	deliveredTrees    atomic.Uint64
	trivialTrees      atomic.Uint64
	discardedTrees    atomic.Uint64
}

func (h *healthCounters) snapshot() Health {
	return Health{
		Exceptions:        h.exceptions.Load(),
		HealthyTimeouts:   h.healthyTimeouts.Load(),
		UnhealthyTimeouts: h.unhealthyTimeouts.Load(),
		CappedSpans:       h.cappedSpans.Load(),
		ListenerFailures:  h.listenerFailures.Load(),
		DoubleCompletions: h.doubleCompletions.Load(),
		DeliveredTrees:    h.deliveredTrees.Load(),
		TrivialTrees:      h.trivialTrees.Load(),
		DiscardedTrees:    h.discardedTrees.Load(),
	}
}
