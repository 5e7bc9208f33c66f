// Package tracemachine builds one tree of timed spans per user interaction.
//
// A Machine owns at most one live Tree. Instrumented call sites enter and
// exit spans on their own thread; the machine keeps a span stack per thread
// and nests each entered span under the span currently active on that
// thread. Work handed to another thread carries its parent explicitly.
//
// Core Components:
//   - Machine: the coordinator. Start, Enter, Exit, EnterNetwork, End, Halt.
//   - Span: one timed node of the tree.
//   - Tree: root span, completed spans, outstanding spans, vitals.
//   - Queue: receives completed spans and trees for delivery.
//
// Basic Usage:
//
//	m := tracemachine.New()
//	q := tracemachine.NewQueue(1024)
//	m.SetDelivery(q)
//
//	m.Start(ctx, "Checkout")
//	m.Enter(ctx, nil, "loadCart", nil)
//	m.Exit(ctx)
//	m.End()
//
// Threads:
//
// The calling thread is read from the context (see WithThread). A context
// without a thread is the main thread. A thread that has no context of its
// own adopts the parent hint passed to Enter:
//
//	parent, _ := m.CurrentSpan(ctx)
//	go func() {
//		wctx := tracemachine.WithThread(ctx, tracemachine.Thread{ID: 7, Name: "io"})
//		m.Enter(wctx, parent, "fetch", nil)
//		defer m.Exit(wctx)
//	}()
//
// Completion:
//
// A tree completes on End, when a new interaction starts, or through the
// timeout policy: idle for HealthyTimeout with nothing outstanding, or
// older than UnhealthyTimeout regardless. Halt discards the tree.
//
// Failure Model:
//
// Public Machine methods never panic into the caller. Internal failures are
// logged and counted in Health.
package tracemachine

// Kind distinguishes generic spans from network spans.
type Kind uint8

const (
	KindGeneric Kind = iota
	KindNetwork
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	if k == KindNetwork {
		return "NETWORK"
	}
	return "TRACE"
}

// Params holds arbitrary span parameters.
type Params = map[string]any
