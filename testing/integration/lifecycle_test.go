package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zoobzio/tracemachine"
	"github.com/zoobzio/tracemachine/otelbridge"
)

// TestHeartbeatClosesIdleInteraction relies on ticks alone to finish a
// tree nobody ends.
func TestHeartbeatClosesIdleInteraction(t *testing.T) {
	h := NewHarness(t, tracemachine.DefaultConfig())
	m := h.Machine
	ctx := context.Background()

	heartbeat := tracemachine.NewHeartbeat(time.Second).WithClock(h.Clock)
	m.SetTickSource(heartbeat)

	m.Start(ctx, "Browse")
	m.Enter(ctx, nil, "render", nil)
	h.Clock.Advance(20 * time.Millisecond)
	m.Exit(ctx)

	heartbeat.Beat()
	require.True(t, m.IsActive(), "tree should survive a tick before the healthy timeout")

	h.Clock.Advance(tracemachine.DefaultHealthyTimeout + time.Millisecond)
	heartbeat.Beat()

	assert.False(t, m.IsActive())
	assert.Equal(t, uint64(1), m.Health().HealthyTimeouts)
	assert.Len(t, h.Trees(), 1)
}

// TestLeakedSpanForcesUnhealthyTimeout keeps a span open forever.
func TestLeakedSpanForcesUnhealthyTimeout(t *testing.T) {
	cfg := tracemachine.DefaultConfig()
	cfg.UnhealthyTimeout = 5 * time.Second
	h := NewHarness(t, cfg)
	m := h.Machine
	ctx := context.Background()

	m.Start(ctx, "Upload")
	m.Enter(ctx, nil, "chunk", nil)
	m.Exit(ctx)
	m.Enter(ctx, nil, "leaked", nil)

	for i := 0; i < 4; i++ {
		h.Clock.Advance(time.Second)
		m.Tick()
		require.True(t, m.IsActive())
	}

	h.Clock.Advance(1500 * time.Millisecond)
	m.Tick()

	require.False(t, m.IsActive())
	assert.Equal(t, uint64(1), m.Health().UnhealthyTimeouts)

	tree := h.SingleTree()
	assert.True(t, tree.HasMissingChildren())
	root, err := tree.Nodes()
	require.NoError(t, err)
	_, found := FindNode(root, "leaked")
	assert.False(t, found, "open span must not be serialized")
}

// TestCapAcrossThreads fills a tree past its cap from several threads.
func TestCapAcrossThreads(t *testing.T) {
	cfg := tracemachine.DefaultConfig()
	cfg.MaxSpans = 50
	h := NewHarness(t, cfg)
	m := h.Machine
	ctx := context.Background()

	m.Start(ctx, "Flood")
	parent, _ := m.CurrentSpan(ctx)

	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		wctx := Thread(ctx, int64(200+w), "flood")
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 25; i++ {
				m.Enter(wctx, parent, "leaf", nil)
				m.Exit(wctx)
			}
		}()
	}
	for w := 0; w < 4; w++ {
		<-done
	}

	tree, err := m.Tree()
	require.NoError(t, err)
	assert.Equal(t, 50, tree.SpanCount())
	assert.Equal(t, int64(50), tree.DroppedCount())
	assert.Equal(t, int64(100), tree.CompletedCount())
	assert.False(t, tree.HasMissingChildren())

	m.End()
	root, err := h.SingleTree().Nodes()
	require.NoError(t, err)
	assert.Equal(t, 51, CountNodes(root))
}

// TestQueueToOpenTelemetry drains a batch and replays it.
func TestQueueToOpenTelemetry(t *testing.T) {
	h := NewHarness(t, tracemachine.DefaultConfig())
	m := h.Machine
	ctx := context.Background()

	for _, name := range []string{"Home", "Detail"} {
		m.Start(ctx, name)
		m.Enter(ctx, nil, "load", nil)
		h.Clock.Advance(10 * time.Millisecond)
		m.EnterNetwork(ctx, "GET /item")
		h.Clock.Advance(10 * time.Millisecond)
		m.Exit(ctx)
		m.Exit(ctx)
		m.End()
	}

	items := h.Queue.Drain()
	assert.Len(t, tracemachine.Spans(items), 4)
	assert.Len(t, tracemachine.Trees(items), 2)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, otelbridge.NewExporter(tp).Export(ctx, items))

	assert.Len(t, recorder.Ended(), 6)

	data, err := tracemachine.EncodeTrees(items)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Detail"`)
}

// TestHaltMidInteraction discards a tree while workers are still inside it.
func TestHaltMidInteraction(t *testing.T) {
	h := NewHarness(t, tracemachine.DefaultConfig())
	m := h.Machine
	ctx := context.Background()
	worker := Thread(ctx, 77, "bg")

	m.Start(ctx, "Cancelled")
	parent := m.Enter(ctx, nil, "work", nil)
	m.Enter(worker, parent, "bg-task", nil)

	m.Halt()

	m.Exit(worker)
	m.Exit(ctx)

	assert.False(t, m.IsActive())
	assert.Equal(t, uint64(1), m.Health().DiscardedTrees)
	assert.Empty(t, h.Trees())
	assert.Equal(t, uint64(0), m.Health().Exceptions)
}
