package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zoobzio/tracemachine"
)

// TestWorkerFanOut hands a parent to many worker threads and checks each
// worker span lands under it with its own thread identity.
func TestWorkerFanOut(t *testing.T) {
	h := NewHarness(t, tracemachine.DefaultConfig())
	m := h.Machine
	ctx := context.Background()

	m.Start(ctx, "Search")
	parent := m.Enter(ctx, nil, "dispatch", nil)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		wctx := Thread(ctx, int64(10+i), fmt.Sprintf("worker-%d", i))
		g.Go(func() error {
			m.Enter(wctx, parent, "shard", nil)
			m.Enter(wctx, nil, "decode", nil)
			m.Exit(wctx)
			m.Exit(wctx)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	h.Clock.Advance(time.Millisecond)
	m.Exit(ctx)
	m.End()

	root, err := h.SingleTree().Nodes()
	require.NoError(t, err)

	dispatch, ok := FindNode(root, "dispatch")
	require.True(t, ok)
	assert.Len(t, dispatch.Children, 8)

	threads := make(map[int64]bool)
	for _, shard := range dispatch.Children {
		assert.Equal(t, "shard", shard.Name)
		require.Len(t, shard.Children, 1)
		assert.Equal(t, "decode", shard.Children[0].Name)
		assert.Equal(t, shard.Thread, shard.Children[0].Thread)
		threads[shard.Thread.ID] = true
	}
	assert.Len(t, threads, 8)
	assert.Equal(t, 1+1+8*2, CountNodes(root))
}

// TestHandOffChain passes context thread to thread, each adopting the
// previous thread's span.
func TestHandOffChain(t *testing.T) {
	h := NewHarness(t, tracemachine.DefaultConfig())
	m := h.Machine
	ctx := context.Background()

	m.Start(ctx, "Pipeline")
	current := m.Enter(ctx, nil, "stage-0", nil)

	for i := 1; i <= 3; i++ {
		wctx := Thread(ctx, int64(i+1), fmt.Sprintf("stage-%d", i))
		done := make(chan *tracemachine.Span)
		go func(parent *tracemachine.Span) {
			span := m.Enter(wctx, parent, fmt.Sprintf("stage-%d", i), nil)
			done <- span
		}(current)
		current = <-done
	}

	// Unwind from the deepest stage.
	for i := 3; i >= 1; i-- {
		m.Exit(Thread(ctx, int64(i+1), fmt.Sprintf("stage-%d", i)))
	}
	m.Exit(ctx)
	m.End()

	root, err := h.SingleTree().Nodes()
	require.NoError(t, err)

	AssertParentChild(t, root, "Pipeline", "stage-0")
	AssertParentChild(t, root, "stage-0", "stage-1")
	AssertParentChild(t, root, "stage-1", "stage-2")
	AssertParentChild(t, root, "stage-2", "stage-3")
}

// TestStaleWorkerContextIgnored reuses a worker thread across two
// interactions.
func TestStaleWorkerContextIgnored(t *testing.T) {
	h := NewHarness(t, tracemachine.DefaultConfig())
	m := h.Machine
	ctx := context.Background()
	worker := Thread(ctx, 50, "pool")

	m.Start(ctx, "First")
	m.Enter(worker, nil, "abandoned", nil)
	m.End()

	m.Start(ctx, "Second")
	parent := m.Enter(ctx, nil, "owner", nil)
	child := m.Enter(worker, parent, "task", nil)
	require.NotNil(t, child)
	assert.Equal(t, parent.ID(), child.ParentID())
}
