// Package integration exercises the machine together with its delivery,
// timing and export components.
package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/tracemachine"
)

// Harness wires a machine to a synchronous queue and a fake clock.
//
//nolint:govet // Field alignment optimized for test helper readability
type Harness struct {
	Machine *tracemachine.Machine
	Queue   *tracemachine.Queue
	Clock   *clockz.FakeClock
	t       *testing.T
}

// NewHarness creates a harness with the given configuration.
func NewHarness(t *testing.T, cfg tracemachine.Config) *Harness {
	t.Helper()

	clock := clockz.NewFakeClock()
	q := tracemachine.NewQueue(cfg.QueueSize)
	q.SetSyncMode(true) // Enable synchronous delivery for testing.

	m := tracemachine.NewWithConfig(cfg).
		WithClock(clock).
		WithLogger(zap.NewNop())
	m.SetDelivery(q)

	t.Cleanup(func() {
		m.Close()
		q.Close()
	})

	return &Harness{Machine: m, Queue: q, Clock: clock, t: t}
}

// Trees drains the queue and returns the delivered trees.
func (h *Harness) Trees() []*tracemachine.Tree {
	return tracemachine.Trees(h.Queue.Drain())
}

// SingleTree drains the queue and requires exactly one tree.
func (h *Harness) SingleTree() *tracemachine.Tree {
	h.t.Helper()
	trees := h.Trees()
	require.Len(h.t, trees, 1, "expected exactly one delivered tree")
	return trees[0]
}

// Thread returns a context running on a worker thread.
func Thread(ctx context.Context, id int64, name string) context.Context {
	return tracemachine.WithThread(ctx, tracemachine.Thread{ID: id, Name: name})
}

// FindNode searches a resolved tree depth-first for a node by name.
func FindNode(root tracemachine.Node, name string) (tracemachine.Node, bool) {
	if root.Name == name {
		return root, true
	}
	for _, child := range root.Children {
		if n, ok := FindNode(child, name); ok {
			return n, true
		}
	}
	return tracemachine.Node{}, false
}

// CountNodes returns the number of nodes reachable from root, root included.
func CountNodes(root tracemachine.Node) int {
	n := 1
	for _, child := range root.Children {
		n += CountNodes(child)
	}
	return n
}

// AssertParentChild requires child to be a direct child of parent.
func AssertParentChild(t *testing.T, root tracemachine.Node, parentName, childName string) {
	t.Helper()
	parent, ok := FindNode(root, parentName)
	require.True(t, ok, "parent %q not found", parentName)
	for _, child := range parent.Children {
		if child.Name == childName {
			return
		}
	}
	t.Errorf("expected %q under %q", childName, parentName)
}
