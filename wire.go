package tracemachine

import (
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Node is a completed span with its stored children resolved.
type Node struct {
	Children []Node
	Record
}

var (
	environmentType = map[string]string{"type": "ENVIRONMENT"}
	vitalsType      = map[string]string{"type": "VITALS"}
	historyType     = map[string]string{"type": "ACTIVITY_HISTORY"}
)

// sizeNormal is the only size the environment segment reports.
const sizeNormal = "NORMAL"

// Nodes resolves the tree from the root. Child ids without a stored span
// are omitted.
func (t *Tree) Nodes() (Node, error) {
	if !t.IsComplete() || t.IsDiscarded() {
		return Node{}, ErrIncompleteSerialization
	}
	return t.node(t.root), nil
}

func (t *Tree) node(s *Span) Node {
	n := Node{Record: s.Record()}
	for _, id := range n.Record.Children {
		child, ok := t.Span(id)
		if !ok {
			continue
		}
		n.Children = append(n.Children, t.node(child))
	}
	return n
}

// WireFormat renders the tree as its positional array:
//
//	[params, entry, exit, name, [environment, root node, vitals, history?]]
//
// A tree that has not completed, or was discarded, is refused.
func (t *Tree) WireFormat() ([]any, error) {
	if !t.IsComplete() || t.IsDiscarded() {
		t.cfg.logger.Warn("attempted to serialize trace before it was finalized", zap.String("trace_id", t.ID()))
		return nil, ErrIncompleteSerialization
	}

	root := t.node(t.root)

	segments := []any{
		t.environmentSegment(),
		nodeWire(root),
		t.vitalsSegment(),
	}
	if t.previous != nil {
		segments = append(segments, append([]any{historyType}, t.previous.wire()...))
	}

	params := make(map[string]string, len(t.params))
	for k, v := range t.params {
		params[k] = v
	}

	return []any{
		params,
		root.Entry.UnixMilli(),
		root.Exit.UnixMilli(),
		root.Name,
		segments,
	}, nil
}

// MarshalJSON encodes the wire format.
func (t *Tree) MarshalJSON() ([]byte, error) {
	wire, err := t.WireFormat()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// nodeWire renders [params, entry, exit, name, [threadId, threadName], children].
func nodeWire(n Node) []any {
	params := make(map[string]any, len(n.Params)+1)
	for k, v := range n.Params {
		params[k] = v
	}
	params["type"] = n.Kind.String()

	children := make([]any, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, nodeWire(c))
	}

	return []any{
		params,
		n.Entry.UnixMilli(),
		n.Exit.UnixMilli(),
		n.Name,
		[]any{n.Thread.ID, n.Thread.Name},
		children,
	}
}

func (t *Tree) environmentSegment() []any {
	env := []any{environmentType}
	if t.cfg.environment != nil {
		env = append(env, t.cfg.environment()...)
	}
	return append(env, map[string]string{"size": sizeNormal})
}

// vitalsSegment keeps samples taken between the tree's start and its last
// update; the sampler may keep running past the last recorded span.
func (t *Tree) vitalsSegment() []any {
	vitals := t.Vitals()
	from, cutoff := t.StartedAt(), t.LastUpdatedAt()

	series := make(map[string][]any, len(vitals))
	for kind, samples := range vitals {
		kept := make([]any, 0, len(samples))
		for _, s := range samples {
			if !s.Timestamp.Before(from) && !s.Timestamp.After(cutoff) {
				kept = append(kept, s.wire())
			}
		}
		series[string(kind)] = kept
	}

	return []any{vitalsType, series}
}
