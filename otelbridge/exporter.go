// Package otelbridge replays completed trace trees as OpenTelemetry spans.
package otelbridge

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoobzio/tracemachine"
)

// ScopeName is the instrumentation scope of replayed spans.
const ScopeName = "github.com/zoobzio/tracemachine/otelbridge"

// Attribute keys set on every replayed span.
const (
	AttrKind       = attribute.Key("tracemachine.kind")
	AttrThreadID   = attribute.Key("tracemachine.thread.id")
	AttrThreadName = attribute.Key("tracemachine.thread.name")
	AttrExclusive  = attribute.Key("tracemachine.exclusive_ms")
	AttrTraceID    = attribute.Key("tracemachine.trace_id")
	AttrDropped    = attribute.Key("tracemachine.dropped_spans")
	paramPrefix    = "tracemachine.param."
)

// Exporter converts trees into spans of an OpenTelemetry tracer.
type Exporter struct {
	tracer trace.Tracer
}

// NewExporter creates an exporter on tp, or on the global provider if tp is nil.
func NewExporter(tp trace.TracerProvider) *Exporter {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Exporter{tracer: tp.Tracer(ScopeName)}
}

// ExportTree replays tree with its original timestamps and nesting.
// The tree must be complete.
func (e *Exporter) ExportTree(ctx context.Context, tree *tracemachine.Tree) error {
	root, err := tree.Nodes()
	if err != nil {
		return fmt.Errorf("export tree %s: %w", tree.ID(), err)
	}

	e.replay(ctx, root, attribute.String(string(AttrTraceID), tree.ID()),
		attribute.Int64(string(AttrDropped), tree.DroppedCount()))
	return nil
}

// Export replays every tree in a drained queue batch. Span items are
// skipped since each tree already carries its spans.
func (e *Exporter) Export(ctx context.Context, items []tracemachine.Item) error {
	var errs []error
	for _, tree := range tracemachine.Trees(items) {
		if err := e.ExportTree(ctx, tree); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Exporter) replay(ctx context.Context, n tracemachine.Node, extra ...attribute.KeyValue) {
	kind := trace.SpanKindInternal
	if n.Kind == tracemachine.KindNetwork {
		kind = trace.SpanKindClient
	}

	attrs := append(attributes(n.Record), extra...)
	ctx, span := e.tracer.Start(ctx, n.Name,
		trace.WithTimestamp(n.Entry),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)

	for _, child := range n.Children {
		e.replay(ctx, child)
	}

	span.End(trace.WithTimestamp(n.Exit))
}

func attributes(rec tracemachine.Record) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4+len(rec.Params))
	attrs = append(attrs,
		AttrKind.String(rec.Kind.String()),
		AttrThreadID.Int64(rec.Thread.ID),
		AttrThreadName.String(rec.Thread.Name),
		AttrExclusive.Int64(rec.Exclusive.Milliseconds()),
	)
	for k, v := range rec.Params {
		attrs = append(attrs, param(paramPrefix+k, v))
	}
	return attrs
}

func param(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprint(val))
	}
}
