package benchmarks

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zoobzio/tracemachine"
)

func newBenchMachine(b *testing.B, maxSpans int) (*tracemachine.Machine, *tracemachine.Queue) {
	b.Helper()
	cfg := tracemachine.DefaultConfig()
	cfg.MaxSpans = maxSpans
	cfg.HealthyTimeout = time.Hour
	cfg.UnhealthyTimeout = time.Hour

	q := tracemachine.NewQueue(1 << 16)
	m := tracemachine.NewWithConfig(cfg).WithLogger(zap.NewNop())
	m.SetDelivery(q)
	b.Cleanup(func() {
		m.Close()
		q.Close()
	})
	return m, q
}

// BenchmarkEnterExit measures the instrumented path on one thread.
func BenchmarkEnterExit(b *testing.B) {
	m, _ := newBenchMachine(b, b.N+1)
	ctx := context.Background()
	m.Start(ctx, "bench")

	b.ReportAllocs()
	b.ResetTimer()
	start := time.Now()

	for i := 0; i < b.N; i++ {
		m.Enter(ctx, nil, "span", nil)
		m.Exit(ctx)
	}

	b.ReportMetric(float64(b.N)/time.Since(start).Seconds(), "spans/sec")
}

// BenchmarkEnterExitNested measures deeper stacks.
func BenchmarkEnterExitNested(b *testing.B) {
	for _, depth := range []int{1, 5, 20} {
		b.Run(fmt.Sprintf("depth-%d", depth), func(b *testing.B) {
			m, _ := newBenchMachine(b, (b.N+1)*depth)
			ctx := context.Background()
			m.Start(ctx, "bench")

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				for d := 0; d < depth; d++ {
					m.Enter(ctx, nil, "span", nil)
				}
				for d := 0; d < depth; d++ {
					m.Exit(ctx)
				}
			}
		})
	}
}

// BenchmarkEnterExitParallel measures many worker threads sharing a parent.
func BenchmarkEnterExitParallel(b *testing.B) {
	m, _ := newBenchMachine(b, tracemachine.DefaultMaxSpans)
	ctx := context.Background()
	m.Start(ctx, "bench")
	parent, _ := m.CurrentSpan(ctx)

	var threadID atomic.Int64
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		wctx := tracemachine.WithThread(ctx, tracemachine.Thread{ID: 1000 + threadID.Add(1), Name: "bench"})
		for pb.Next() {
			m.Enter(wctx, parent, "span", nil)
			m.Exit(wctx)
		}
	})
}

// BenchmarkInteractionCycle measures a full start to end cycle.
func BenchmarkInteractionCycle(b *testing.B) {
	m, q := newBenchMachine(b, tracemachine.DefaultMaxSpans)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Start(ctx, "cycle")
		m.Enter(ctx, nil, "a", nil)
		m.EnterNetwork(ctx, "GET /")
		m.Exit(ctx)
		m.Exit(ctx)
		m.End()
		if i%1000 == 0 {
			q.Drain()
		}
	}
}

// BenchmarkWireFormat measures serialization of a completed tree.
func BenchmarkWireFormat(b *testing.B) {
	for _, spans := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("spans-%d", spans), func(b *testing.B) {
			m, q := newBenchMachine(b, tracemachine.DefaultMaxSpans)
			q.SetSyncMode(true)
			ctx := context.Background()

			m.Start(ctx, "wire")
			for i := 0; i < spans; i++ {
				m.Enter(ctx, nil, "leaf", tracemachine.Params{"i": i})
				m.Exit(ctx)
			}
			m.End()
			tree := tracemachine.Trees(q.Drain())[0]

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := tree.MarshalJSON(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
