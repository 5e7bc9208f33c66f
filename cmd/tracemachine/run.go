package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoobzio/tracemachine"
)

// runCmd drives one scripted interaction and prints its wire format.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scripted interaction",
	Long: `Run a scripted interaction through the trace machine.

The script opens nested spans on the main thread, performs a network
span, fans work out to worker threads with explicit parent hints and
then ends the interaction. The completed tree is printed as JSON.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := runScript(cmd.Context(), cfg, runOpts, newLogger(cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	},
}

type runFlags struct {
	name    string
	workers int
	depth   int
	step    time.Duration
}

var runOpts runFlags

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runOpts.name, "name", "n", "Checkout", "Interaction name")
	runCmd.Flags().IntVarP(&runOpts.workers, "workers", "w", 4, "Worker threads in the fan-out")
	runCmd.Flags().IntVarP(&runOpts.depth, "depth", "d", 3, "Nesting depth on the main thread")
	runCmd.Flags().DurationVar(&runOpts.step, "step", time.Millisecond, "Simulated work per span")
}

// runScript performs the interaction and returns the encoded trees.
func runScript(ctx context.Context, cfg tracemachine.Config, opts runFlags, logger *zap.Logger) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.workers < 0 || opts.depth < 0 {
		return nil, fmt.Errorf("workers and depth must not be negative")
	}

	m := tracemachine.NewWithConfig(cfg).
		WithLogger(logger).
		WithEnvironment(environment)
	defer m.Close()

	q := tracemachine.NewQueue(cfg.QueueSize)
	q.SetSyncMode(true)
	defer q.Close()
	m.SetDelivery(q)

	sampler := tracemachine.NewSampler(cfg.SampleInterval).WithLogger(logger)
	sampler.AddProbe(tracemachine.SampleMemory, heapProbe)
	sampler.AddProbe(tracemachine.SampleCPU, goroutineProbe)
	m.AddListener(sampler.Listener())

	heartbeat := tracemachine.NewHeartbeat(cfg.TickInterval)
	m.SetTickSource(heartbeat)

	beatCtx, stopBeat := context.WithCancel(ctx)
	beats, beatCtx := errgroup.WithContext(beatCtx)
	beats.Go(func() error {
		return heartbeat.Run(beatCtx)
	})

	m.Start(ctx, opts.name)

	for i := 0; i < opts.depth; i++ {
		m.Enter(ctx, nil, fmt.Sprintf("step-%d", i), tracemachine.Params{"level": i})
		time.Sleep(opts.step)
	}

	m.EnterNetwork(ctx, "GET /catalog")
	time.Sleep(opts.step)
	m.Exit(ctx)

	if err := fanOut(ctx, m, opts); err != nil {
		stopBeat()
		_ = beats.Wait()
		return nil, err
	}

	for i := 0; i < opts.depth; i++ {
		m.Exit(ctx)
	}
	m.End()

	stopBeat()
	_ = beats.Wait()

	return tracemachine.EncodeTrees(q.Drain())
}

// fanOut runs one span per worker thread under the current main-thread span.
func fanOut(ctx context.Context, m *tracemachine.Machine, opts runFlags) error {
	parent, err := m.CurrentSpan(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for i := 0; i < opts.workers; i++ {
		thread := tracemachine.Thread{ID: int64(100 + i), Name: fmt.Sprintf("worker-%d", i)}
		g.Go(func() error {
			wctx := tracemachine.WithThread(ctx, thread)
			m.Enter(wctx, parent, "task", tracemachine.Params{"worker": thread.Name})
			time.Sleep(opts.step)
			m.Exit(wctx)
			m.UnloadContext(wctx)
			return nil
		})
	}
	return g.Wait()
}

func environment() []any {
	return []any{
		map[string]string{"os": runtime.GOOS, "arch": runtime.GOARCH},
		map[string]string{"runtime": runtime.Version()},
	}
}

func heapProbe() (tracemachine.SampleValue, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return tracemachine.FloatValue(float64(ms.HeapAlloc) / (1 << 20)), true
}

func goroutineProbe() (tracemachine.SampleValue, bool) {
	return tracemachine.IntValue(int64(runtime.NumGoroutine())), true
}
