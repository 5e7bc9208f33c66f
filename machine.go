package tracemachine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

const (
	// ActivityMetricPrefix prefixes a root's foreground metric name.
	ActivityMetricPrefix = "Mobile/Activity/Name/"
	// ActivityBackgroundMetricPrefix prefixes a root's background metric name.
	ActivityBackgroundMetricPrefix = "Mobile/Activity/Background/Name/"
	// ActivityDisplayNamePrefix prefixes display names built by StartActivity.
	ActivityDisplayNamePrefix = "Display "
)

// FormatMetricName returns the foreground metric name for an interaction.
func FormatMetricName(name string) string {
	return ActivityMetricPrefix + name
}

// FormatBackgroundMetricName returns the background metric name for an interaction.
func FormatBackgroundMetricName(name string) string {
	return ActivityBackgroundMetricPrefix + name
}

// FormatDisplayName returns the display name StartActivity gives a root.
func FormatDisplayName(name string) string {
	return ActivityDisplayNamePrefix + name
}

// Machine coordinates the single live trace tree.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Machine struct {
	live           atomic.Pointer[Tree]
	threads        sync.Map // int64 -> *threadState
	listeners      registry
	health         healthCounters
	history        *History
	clock          clockz.Clock
	logger         *zap.Logger
	delivery       Delivery
	measurements   Measurements
	ticks          TickSource
	environment    func() []any
	panicHook      func(listenerID uint64, r any)
	unregisterTick func()
	ids            atomic.Pointer[IDPool]
	policy         policy
	cfg            Config
	mu             sync.Mutex
	idPoolOnce     sync.Once
	enabled        atomic.Bool
}

// New creates a machine with the default configuration.
func New() *Machine {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a machine. Invalid fields fall back to defaults.
func NewWithConfig(cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.HealthyTimeout <= 0 {
		cfg.HealthyTimeout = def.HealthyTimeout
	}
	if cfg.UnhealthyTimeout <= 0 {
		cfg.UnhealthyTimeout = def.UnhealthyTimeout
	}
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = def.MaxSpans
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IDPoolSize <= 0 {
		cfg.IDPoolSize = def.IDPoolSize
	}

	m := &Machine{
		cfg:          cfg,
		policy:       policy{healthy: cfg.HealthyTimeout, unhealthy: cfg.UnhealthyTimeout},
		history:      NewHistory(),
		clock:        clockz.RealClock,
		logger:       zap.NewNop(),
		measurements: noopMeasurements{},
	}
	m.enabled.Store(true)
	return m
}

// WithClock replaces the clock. Enables deterministic testing.
// Call before the first Start.
func (m *Machine) WithClock(clock clockz.Clock) *Machine {
	m.clock = clock
	return m
}

// WithLogger replaces the logger. Call before the first Start.
func (m *Machine) WithLogger(logger *zap.Logger) *Machine {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// WithEnvironment sets the provider of the environment segment's
// application and device elements. Call before the first Start.
func (m *Machine) WithEnvironment(fn func() []any) *Machine {
	m.environment = fn
	return m
}

// SetDelivery sets where completed spans and trees go.
func (m *Machine) SetDelivery(d Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivery = d
}

// SetMeasurements sets the receiver of interaction notifications.
func (m *Machine) SetMeasurements(ms Measurements) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms == nil {
		ms = noopMeasurements{}
	}
	m.measurements = ms
}

// SetTickSource sets the periodic tick source. The machine registers Tick
// with it while a tree is live.
func (m *Machine) SetTickSource(ts TickSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = ts
}

// SetPanicHook sets a function called when a listener panics.
func (m *Machine) SetPanicHook(hook func(listenerID uint64, r any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicHook = hook
}

// SetEnabled turns interaction tracing on or off. Disabled, Start is a no-op.
func (m *Machine) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Enabled reports whether Start will create trees.
func (m *Machine) Enabled() bool {
	return m.enabled.Load()
}

// Config returns the effective configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// AddListener registers lifecycle callbacks and returns their id.
func (m *Machine) AddListener(l Listener) uint64 {
	return m.listeners.add(l)
}

// RemoveListener removes a listener by id.
func (m *Machine) RemoveListener(id uint64) {
	m.listeners.remove(id)
}

// History returns the interaction history.
func (m *Machine) History() *History {
	return m.history
}

// ClearHistory drops the interaction history.
func (m *Machine) ClearHistory() {
	m.history.Clear()
}

// Health returns the supportability counters.
func (m *Machine) Health() Health {
	h := m.health.snapshot()
	if pool := m.ids.Load(); pool != nil {
		h.SpanIDMisses = pool.Misses()
	}
	return h
}

// IsActive reports whether a tree is live.
func (m *Machine) IsActive() bool {
	return m.live.Load() != nil
}

// Tree returns the live tree.
func (m *Machine) Tree() (*Tree, error) {
	tree := m.live.Load()
	if tree == nil {
		return nil, ErrTreeInactive
	}
	return tree, nil
}

// Close releases the id pool.
func (m *Machine) Close() {
	if pool := m.ids.Load(); pool != nil {
		pool.Close()
	}
}

// Start begins a new interaction on the calling thread. A live tree is
// completed first.
func (m *Machine) Start(ctx context.Context, name string) {
	m.start(ctx, name)
}

// StartActivity starts an interaction named with FormatDisplayName.
func (m *Machine) StartActivity(ctx context.Context, name string) {
	m.start(ctx, FormatDisplayName(name))
}

func (m *Machine) start(ctx context.Context, name string) {
	if !m.Enabled() {
		return
	}

	thread := ThreadFrom(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.noticePanic("start", r)
			m.logger.Error("shutting down trace machine after start failure")
			m.live.Store(nil)
			m.threads.Delete(thread.ID)
		}
	}()

	if prior := m.live.Load(); prior != nil {
		m.completeLocked(prior)
	}

	root := newSpan(m.nextID(), uuid.Nil, name, m.clock)
	root.setMetricNames(FormatMetricName(name), FormatBackgroundMetricName(name))
	root.resolveThread(thread)
	root.setEntry(m.clock.Now())

	tree := newTree(root, treeConfig{
		clock:        m.clock,
		logger:       m.logger,
		measurements: m.measurements,
		delivery:     m.delivery,
		environment:  m.environment,
		maxSpans:     m.cfg.MaxSpans,
		onCapped:     func() { m.health.cappedSpans.Add(1) },
	})
	tree.previous = m.history.Last()
	m.history.add(newSighting(name, root.Entry()))

	m.threads.Store(thread.ID, newThreadState(tree, root))

	m.live.Store(tree)

	if m.ticks != nil {
		m.unregisterTick = m.ticks.Register(m.Tick)
	}

	m.logger.Debug("started trace", zap.String("name", name), zap.String("trace_id", tree.ID()))

	m.notify("start", func(l Listener) func() {
		if l.OnStart == nil {
			return nil
		}
		return func() { l.OnStart(tree) }
	})
}

// Enter opens a child span on the calling thread and returns it, nil if
// no tree is live. A thread without context of its own adopts parent as
// its local root; a thread with context keeps it. A thread with neither
// attaches the span to the root.
func (m *Machine) Enter(ctx context.Context, parent *Span, name string, params Params) *Span {
	return m.enter(ctx, parent, name, params, KindGeneric)
}

// EnterNetwork opens a network span under the calling thread's current
// span. A network span still current on this thread is exited first:
// some responses are never read to completion.
func (m *Machine) EnterNetwork(ctx context.Context, name string) (span *Span) {
	defer m.guard("enterNetwork")

	tree := m.live.Load()
	if tree == nil {
		return nil
	}

	if current := m.currentSpan(tree, ThreadFrom(ctx)); current.Kind() == KindNetwork {
		m.Exit(ctx)
	}

	return m.enter(ctx, nil, name, nil, KindNetwork)
}

func (m *Machine) enter(ctx context.Context, hint *Span, name string, params Params, kind Kind) (span *Span) {
	defer m.guard("enter")

	tree := m.live.Load()
	if tree == nil {
		return nil
	}

	if m.checkTimeout(tree) {
		return nil
	}

	thread := ThreadFrom(ctx)
	state, parent := m.loadContext(tree, thread, hint)
	if parent == nil {
		parent = tree.root
	}

	child := newSpan(m.nextID(), parent.ID(), name, m.clock)
	child.setKind(kind)
	for k, v := range params {
		child.params[k] = v
	}
	child.tree.Store(tree)

	if err := tree.registerEntered(child); err != nil {
		return nil
	}
	parent.addChild(child.ID())

	state.push(child)
	child.setScope(m.scopeFor(tree, thread))

	m.logger.Debug("entered span",
		zap.String("name", name),
		zap.String("parent", parent.Name()),
		zap.String("thread", thread.Name),
		zap.Int("depth", state.depth()))

	m.notify("enter", func(l Listener) func() {
		if l.OnEnter == nil {
			return nil
		}
		return func() { l.OnEnter(child) }
	})

	// Stamped last so the tracer does not time itself.
	child.setEntry(m.clock.Now())
	return child
}

// loadContext resolves the calling thread's span stack and the span a new
// child attaches to. Context left over from an earlier tree counts as no
// context. A thread without context starts a fresh stack from the hint; a
// nil hint means the jump was not instrumented and the span floats under
// the root.
func (m *Machine) loadContext(tree *Tree, thread Thread, hint *Span) (*threadState, *Span) {
	for {
		v, ok := m.threads.Load(thread.ID)
		if ok {
			state := v.(*threadState)
			if state.tree == tree {
				return state, state.resume(hint)
			}
			fresh := newThreadState(tree, hint)
			if m.threads.CompareAndSwap(thread.ID, state, fresh) {
				return fresh, fresh.top()
			}
			continue
		}
		fresh := newThreadState(tree, hint)
		if _, loaded := m.threads.LoadOrStore(thread.ID, fresh); !loaded {
			return fresh, fresh.top()
		}
	}
}

// threadState returns the thread's state if it belongs to tree.
func (m *Machine) threadState(tree *Tree, thread Thread) *threadState {
	v, ok := m.threads.Load(thread.ID)
	if !ok {
		return nil
	}
	state := v.(*threadState)
	if tree != nil && state.tree != tree {
		return nil
	}
	return state
}

// Exit completes the calling thread's current span.
func (m *Machine) Exit(ctx context.Context) {
	defer m.guard("exit")

	if !m.IsActive() {
		return
	}

	// Read first so the tracer does not time itself.
	now := m.clock.Now()

	thread := ThreadFrom(ctx)
	state := m.threadState(nil, thread)
	if state == nil {
		m.logger.Debug("no current span on thread", zap.String("thread", thread.Name))
		return
	}

	span, parent, ok := state.exit()
	switch {
	case span == nil:
		m.logger.Debug("no current span on thread", zap.String("thread", thread.Name))
		return
	case !ok:
		m.logger.Debug("ignoring exit of root span", zap.String("thread", thread.Name))
		return
	}

	span.setExit(now)
	span.resolveThread(thread)

	m.notify("exit", func(l Listener) func() {
		if l.OnExit == nil {
			return nil
		}
		return func() { l.OnExit(span) }
	})

	err := span.complete()
	switch {
	case errors.Is(err, ErrDoubleCompletion):
		m.health.doubleCompletions.Add(1)
		m.logger.Warn("attempted to double complete span", zap.Stringer("span_id", span.ID()))
		return
	case errors.Is(err, ErrTreeInactive):
		// The tree finished under us. Clear this thread and still hand
		// the span on.
		m.threads.Delete(thread.ID)
		m.deliverSpan(span)
		return
	}

	// The tree already folded a network span into the root.
	if parent != nil && !(span.Kind() == KindNetwork && parent.IsRoot()) {
		parent.addChildExclusive(span.Duration())
	}

	m.deliverSpan(span)
}

func (m *Machine) deliverSpan(span *Span) {
	m.mu.Lock()
	d := m.delivery
	m.mu.Unlock()

	if d != nil {
		d.DeliverSpan(span.Record())
	}
}

// End completes the live tree.
func (m *Machine) End() {
	defer m.guard("end")

	m.mu.Lock()
	defer m.mu.Unlock()

	if tree := m.live.Load(); tree != nil {
		m.completeLocked(tree)
	}
}

// EndID completes the live tree only if its id matches.
func (m *Machine) EndID(id string) {
	defer m.guard("end")

	m.mu.Lock()
	defer m.mu.Unlock()

	if tree := m.live.Load(); tree != nil && tree.ID() == id {
		m.completeLocked(tree)
	}
}

// completeLocked finalizes tree if it is still live. Caller holds m.mu.
func (m *Machine) completeLocked(tree *Tree) {
	if !m.live.CompareAndSwap(tree, nil) {
		return
	}

	if tree.finish() {
		m.health.deliveredTrees.Add(1)
	} else {
		m.health.trivialTrees.Add(1)
	}
	m.history.EndLast(m.clock.Now())

	m.notify("complete", func(l Listener) func() {
		if l.OnComplete == nil {
			return nil
		}
		return func() { l.OnComplete(tree) }
	})

	m.dropTick()
}

// Halt discards the live tree without measurement and clears every
// thread's context.
func (m *Machine) Halt() {
	defer m.guard("halt")

	m.mu.Lock()
	defer m.mu.Unlock()

	tree := m.live.Swap(nil)
	if tree == nil {
		return
	}

	tree.discard()
	m.health.discardedTrees.Add(1)
	m.history.EndLast(m.clock.Now())
	m.dropTick()
	m.threads.Clear()

	m.notify("halt", func(l Listener) func() {
		if l.OnHalt == nil {
			return nil
		}
		return func() { l.OnHalt(tree) }
	})
}

func (m *Machine) dropTick() {
	if m.unregisterTick != nil {
		m.unregisterTick()
		m.unregisterTick = nil
	}
}

// Rename renames the calling thread's current span.
func (m *Machine) Rename(ctx context.Context, name string) {
	defer m.guard("rename")

	m.mu.Lock()
	defer m.mu.Unlock()

	tree := m.live.Load()
	if tree == nil {
		return
	}

	m.currentSpan(tree, ThreadFrom(ctx)).setName(name)
	m.notifyRename(tree)
}

// RenameRoot renames the interaction. Span names below the root are kept.
func (m *Machine) RenameRoot(ctx context.Context, name string) {
	defer m.guard("renameRoot")

	m.mu.Lock()
	defer m.mu.Unlock()

	tree := m.live.Load()
	if tree == nil {
		return
	}

	root := tree.root
	old := root.Name()
	m.measurements.RenameInteraction(old, name)
	m.history.Rename(old, name)
	root.setMetricNames(FormatMetricName(name), FormatBackgroundMetricName(name))
	root.setName(name)

	thread := ThreadFrom(ctx)
	m.currentSpan(tree, thread).setScope(m.scopeFor(tree, thread))

	m.notifyRename(tree)
}

func (m *Machine) notifyRename(tree *Tree) {
	m.notify("rename", func(l Listener) func() {
		if l.OnRename == nil {
			return nil
		}
		return func() { l.OnRename(tree) }
	})
}

// Tick runs the timeout policy against the live tree.
func (m *Machine) Tick() {
	defer m.guard("tick")

	tree := m.live.Load()
	if tree == nil {
		m.logger.Debug("trace machine is inactive")
		return
	}
	m.checkTimeout(tree)
}

// checkTimeout completes tree if the policy says it is finished.
func (m *Machine) checkTimeout(tree *Tree) bool {
	now := m.clock.Now()
	reason := m.policy.evaluate(tree, now)
	if reason == notTimedOut {
		return false
	}

	switch reason {
	case healthyTimeout:
		m.health.healthyTimeouts.Add(1)
		m.logger.Debug("completing trace after healthy timeout",
			zap.String("trace_id", tree.ID()),
			zap.Duration("timeout", m.policy.healthy),
			zap.Duration("idle", now.Sub(tree.LastUpdatedAt())))
	case unhealthyTimeout:
		m.health.unhealthyTimeouts.Add(1)
		m.logger.Debug("completing trace after unhealthy timeout",
			zap.String("trace_id", tree.ID()),
			zap.Duration("timeout", m.policy.unhealthy),
			zap.Int("missing", tree.MissingCount()))
	}

	m.mu.Lock()
	m.completeLocked(tree)
	m.mu.Unlock()
	return true
}

// CurrentSpan returns the calling thread's current span, or the root if
// the thread has lost its position.
func (m *Machine) CurrentSpan(ctx context.Context) (*Span, error) {
	tree := m.live.Load()
	if tree == nil {
		return nil, ErrTreeInactive
	}
	return m.currentSpan(tree, ThreadFrom(ctx)), nil
}

func (m *Machine) currentSpan(tree *Tree, thread Thread) *Span {
	if state := m.threadState(tree, thread); state != nil {
		if current := state.top(); current != nil {
			return current
		}
	}
	return tree.root
}

// SetParam sets a parameter on the calling thread's current span.
func (m *Machine) SetParam(ctx context.Context, key string, value any) {
	defer m.guard("setParam")

	switch {
	case key == "":
		m.logger.Error("cannot set span param: key is empty")
		return
	case value == nil:
		m.logger.Error("cannot set span param: value is nil", zap.String("key", key))
		return
	}

	span, err := m.CurrentSpan(ctx)
	if err != nil {
		return
	}
	span.SetParam(key, value)
}

// CurrentScope returns the metric scope for the calling thread: the
// root's foreground name on a main thread, its background name otherwise.
func (m *Machine) CurrentScope(ctx context.Context) string {
	tree := m.live.Load()
	if tree == nil {
		return ""
	}
	return m.scopeFor(tree, ThreadFrom(ctx))
}

func (m *Machine) scopeFor(tree *Tree, thread Thread) string {
	if thread.Main {
		return tree.root.MetricName()
	}
	return tree.root.MetricBackgroundName()
}

// UnloadContext forgets the calling thread's span stack. Main threads keep theirs.
func (m *Machine) UnloadContext(ctx context.Context) {
	thread := ThreadFrom(ctx)
	if thread.Main || !m.IsActive() {
		return
	}
	m.threads.Delete(thread.ID)
}

// SendFailed records a failed delivery attempt on the live tree.
func (m *Machine) SendFailed() {
	if tree := m.live.Load(); tree != nil {
		tree.IncrementReportAttempts()
	}
}

// notify calls pick(listener) for each listener in order and runs the
// returned callback. A panicking callback is recovered and counted.
func (m *Machine) notify(event string, pick func(Listener) func()) {
	for _, e := range m.listeners.snapshot() {
		fn := pick(e.listener)
		if fn == nil {
			continue
		}
		m.safeCall(e.id, event, fn)
	}
}

func (m *Machine) safeCall(id uint64, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.health.listenerFailures.Add(1)
			err := fmt.Errorf("%w: %s: %v", ErrListenerFailure, event, r)
			m.logger.Warn("listener failed", zap.Uint64("listener", id), zap.Error(err))
			if m.panicHook != nil {
				m.panicHook(id, r)
			}
		}
	}()
	fn()
}

// guard downgrades a panic at a public entry point to a log line.
func (m *Machine) guard(op string) {
	if r := recover(); r != nil {
		m.noticePanic(op, r)
	}
}

func (m *Machine) noticePanic(op string, r any) {
	m.health.exceptions.Add(1)
	m.logger.Error("caught error in trace machine", zap.String("op", op), zap.Any("error", r))
}

// ensureIDPool initializes the id pool if not already created.
func (m *Machine) ensureIDPool() {
	m.idPoolOnce.Do(func() {
		m.ids.Store(NewIDPool(m.cfg.IDPoolSize, m.newUUID))
	})
}

func (m *Machine) nextID() uuid.UUID {
	m.ensureIDPool()
	return m.ids.Load().Get()
}

func (m *Machine) newUUID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(rand.Reader)
	if err != nil {
		// Fallback to a time-based name if crypto/rand fails.
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(m.clock.Now().Format(time.RFC3339Nano)))
	}
	return id
}
