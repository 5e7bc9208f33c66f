package tracemachine

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// TraceVersion is written into every tree's params.
const TraceVersion = "1.0"

// treeConfig carries the machine wiring a tree needs.
type treeConfig struct {
	clock        clockz.Clock
	logger       *zap.Logger
	measurements Measurements
	delivery     Delivery
	environment  func() []any
	onCapped     func()
	maxSpans     int
}

// Tree is the span tree of one interaction.
// Owned by the machine until completion, immutable afterwards except for
// vitals attached by a sampler.
//
//nolint:govet // Field order groups the independently locked collections
type Tree struct {
	root        *Span
	previous    *Sighting
	cfg         treeConfig
	params      map[string]string
	startedAt   time.Time
	lastUpdated atomic.Int64

	spans   map[uuid.UUID]*Span
	spansMu sync.RWMutex

	missing   map[uuid.UUID]struct{}
	missingMu sync.Mutex

	vitals   map[SampleType][]Sample
	vitalsMu sync.Mutex

	completedCount atomic.Int64
	droppedCount   atomic.Int64
	reportAttempts atomic.Int64
	networkCount   atomic.Int64
	networkTime    atomic.Int64

	// sealMu orders span registration against finish and discard. Readers
	// register, the writer seals.
	sealMu     sync.RWMutex
	deliveryMu sync.Mutex
	complete   atomic.Bool
	discarded  atomic.Bool
}

func newTree(root *Span, cfg treeConfig) *Tree {
	if cfg.measurements == nil {
		cfg.measurements = noopMeasurements{}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.maxSpans <= 0 {
		cfg.maxSpans = DefaultMaxSpans
	}

	t := &Tree{
		root:      root,
		cfg:       cfg,
		startedAt: root.Entry(),
		spans:     make(map[uuid.UUID]*Span),
		missing:   make(map[uuid.UUID]struct{}),
		params: map[string]string{
			"traceVersion": TraceVersion,
			"type":         "ACTIVITY",
		},
	}
	t.lastUpdated.Store(t.startedAt.UnixNano())
	root.tree.Store(t)

	cfg.measurements.StartInteraction(root.Name(), t.startedAt)
	return t
}

// ID returns the root span id as a string.
func (t *Tree) ID() string {
	return t.root.ID().String()
}

// Root returns the root span.
func (t *Tree) Root() *Span {
	return t.root
}

// Name returns the display name of the root span.
func (t *Tree) Name() string {
	return t.root.Name()
}

// InteractionName returns the root display name up to the first '#'.
func (t *Tree) InteractionName() string {
	name := t.root.Name()
	if i := strings.Index(name, "#"); i > 0 {
		return name[:i]
	}
	return name
}

// StartedAt returns the root entry timestamp.
func (t *Tree) StartedAt() time.Time {
	return t.startedAt
}

// LastUpdatedAt returns when a span was last entered or completed.
func (t *Tree) LastUpdatedAt() time.Time {
	return time.Unix(0, t.lastUpdated.Load())
}

// SetLastUpdatedAt overrides the last update timestamp.
func (t *Tree) SetLastUpdatedAt(at time.Time) {
	t.lastUpdated.Store(at.UnixNano())
}

func (t *Tree) touch() {
	t.lastUpdated.Store(t.cfg.clock.Now().UnixNano())
}

// Previous returns the interaction sighted before this one, nil if none.
func (t *Tree) Previous() *Sighting {
	return t.previous
}

// registerEntered records a span as outstanding.
func (t *Tree) registerEntered(s *Span) error {
	t.sealMu.RLock()
	defer t.sealMu.RUnlock()

	if t.complete.Load() {
		return ErrTreeInactive
	}

	t.missingMu.Lock()
	t.missing[s.ID()] = struct{}{}
	t.missingMu.Unlock()

	t.touch()
	return nil
}

// registerCompleted moves a span from outstanding to completed. Spans past
// the cap are still removed from the outstanding set but not stored.
func (t *Tree) registerCompleted(s *Span) error {
	t.sealMu.RLock()
	defer t.sealMu.RUnlock()

	if t.complete.Load() {
		return ErrTreeInactive
	}

	rec := s.Record()

	// Network time is aggregated before the cap so dropped spans still count.
	if rec.Kind == KindNetwork {
		t.networkCount.Add(1)
		t.networkTime.Add(int64(rec.Duration()))
		t.root.addChildExclusive(rec.Duration())
	}

	t.missingMu.Lock()
	delete(t.missing, rec.ID)
	missing := len(t.missing)
	t.missingMu.Unlock()

	t.completedCount.Add(1)

	t.spansMu.Lock()
	if len(t.spans) >= t.cfg.maxSpans {
		t.spansMu.Unlock()
		t.droppedCount.Add(1)
		if t.cfg.onCapped != nil {
			t.cfg.onCapped()
		}
		t.cfg.logger.Debug("span limit reached, discarding span",
			zap.String("trace_id", t.ID()),
			zap.Stringer("span_id", rec.ID),
			zap.Int("max_spans", t.cfg.maxSpans))
		return nil
	}
	t.spans[rec.ID] = s
	t.spansMu.Unlock()

	// There is no defined end to an interaction; the last recorded exit is used.
	t.root.extendExit(rec.Exit)

	t.cfg.logger.Debug("span completed",
		zap.String("trace_id", t.ID()),
		zap.Stringer("span_id", rec.ID),
		zap.String("name", rec.Name),
		zap.Int("missing", missing))

	t.touch()
	return nil
}

// HasMissingChildren reports whether any entered span is still open.
func (t *Tree) HasMissingChildren() bool {
	return t.MissingCount() > 0
}

// MissingCount returns the number of entered but unfinished spans.
func (t *Tree) MissingCount() int {
	t.missingMu.Lock()
	defer t.missingMu.Unlock()
	return len(t.missing)
}

// IsMissing reports whether the span id is outstanding.
func (t *Tree) IsMissing(id uuid.UUID) bool {
	t.missingMu.Lock()
	defer t.missingMu.Unlock()
	_, ok := t.missing[id]
	return ok
}

// Span returns a stored completed span.
func (t *Tree) Span(id uuid.UUID) (*Span, bool) {
	t.spansMu.RLock()
	defer t.spansMu.RUnlock()
	s, ok := t.spans[id]
	return s, ok
}

// SpanCount returns the number of stored completed spans.
func (t *Tree) SpanCount() int {
	t.spansMu.RLock()
	defer t.spansMu.RUnlock()
	return len(t.spans)
}

// CompletedCount returns every span completion registered, stored or not.
func (t *Tree) CompletedCount() int64 {
	return t.completedCount.Load()
}

// DroppedCount returns the spans excluded by the span cap.
func (t *Tree) DroppedCount() int64 {
	return t.droppedCount.Load()
}

// NetworkCount returns the number of completed network spans.
func (t *Tree) NetworkCount() int64 {
	return t.networkCount.Load()
}

// NetworkTime returns the summed duration of completed network spans.
func (t *Tree) NetworkTime() time.Duration {
	return time.Duration(t.networkTime.Load())
}

// ReportAttempts returns how many deliveries of this tree failed.
func (t *Tree) ReportAttempts() int64 {
	return t.reportAttempts.Load()
}

// IncrementReportAttempts records a failed delivery.
func (t *Tree) IncrementReportAttempts() {
	t.reportAttempts.Add(1)
}

// IsComplete reports whether the tree was finalized, by completion or discard.
func (t *Tree) IsComplete() bool {
	return t.complete.Load()
}

// IsDiscarded reports whether the tree was torn down without measurement.
func (t *Tree) IsDiscarded() bool {
	return t.discarded.Load()
}

// SetVitals attaches vitals samples.
func (t *Tree) SetVitals(vitals map[SampleType][]Sample) {
	t.vitalsMu.Lock()
	t.vitals = copyVitals(vitals)
	t.vitalsMu.Unlock()
}

// Vitals returns a copy of the attached samples.
func (t *Tree) Vitals() map[SampleType][]Sample {
	t.vitalsMu.Lock()
	defer t.vitalsMu.Unlock()
	return copyVitals(t.vitals)
}

// finish completes the tree and hands it to delivery. Returns false if the
// tree was already final or had no completed spans.
func (t *Tree) finish() bool {
	if !t.seal() {
		t.cfg.logger.Warn("attempted to complete trace twice", zap.String("trace_id", t.ID()))
		return false
	}

	name := t.root.Name()
	if t.SpanCount() == 0 {
		t.cfg.logger.Debug("completing trivial trace", zap.String("trace_id", t.ID()), zap.String("name", name))
		t.cfg.measurements.EndInteractionWithoutMeasurement(name)
		t.detachDelivery()
		return false
	}

	t.cfg.logger.Debug("completing trace",
		zap.String("trace_id", t.ID()),
		zap.String("name", name),
		zap.Int("spans", t.SpanCount()),
		zap.Int64("dropped", t.DroppedCount()))
	t.cfg.measurements.EndInteraction(name, t.root.Exit())

	if d := t.detachDelivery(); d != nil {
		d.DeliverTree(t)
	}
	return true
}

// discard tears the tree down without measurement. It is never serialized.
func (t *Tree) discard() {
	t.sealMu.Lock()
	if !t.complete.CompareAndSwap(false, true) {
		t.sealMu.Unlock()
		return
	}
	t.discarded.Store(true)
	t.root.tree.Store(nil)
	t.sealMu.Unlock()

	t.cfg.logger.Debug("discarding trace",
		zap.String("trace_id", t.ID()),
		zap.String("name", t.root.Name()),
		zap.Int("spans", t.SpanCount()))
	t.detachDelivery()
	t.cfg.measurements.EndInteractionWithoutMeasurement(t.root.Name())
}

// seal marks the tree complete and freezes the root once no registration
// is in flight. Later registrations see the tree inactive.
func (t *Tree) seal() bool {
	t.sealMu.Lock()
	defer t.sealMu.Unlock()

	if !t.complete.CompareAndSwap(false, true) {
		return false
	}
	if t.root.Exit().IsZero() {
		t.root.setExit(t.cfg.clock.Now())
	}
	t.root.finalize()
	t.root.tree.Store(nil)
	return true
}

func (t *Tree) detachDelivery() Delivery {
	t.deliveryMu.Lock()
	defer t.deliveryMu.Unlock()
	d := t.cfg.delivery
	t.cfg.delivery = nil
	return d
}
