package tracemachine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// Span is one timed node of a trace tree.
// Safe for concurrent use: children may be registered from many threads.
//
//nolint:govet // Field order follows the wire layout
type Span struct {
	params               Params
	children             []uuid.UUID
	childSet             map[uuid.UUID]struct{}
	entry                time.Time
	exit                 time.Time
	clock                clockz.Clock
	tree                 atomic.Pointer[Tree]
	name                 string
	metricName           string
	metricBackgroundName string
	scope                string
	thread               Thread
	exclusive            time.Duration
	childExclusive       time.Duration
	mu                   sync.Mutex
	id                   uuid.UUID
	parentID             uuid.UUID
	kind                 Kind
	completed            bool
}

func newSpan(id, parentID uuid.UUID, name string, clock clockz.Clock) *Span {
	return &Span{
		id:       id,
		parentID: parentID,
		name:     name,
		clock:    clock,
		params:   make(Params),
		childSet: make(map[uuid.UUID]struct{}),
	}
}

// Record is an immutable copy of a span's state.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Record struct {
	Params               Params        `json:"params,omitempty"`
	Children             []uuid.UUID   `json:"children,omitempty"`
	Entry                time.Time     `json:"entry"`
	Exit                 time.Time     `json:"exit"`
	Name                 string        `json:"name"`
	MetricName           string        `json:"metric_name,omitempty"`
	MetricBackgroundName string        `json:"metric_background_name,omitempty"`
	Scope                string        `json:"scope,omitempty"`
	Thread               Thread        `json:"thread"`
	Exclusive            time.Duration `json:"exclusive"`
	ChildExclusive       time.Duration `json:"child_exclusive"`
	ID                   uuid.UUID     `json:"id"`
	ParentID             uuid.UUID     `json:"parent_id"`
	Kind                 Kind          `json:"kind"`
	Completed            bool          `json:"completed"`
}

// Duration returns exit minus entry.
func (r Record) Duration() time.Duration {
	return r.Exit.Sub(r.Entry)
}

// ID returns the span identifier.
func (s *Span) ID() uuid.UUID {
	return s.id
}

// ParentID returns the parent identifier, uuid.Nil for a root.
func (s *Span) ParentID() uuid.UUID {
	return s.parentID
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool {
	return s.parentID == uuid.Nil
}

// Name returns the display name.
func (s *Span) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Kind returns the span kind.
func (s *Span) Kind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Entry returns the entry timestamp.
func (s *Span) Entry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}

// Exit returns the exit timestamp, zero while open.
func (s *Span) Exit() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

// Duration returns exit minus entry, zero while no exit is stamped.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationLocked()
}

func (s *Span) durationLocked() time.Duration {
	if s.exit.IsZero() {
		return 0
	}
	return s.exit.Sub(s.entry)
}

// ExclusiveTime returns the span's own time, excluding its children.
// Only meaningful once the span is complete.
func (s *Span) ExclusiveTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exclusive
}

// ChildExclusiveTime returns the time attributed to children so far.
func (s *Span) ChildExclusiveTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childExclusive
}

// Thread returns the owning thread.
func (s *Span) Thread() Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread
}

// Scope returns the metric scope recorded at entry.
func (s *Span) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// MetricName returns the foreground metric name. Set on roots only.
func (s *Span) MetricName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricName
}

// MetricBackgroundName returns the background metric name. Set on roots only.
func (s *Span) MetricBackgroundName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricBackgroundName
}

// IsComplete reports whether the span has been completed.
func (s *Span) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Children returns child ids in registration order.
func (s *Span) Children() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, len(s.children))
	copy(out, s.children)
	return out
}

// Param retrieves a parameter by key.
func (s *Span) Param(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.params[key]
	return v, ok
}

// SetParam stores a parameter. No-op once the span is complete.
func (s *Span) SetParam(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.params[key] = value
}

// Record returns a deep copy of the span.
func (s *Span) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := make(Params, len(s.params))
	for k, v := range s.params {
		params[k] = v
	}
	children := make([]uuid.UUID, len(s.children))
	copy(children, s.children)

	return Record{
		Params:               params,
		Children:             children,
		Entry:                s.entry,
		Exit:                 s.exit,
		Name:                 s.name,
		MetricName:           s.metricName,
		MetricBackgroundName: s.metricBackgroundName,
		Scope:                s.scope,
		Thread:               s.thread,
		Exclusive:            s.exclusive,
		ChildExclusive:       s.childExclusive,
		ID:                   s.id,
		ParentID:             s.parentID,
		Kind:                 s.kind,
		Completed:            s.completed,
	}
}

func (s *Span) addChild(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.childSet[id]; ok {
		return
	}
	s.childSet[id] = struct{}{}
	s.children = append(s.children, id)
}

// addChildExclusive folds a child's duration in. A completed span's
// exclusive time is fixed, so late folds are dropped.
func (s *Span) addChildExclusive(d time.Duration) {
	s.mu.Lock()
	if !s.completed {
		s.childExclusive += d
	}
	s.mu.Unlock()
}

func (s *Span) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *Span) setKind(kind Kind) {
	s.mu.Lock()
	s.kind = kind
	s.mu.Unlock()
}

func (s *Span) setScope(scope string) {
	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()
}

func (s *Span) setMetricNames(foreground, background string) {
	s.mu.Lock()
	s.metricName = foreground
	s.metricBackgroundName = background
	s.mu.Unlock()
}

func (s *Span) setEntry(t time.Time) {
	s.mu.Lock()
	s.entry = t
	s.mu.Unlock()
}

func (s *Span) setExit(t time.Time) {
	s.mu.Lock()
	s.exit = t
	s.mu.Unlock()
}

// extendExit moves the exit timestamp forward to t if t is later.
func (s *Span) extendExit(t time.Time) {
	s.mu.Lock()
	if t.After(s.exit) {
		s.exit = t
	}
	s.mu.Unlock()
}

// resolveThread records the owning thread unless one is already known.
func (s *Span) resolveThread(thread Thread) {
	s.mu.Lock()
	if s.thread.ID == 0 {
		s.thread = thread
	}
	s.mu.Unlock()
}

// finalize stamps the exit if unset and computes exclusive time.
// Returns false if the span was already complete.
func (s *Span) finalize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return false
	}
	if s.exit.IsZero() {
		s.exit = s.clock.Now()
	}
	if s.exit.Before(s.entry) {
		s.exit = s.entry
	}
	s.exclusive = s.exit.Sub(s.entry) - s.childExclusive
	s.completed = true
	return true
}

// complete finalizes the span and registers it with its tree.
// The tree reference is dropped either way. Returns ErrTreeInactive when
// the tree was already finalized; the span itself is still complete.
func (s *Span) complete() error {
	if !s.finalize() {
		return ErrDoubleCompletion
	}

	tree := s.tree.Swap(nil)
	if tree == nil {
		return ErrTreeInactive
	}
	return tree.registerCompleted(s)
}
