package tracemachine

import (
	"context"
	"sync"
)

// threadKeyType is a private type for context keys to avoid collisions.
type threadKeyType string

const (
	threadKey threadKeyType = "tracemachine.thread"
)

// Thread identifies the worker an operation runs on.
type Thread struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
	Main bool   `json:"main"`
}

// MainThread is assumed when a context carries no thread.
var MainThread = Thread{ID: 1, Name: "main", Main: true}

// WithThread returns a context that runs on the given thread.
func WithThread(ctx context.Context, thread Thread) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, threadKey, thread)
}

// ThreadFrom extracts the thread from a context, MainThread if none.
func ThreadFrom(ctx context.Context) Thread {
	if ctx == nil {
		return MainThread
	}
	if thread, ok := ctx.Value(threadKey).(Thread); ok {
		return thread
	}
	return MainThread
}

// threadState is the span stack of one thread. Contexts without a Thread
// all resolve to MainThread and share its state, so every access locks.
// Worker goroutines tag their context with WithThread to get a stack of
// their own and to adopt a parent hint.
type threadState struct {
	tree    *Tree
	current *Span
	stack   []*Span
	mu      sync.Mutex
}

func newThreadState(tree *Tree, seed *Span) *threadState {
	s := &threadState{tree: tree}
	s.pushLocked(seed)
	return s
}

// resume returns the span a new child attaches to. A state without a
// current span is reseeded from the hint; with one, a nil hint resumes the
// top of the stack and a non-nil hint is ignored.
func (s *threadState) resume(hint *Span) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		clear(s.stack)
		s.stack = s.stack[:0]
		s.pushLocked(hint)
		return s.current
	}
	if hint == nil {
		s.current = s.peekLocked()
	}
	return s.current
}

func (s *threadState) push(span *Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(span)
}

func (s *threadState) pushLocked(span *Span) {
	if span == nil {
		return
	}
	if len(s.stack) == 0 || s.stack[len(s.stack)-1] != span {
		s.stack = append(s.stack, span)
	}
	s.current = span
}

// exit pops the current span and returns it with the span now on top of
// the stack, nil if the stack emptied. The root is never popped.
func (s *threadState) exit() (span, parent *Span, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span = s.current
	if span == nil || span.IsRoot() {
		return span, nil, false
	}

	if n := len(s.stack); n > 0 {
		s.stack[n-1] = nil
		s.stack = s.stack[:n-1]
	}
	// An emptied stack means this thread never received context from its parent.
	s.current = s.peekLocked()
	return span, s.current, true
}

func (s *threadState) top() *Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *threadState) peekLocked() *Span {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

func (s *threadState) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}
