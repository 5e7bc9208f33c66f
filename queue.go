package tracemachine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/goccy/go-json"
)

// Item is one delivered unit: a completed span record or a completed tree.
type Item struct {
	Span *Record
	Tree *Tree
}

// Queue buffers completed spans and trees until they are drained for upload.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Queue struct {
	items        *queue.Queue
	itemsCh      chan Item
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	mu           sync.Mutex
	closed       atomic.Bool
	syncMode     atomic.Bool
}

// NewQueue creates a queue accepting up to bufferSize items in flight.
func NewQueue(bufferSize int) *Queue {
	if bufferSize <= 0 {
		bufferSize = DefaultQueueSize
	}
	q := &Queue{
		items:   queue.New(),
		itemsCh: make(chan Item, bufferSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.start()
	return q
}

func (q *Queue) start() {
	defer close(q.done)

	for {
		select {
		case <-q.stopCh:
			// Drain remaining items before shutdown.
			for {
				select {
				case item := <-q.itemsCh:
					q.buffer(item)
				default:
					return
				}
			}
		case item := <-q.itemsCh:
			q.buffer(item)
		}
	}
}

// Close stops accepting items and waits briefly for in-flight ones.
func (q *Queue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	close(q.stopCh)
	select {
	case <-q.done:
	case <-time.After(100 * time.Millisecond):
	}
}

// DeliverSpan enqueues a completed span record.
func (q *Queue) DeliverSpan(rec Record) {
	q.enqueue(Item{Span: &rec})
}

// DeliverTree enqueues a completed tree.
func (q *Queue) DeliverTree(tree *Tree) {
	if tree == nil {
		q.droppedCount.Add(1)
		return
	}
	q.enqueue(Item{Tree: tree})
}

// enqueue never blocks. A full channel or a closed queue drops the item.
func (q *Queue) enqueue(item Item) {
	if q.closed.Load() {
		q.droppedCount.Add(1)
		return
	}

	if q.syncMode.Load() {
		q.buffer(item)
		return
	}

	select {
	case q.itemsCh <- item:
	default:
		q.droppedCount.Add(1)
	}
}

func (q *Queue) buffer(item Item) {
	q.mu.Lock()
	q.items.Add(item)
	q.mu.Unlock()
}

// Drain removes and returns every buffered item in FIFO order.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.items.Length()
	if n == 0 {
		return nil
	}
	out := make([]Item, 0, n)
	for q.items.Length() > 0 {
		out = append(out, q.items.Remove().(Item))
	}
	return out
}

// Count returns the number of buffered items.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// DroppedCount returns the total number of items dropped on enqueue.
func (q *Queue) DroppedCount() int64 {
	return q.droppedCount.Load()
}

// SetSyncMode bypasses the channel so items are buffered on the calling
// goroutine. Makes tests deterministic.
func (q *Queue) SetSyncMode(sync bool) {
	q.syncMode.Store(sync)
}

// Reset clears buffered items and the drop counter.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = queue.New()
	q.droppedCount.Store(0)
}

// Trees returns the trees among items.
func Trees(items []Item) []*Tree {
	var trees []*Tree
	for _, item := range items {
		if item.Tree != nil {
			trees = append(trees, item.Tree)
		}
	}
	return trees
}

// Spans returns the span records among items.
func Spans(items []Item) []Record {
	var spans []Record
	for _, item := range items {
		if item.Span != nil {
			spans = append(spans, *item.Span)
		}
	}
	return spans
}

// EncodeTrees renders the trees among items as a JSON array of wire
// arrays. Trees that refuse serialization are skipped.
func EncodeTrees(items []Item) ([]byte, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, tree := range Trees(items) {
		data, err := tree.MarshalJSON()
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return json.Marshal(out)
}
