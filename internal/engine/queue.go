package engine

import "sync"

// fifo is a thread-safe FIFO queue with an optional capacity.
//
// The engine uses one bounded fifo to hand snapshot jobs to the archive
// worker and one unbounded fifo to hold history events awaiting a retried
// append.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in worker loops (prevents goroutine hangs on cancellation).
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	limit  int // 0 means unbounded
	closed bool
	signal chan struct{} // Signals item availability (buffered, size 1)
}

// newFIFO creates an empty queue. A limit of 0 leaves it unbounded.
func newFIFO[T any](limit int) *fifo[T] {
	capHint := limit
	if capHint == 0 || capHint > 64 {
		capHint = 64
	}
	return &fifo[T]{
		items:  make([]T, 0, capHint),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// Push adds an item to the back of the queue.
// Returns false if the queue is closed or full.
func (q *fifo[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || (q.limit > 0 && len(q.items) >= q.limit) {
		return false
	}

	q.items = append(q.items, v)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Peek returns the front item without removing it.
func (q *fifo[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

// Pop removes and returns the front item.
// Returns (zero, false) if the queue is empty.
func (q *fifo[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]

	// Clear the slot so the backing array does not retain frames.
	q.items[0] = zero

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return v, true
}

// DropFunc removes every queued item for which drop returns true and
// reports how many were removed.
func (q *fifo[T]) DropFunc(drop func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, v := range q.items {
		if !drop(v) {
			kept = append(kept, v)
		}
	}
	n := len(q.items) - len(kept)

	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return n
}

// Wait returns a channel that signals when items may be available.
// Use with select for context-aware waiting.
func (q *fifo[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained reports whether the queue is closed and empty.
func (q *fifo[T]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Close signals that no more items will be pushed.
// Wakes any blocked waiters by closing the signal channel.
func (q *fifo[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
