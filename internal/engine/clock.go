package engine

import "sync/atomic"

// Clock is a monotonic logical clock for event ordering.
//
// Every history event is stamped with a strictly increasing seq from this
// clock. Wall-clock timestamps are recorded too, but seq is the order.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// although the engine only advances it while holding the ledger mutex.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start, typically the last
// seq found in the history store.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
