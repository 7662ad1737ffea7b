package engine

import "sync/atomic"

// Clock is a monotonic logical clock. The authoritative supervisor of each
// key stamps every applied write with Next, and the stamp travels with the
// broadcast delta as its seq. The harness reuses it to order trace events.
//
// The zero value is ready to use; the first stamp is 1.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock that has issued no stamps.
func NewClock() *Clock {
	return &Clock{}
}

// Next issues the next stamp. Concurrent callers never share a stamp.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
