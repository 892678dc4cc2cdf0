package roaster

import "sync"

// RawLine is one framed inbound line with its terminator removed.
// Lines on the queue are never empty.
type RawLine string

// LineQueue is an unbounded FIFO between the serial reader (producer) and
// the drain tick (consumer). Push never blocks on the consumer.
//
// Thread Safety:
//   - Push, DrainAll and Len are safe for concurrent use.
type LineQueue struct {
	mu    sync.Mutex
	lines []RawLine
}

// NewLineQueue returns an empty queue.
func NewLineQueue() *LineQueue {
	return &LineQueue{}
}

// Push appends line. Empty lines are ignored.
func (q *LineQueue) Push(line RawLine) {
	if line == "" {
		return
	}
	q.mu.Lock()
	q.lines = append(q.lines, line)
	q.mu.Unlock()
}

// DrainAll removes and returns every queued line in arrival order. A line
// pushed concurrently lands either in the returned batch or in the next one.
func (q *LineQueue) DrainAll() []RawLine {
	q.mu.Lock()
	lines := q.lines
	q.lines = nil
	q.mu.Unlock()
	return lines
}

// Len returns the number of queued lines.
func (q *LineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lines)
}
