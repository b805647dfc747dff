// Package collector buffers out-of-order per-item results and releases
// them as a monotonically advancing contiguous prefix, so a batch's
// output can be written in submission order even though workers finish
// items concurrently and out of order.
package collector

import (
	"container/heap"
	"sync"
)

// Result is one item's outcome, ready for ordered emission.
type Result struct {
	Position int
	Payload  interface{}
	Skipped  bool
	Reason   string
}

// positionHeap is a min-heap over pending positions, used to find the
// next position due for emission without scanning the whole buffer.
type positionHeap []int

func (h positionHeap) Len() int            { return len(h) }
func (h positionHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h positionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *positionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Collector accumulates Results keyed by position and drains a
// contiguous prefix starting at the next expected position. Submit is
// idempotent: resubmitting a position already buffered or already
// drained is a no-op.
type Collector struct {
	mu       sync.Mutex
	next     int
	pending  map[int]Result
	buffered positionHeap
}

// New creates a Collector starting from position `from` (inclusive).
// Batches are 1-indexed by convention, so callers typically pass 1.
func New(from int) *Collector {
	return &Collector{
		next:    from,
		pending: make(map[int]Result),
	}
}

// Submit buffers a result at its position. O(log N) due to the
// underlying heap push.
func (c *Collector) Submit(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.Position < c.next {
		return
	}
	if _, exists := c.pending[r.Position]; exists {
		return
	}
	c.pending[r.Position] = r
	heap.Push(&c.buffered, r.Position)
}

// MarkSkipped buffers a placeholder result for a position the engine
// has given up on (quarantined), so the contiguous prefix can still
// advance past it.
func (c *Collector) MarkSkipped(position int, reason string) {
	c.Submit(Result{Position: position, Skipped: true, Reason: reason})
}

// Drain pops and returns every result forming the contiguous run
// starting at the collector's next expected position, advancing that
// expectation past what it returns. Returns nil if nothing is ready.
func (c *Collector) Drain() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Result
	for len(c.buffered) > 0 && c.buffered[0] == c.next {
		pos := heap.Pop(&c.buffered).(int)
		out = append(out, c.pending[pos])
		delete(c.pending, pos)
		c.next++
	}
	return out
}

// Pending reports how many results are buffered awaiting the gap at
// the front of the queue to close. The engine does not consult it:
// claiming new work is not paused while results are buffered.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NextExpected returns the position Drain is currently waiting on.
func (c *Collector) NextExpected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
