// Package opqueue implements the scheduler's command priority queue: a
// min-heap keyed on cumulative execution time with a blocking,
// predicate-matching take(), plus the single-goroutine timer service
// that services deferred loop-mode requeues.
package opqueue

import "github.com/ehrlich-b/devicefleet/internal/command"

// item is one heap slot. key is a snapshot of the command's
// totalExecTime taken at insertion time; it never changes while the
// item is enqueued, which is all container/heap requires.
type item struct {
	cmd *command.Command
	key int64
	seq uint64
}

type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].seq < h[j].seq
}

func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) {
	*h = append(*h, x.(*item))
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
