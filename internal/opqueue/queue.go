package opqueue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/ehrlich-b/devicefleet/internal/command"
)

// ErrClosed is returned by Take once the queue has been shut down.
var ErrClosed = errors.New("opqueue: closed")

// Matcher is a caller-supplied predicate passed to Take.
type Matcher func(*command.Command) bool

// Any matches every command; used by callers with no selection
// restriction.
func Any(*command.Command) bool { return true }

type waiter struct {
	matcher Matcher
	ch      chan *command.Command
}

// Queue is the command priority queue. It is safe for concurrent use by
// multiple producers (Insert) and multiple consumers (Take).
type Queue struct {
	mu       sync.Mutex
	items    minHeap
	waiters  []*waiter
	registry *command.Registry
	closed   bool
}

// New creates an empty Queue backed by the given Registry for
// totalExecTime lookups.
func New(registry *command.Registry) *Queue {
	return &Queue{registry: registry}
}

// Insert adds a command to the queue, snapshotting its current
// totalExecTime as the heap key, then attempts to satisfy any blocked
// waiters whose matcher now accepts an item in the queue.
func (q *Queue) Insert(c *command.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.items, &item{cmd: c, key: q.registry.TotalExecTime(c), seq: c.Seq()})
	q.wakeWaitersLocked()
}

// wakeWaitersLocked walks waiters in FIFO arrival order and, for each
// whose matcher currently accepts some queued item, removes that item
// (the minimal one accepted by that matcher) and delivers it. A
// matching element is never left unconsumed while a matching waiter
// sleeps past this call.
func (q *Queue) wakeWaitersLocked() {
	remaining := q.waiters[:0]
	for _, w := range q.waiters {
		if idx, ok := q.findBestMatchLocked(w.matcher); ok {
			it := heap.Remove(&q.items, idx).(*item)
			w.ch <- it.cmd
			continue
		}
		remaining = append(remaining, w)
	}
	q.waiters = remaining
}

// findBestMatchLocked returns the heap-slice index of the minimal item
// (by key, then insertion order) accepted by matcher, if any.
func (q *Queue) findBestMatchLocked(matcher Matcher) (int, bool) {
	best := -1
	for i, it := range q.items {
		if !matcher(it.cmd) {
			continue
		}
		if best == -1 || q.items.Less(i, best) {
			best = i
		}
	}
	return best, best >= 0
}

// Take blocks until a command accepted by matcher is available, ctx is
// canceled, or the queue is shut down.
func (q *Queue) Take(ctx context.Context, matcher Matcher) (*command.Command, error) {
	q.mu.Lock()
	if idx, ok := q.findBestMatchLocked(matcher); ok {
		it := heap.Remove(&q.items, idx).(*item)
		q.mu.Unlock()
		return it.cmd, nil
	}
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	w := &waiter{matcher: matcher, ch: make(chan *command.Command, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case c := <-w.ch:
		if c == nil {
			return nil, ErrClosed
		}
		return c, nil
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removeWaiterLocked(w)
		q.mu.Unlock()
		if !removed {
			// wakeWaitersLocked already popped an item for us and is
			// sending (or has sent) it on w.ch concurrently with our
			// cancellation; take delivery ourselves so the command is
			// never lost, then hand it straight back to the queue.
			c := <-w.ch
			if c != nil {
				q.Insert(c)
			}
		}
		return nil, ctx.Err()
	}
}

// removeWaiterLocked removes target from the waiter list, reporting
// whether it was still present. false means wakeWaitersLocked already
// claimed it for delivery — the caller must drain w.ch rather than
// assume no command is coming.
func (q *Queue) removeWaiterLocked(target *waiter) bool {
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the current number of queued (not yet dispatched) commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued commands in no particular order, used for
// the scheduler's "list queued commands" operation.
func (q *Queue) Snapshot() []*command.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*command.Command, len(q.items))
	for i, it := range q.items {
		out[i] = it.cmd
	}
	return out
}

// Shutdown clears the queue and wakes every blocked waiter with
// ErrClosed, per the graceful-shutdown rule that the queue does not
// persist across a shutdown/start cycle.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
}
