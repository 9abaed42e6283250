package opqueue

import (
	"container/heap"
	"sync"
	"time"
)

// timerJob is a deferred callback ordered by fire time.
type timerJob struct {
	at time.Time
	fn func()
}

type timerHeap []*timerJob

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*timerJob)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Timer is the single dedicated goroutine that services deferred
// loop-mode requeues. One Timer is shared by an entire Scheduler.
type Timer struct {
	mu       sync.Mutex
	jobs     timerHeap
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTimer starts the timer service goroutine.
func NewTimer() *Timer {
	t := &Timer{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	go t.run()
	return t
}

// Schedule arranges for fn to run after d elapses. fn runs on the
// timer's own goroutine, so it must not block.
func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	heap.Push(&t.jobs, &timerJob{at: time.Now().Add(d), fn: fn})
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Timer) run() {
	for {
		t.mu.Lock()
		wait := time.Hour
		if len(t.jobs) > 0 {
			wait = time.Until(t.jobs[0].at)
			if wait < 0 {
				wait = 0
			}
		}
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-t.wake:
			timer.Stop()
		case <-t.stopCh:
			timer.Stop()
			return
		}

		t.mu.Lock()
		now := time.Now()
		var due []func()
		for len(t.jobs) > 0 && !t.jobs[0].at.After(now) {
			j := heap.Pop(&t.jobs).(*timerJob)
			due = append(due, j.fn)
		}
		t.mu.Unlock()

		for _, fn := range due {
			fn()
		}
	}
}

// Stop cancels the timer service. Pending jobs are dropped, matching
// the graceful-shutdown rule that the timer is canceled.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
